package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/geosync/internal/geo"
	"github.com/roach88/geosync/internal/retry"
)

// FailSyncTimeouts fails every registry that has been started for longer
// than timeout and returns how many were failed. An empty type sweeps every
// type. Rows that changed concurrently are skipped; the next sweep sees them
// again if they are still stuck.
func (s *Store) FailSyncTimeouts(ctx context.Context, t geo.ResourceType, timeout time.Duration, sched retry.Scheduler) (int, error) {
	now := s.now()
	return s.sweep(ctx, "sync timeout",
		func(limit int) ([]geo.Registry, error) {
			return s.StartedBefore(ctx, t, now.Add(-timeout), limit)
		},
		func(r geo.Registry) (geo.Registry, error) {
			return r.TimeOut(timeout, now, sched)
		})
}

// FailVerificationTimeouts fails every verification that has been started
// for longer than timeout and returns how many were failed.
func (s *Store) FailVerificationTimeouts(ctx context.Context, t geo.ResourceType, timeout time.Duration, sched retry.Scheduler) (int, error) {
	now := s.now()
	return s.sweep(ctx, "verification timeout",
		func(limit int) ([]geo.Registry, error) {
			return s.VerificationStartedBefore(ctx, t, now.Add(-timeout), limit)
		},
		func(r geo.Registry) (geo.Registry, error) {
			return r.TimeOutVerification(timeout, now, sched)
		})
}

func (s *Store) sweep(ctx context.Context, name string, selectBatch func(int) ([]geo.Registry, error), transition func(geo.Registry) (geo.Registry, error)) (int, error) {
	swept := 0
	for {
		batch, err := selectBatch(MaxBatchSize)
		if err != nil {
			return swept, fmt.Errorf("%s sweep: %w", name, err)
		}
		progressed := false
		for _, r := range batch {
			next, err := transition(r)
			if err != nil {
				slog.Warn("sweep skipped registry", "sweep", name, "registry", r.Key(), "error", err)
				continue
			}
			if _, err := s.save(ctx, r, next); err != nil {
				if errors.Is(err, ErrConflict) {
					continue
				}
				return swept, fmt.Errorf("%s sweep: %w", name, err)
			}
			swept++
			progressed = true
		}
		if len(batch) < MaxBatchSize || !progressed {
			return swept, nil
		}
	}
}

// PruneOutOfScope deletes registries of type t whose mirrored resource is
// rejected by inScope, in batches of batchSize, and returns how many were
// deleted. Registries without a mirrored resource are kept.
func (s *Store) PruneOutOfScope(ctx context.Context, t geo.ResourceType, inScope func(geo.Resource) bool, batchSize int) (int, error) {
	batchSize = clampLimit(batchSize)
	pruned := 0
	var after int64
	for {
		regs, err := s.List(ctx, t, after, batchSize)
		if err != nil {
			return pruned, fmt.Errorf("prune: %w", err)
		}
		if len(regs) == 0 {
			return pruned, nil
		}
		after = regs[len(regs)-1].ID

		var doomed []int64
		for _, r := range regs {
			res, err := s.GetResource(ctx, r.ResourceType, r.ModelRecordID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return pruned, fmt.Errorf("prune: %w", err)
			}
			if !inScope(res) {
				doomed = append(doomed, r.ID)
			}
		}
		if len(doomed) > 0 {
			n, err := s.deleteByIDs(ctx, doomed)
			pruned += n
			if err != nil {
				return pruned, fmt.Errorf("prune: %w", err)
			}
		}
	}
}

func (s *Store) deleteByIDs(ctx context.Context, ids []int64) (int, error) {
	deleted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM registries WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
