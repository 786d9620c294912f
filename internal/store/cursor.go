package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/geosync/internal/geo"
)

// Cursor returns the last consumed event id for a resource type, or 0 if
// nothing was consumed yet.
func (s *Store) Cursor(ctx context.Context, t geo.ResourceType) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_event_id FROM event_cursors WHERE resource_type = ?`, string(t)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", t, err)
	}
	return id, nil
}

// AdvanceCursor moves the cursor of a resource type to eventID unless it is
// already further, and returns the resulting position. Concurrent advances
// keep the maximum.
func (s *Store) AdvanceCursor(ctx context.Context, t geo.ResourceType, eventID int64) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_cursors (resource_type, last_event_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(resource_type) DO UPDATE SET
				last_event_id = MAX(event_cursors.last_event_id, excluded.last_event_id),
				updated_at = excluded.updated_at
		`, string(t), eventID, s.now().UnixMilli()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT last_event_id FROM event_cursors WHERE resource_type = ?`, string(t)).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("advance cursor %s: %w", t, err)
	}
	return id, nil
}

// UpTo returns mirrored resources of type t last touched at or before
// eventID, with ids greater than afterID, ordered by id. Tombstoned
// resources are excluded. limit is capped at MaxBatchSize; page by passing
// the last returned id as afterID.
func (s *Store) UpTo(ctx context.Context, t geo.ResourceType, eventID, afterID int64, limit int) ([]geo.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resourceColumns+` FROM resources r
		WHERE r.resource_type = ? AND r.last_event_id <= ? AND r.id > ?
		  AND NOT EXISTS (
			SELECT 1 FROM tombstones tb
			WHERE tb.resource_type = r.resource_type AND tb.resource_id = r.id
		  )
		ORDER BY r.id ASC
		LIMIT ?
	`, string(t), eventID, afterID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("up to %s: %w", t, err)
	}
	defer rows.Close()

	resources := []geo.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("up to %s: %w", t, err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("up to %s: %w", t, err)
	}
	return resources, nil
}
