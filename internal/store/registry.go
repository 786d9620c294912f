package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/geosync/internal/geo"
)

const registryColumns = `
	id, resource_type, model_record_id, state, retry_count, retry_at,
	last_synced_at, last_sync_failure, lease_token, resync_needed, last_event_id,
	verification_state, verification_checksum, verification_checksum_mismatched,
	checksum_mismatch, verification_retry_count, verification_retry_at,
	verification_failure, verification_started_at, verified_at,
	lock_version, created_at, updated_at`

// notTombstoned excludes registries whose resource deletion was consumed.
// Those only wait for removal and are selected by Tombstoned.
const (
	hasTombstone = `EXISTS (
	SELECT 1 FROM tombstones tb
	WHERE tb.resource_type = registries.resource_type
	  AND tb.resource_id = registries.model_record_id)`
	notTombstoned = `NOT ` + hasTombstone
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistry(row rowScanner) (geo.Registry, error) {
	var (
		r                    geo.Registry
		resourceType, state  string
		verification         string
		retryAt, lastSynced  sql.NullInt64
		verifyRetryAt        sql.NullInt64
		verifyStarted        sql.NullInt64
		verifiedAt           sql.NullInt64
		resyncNeeded         int
		mismatch             int
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&r.ID, &resourceType, &r.ModelRecordID, &state, &r.RetryCount, &retryAt,
		&lastSynced, &r.LastSyncFailure, &r.LeaseToken, &resyncNeeded, &r.LastEventID,
		&verification, &r.VerificationChecksum, &r.VerificationChecksumMismatched,
		&mismatch, &r.VerificationRetryCount, &verifyRetryAt,
		&r.VerificationFailure, &verifyStarted, &verifiedAt,
		&r.LockVersion, &createdAt, &updatedAt,
	)
	if err != nil {
		return geo.Registry{}, err
	}
	r.ResourceType = geo.ResourceType(resourceType)
	r.State = geo.State(state)
	r.VerificationState = geo.VerificationState(verification)
	r.RetryAt = fromMillis(retryAt)
	r.LastSyncedAt = fromMillis(lastSynced)
	r.VerificationRetryAt = fromMillis(verifyRetryAt)
	r.VerificationStartedAt = fromMillis(verifyStarted)
	r.VerifiedAt = fromMillis(verifiedAt)
	r.ResyncNeeded = resyncNeeded != 0
	r.ChecksumMismatch = mismatch != 0
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}

func (s *Store) queryRegistries(ctx context.Context, query string, args ...any) ([]geo.Registry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	registries := []geo.Registry{}
	for rows.Next() {
		r, err := scanRegistry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry: %w", err)
		}
		registries = append(registries, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registries: %w", err)
	}
	return registries, nil
}

// FindOrInitialize returns the registry for a resource, creating a pending
// one if none exists. created reports whether this call inserted it.
// Returns ErrTombstoned, without creating anything, for deleted resources.
func (s *Store) FindOrInitialize(ctx context.Context, t geo.ResourceType, id int64) (r geo.Registry, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		tombstoned, err := isTombstoned(ctx, tx, t, id)
		if err != nil {
			return err
		}
		if tombstoned {
			return ErrTombstoned
		}

		now := s.now().UnixMilli()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO registries (resource_type, model_record_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(resource_type, model_record_id) DO NOTHING
		`, string(t), id, now, now)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = affected > 0

		r, err = scanRegistry(tx.QueryRowContext(ctx,
			`SELECT `+registryColumns+` FROM registries WHERE resource_type = ? AND model_record_id = ?`,
			string(t), id))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrTombstoned) {
			return geo.Registry{}, false, err
		}
		return geo.Registry{}, false, fmt.Errorf("find or initialize %s: %w", geo.ResourceKey(t, id), err)
	}
	return r, created, nil
}

// Get returns the registry for a resource.
func (s *Store) Get(ctx context.Context, t geo.ResourceType, id int64) (geo.Registry, error) {
	r, err := scanRegistry(s.db.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM registries WHERE resource_type = ? AND model_record_id = ?`,
		string(t), id))
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Registry{}, fmt.Errorf("get %s: %w", geo.ResourceKey(t, id), ErrNotFound)
	}
	if err != nil {
		return geo.Registry{}, fmt.Errorf("get %s: %w", geo.ResourceKey(t, id), err)
	}
	return r, nil
}

// Update applies fn to the current registry and persists the result with a
// compare-and-swap on lock_version. Errors from fn are returned unchanged and
// nothing is written. ErrConflict means another writer got there first.
func (s *Store) Update(ctx context.Context, t geo.ResourceType, id int64, fn func(geo.Registry) (geo.Registry, error)) (geo.Registry, error) {
	current, err := s.Get(ctx, t, id)
	if err != nil {
		return geo.Registry{}, err
	}
	next, err := fn(current)
	if err != nil {
		return current, err
	}
	return s.save(ctx, current, next)
}

// save writes next if the stored row still has current's lock_version.
func (s *Store) save(ctx context.Context, current, next geo.Registry) (geo.Registry, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE registries SET
			state = ?, retry_count = ?, retry_at = ?, last_synced_at = ?,
			last_sync_failure = ?, lease_token = ?, resync_needed = ?, last_event_id = ?,
			verification_state = ?, verification_checksum = ?,
			verification_checksum_mismatched = ?, checksum_mismatch = ?,
			verification_retry_count = ?, verification_retry_at = ?,
			verification_failure = ?, verification_started_at = ?, verified_at = ?,
			lock_version = lock_version + 1, updated_at = ?
		WHERE id = ? AND lock_version = ?
	`,
		string(next.State), next.RetryCount, millis(next.RetryAt), millis(next.LastSyncedAt),
		next.LastSyncFailure, next.LeaseToken, boolInt(next.ResyncNeeded), next.LastEventID,
		string(next.VerificationState), next.VerificationChecksum,
		next.VerificationChecksumMismatched, boolInt(next.ChecksumMismatch),
		next.VerificationRetryCount, millis(next.VerificationRetryAt),
		next.VerificationFailure, millis(next.VerificationStartedAt), millis(next.VerifiedAt),
		now.UnixMilli(),
		current.ID, current.LockVersion,
	)
	if err != nil {
		return current, fmt.Errorf("update %s: %w", current.Key(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, fmt.Errorf("update %s: %w", current.Key(), err)
	}
	if affected == 0 {
		return current, fmt.Errorf("update %s: %w", current.Key(), ErrConflict)
	}

	next.ID = current.ID
	next.LockVersion = current.LockVersion + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return next, nil
}

// Delete removes the registry for a resource. Deleting a missing registry
// is not an error.
func (s *Store) Delete(ctx context.Context, t geo.ResourceType, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM registries WHERE resource_type = ? AND model_record_id = ?`,
		string(t), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", geo.ResourceKey(t, id), err)
	}
	return nil
}

// NeverAttempted returns pending registries that were never started,
// oldest first.
func (s *Store) NeverAttempted(ctx context.Context, t geo.ResourceType, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE resource_type = ? AND state = 'pending' AND last_synced_at IS NULL
		  AND `+notTombstoned+`
		ORDER BY id ASC
		LIMIT ?
	`, string(t), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("never attempted: %w", err)
	}
	return regs, nil
}

// ResyncRequested returns registries that were synced before and need to be
// synced again: pending after a resync, or synced with resync_needed set.
func (s *Store) ResyncRequested(ctx context.Context, t geo.ResourceType, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE resource_type = ?
		  AND ((state = 'pending' AND last_synced_at IS NOT NULL)
		    OR (state = 'synced' AND resync_needed = 1))
		  AND `+notTombstoned+`
		ORDER BY id ASC
		LIMIT ?
	`, string(t), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("resync requested: %w", err)
	}
	return regs, nil
}

// NeedsRetry returns failed registries whose retry time has passed. Rows
// without a retry time come first, then by retry time and id.
func (s *Store) NeedsRetry(ctx context.Context, t geo.ResourceType, now time.Time, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE resource_type = ? AND state = 'failed'
		  AND (retry_at IS NULL OR retry_at < ?)
		  AND `+notTombstoned+`
		ORDER BY retry_at IS NOT NULL, retry_at ASC, id ASC
		LIMIT ?
	`, string(t), now.UnixMilli(), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("needs retry: %w", err)
	}
	return regs, nil
}

// NeedsVerification returns synced registries whose verification is pending.
func (s *Store) NeedsVerification(ctx context.Context, t geo.ResourceType, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE resource_type = ? AND state = 'synced' AND verification_state = 'pending'
		  AND `+notTombstoned+`
		ORDER BY id ASC
		LIMIT ?
	`, string(t), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("needs verification: %w", err)
	}
	return regs, nil
}

// ReverifyDue returns synced registries whose verification should run again:
// failures whose verification retry time has passed, and successes verified
// before verifiedBefore. A zero verifiedBefore disables the latter.
func (s *Store) ReverifyDue(ctx context.Context, t geo.ResourceType, now, verifiedBefore time.Time, limit int) ([]geo.Registry, error) {
	cutoff := int64(-1)
	if !verifiedBefore.IsZero() {
		cutoff = verifiedBefore.UnixMilli()
	}
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE resource_type = ? AND state = 'synced'
		  AND ((verification_state = 'failed'
		        AND (verification_retry_at IS NULL OR verification_retry_at < ?))
		    OR (verification_state = 'succeeded' AND verified_at < ?))
		  AND `+notTombstoned+`
		ORDER BY id ASC
		LIMIT ?
	`, string(t), now.UnixMilli(), cutoff, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("reverify due: %w", err)
	}
	return regs, nil
}

// Tombstoned returns registries of type t whose resource deletion was
// consumed but whose local copy and row were not removed yet.
func (s *Store) Tombstoned(ctx context.Context, t geo.ResourceType, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE resource_type = ? AND `+hasTombstone+`
		ORDER BY id ASC
		LIMIT ?
	`, string(t), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("tombstoned: %w", err)
	}
	return regs, nil
}

// StartedBefore returns started registries of any type whose last start is
// older than cutoff. An empty type selects every type.
func (s *Store) StartedBefore(ctx context.Context, t geo.ResourceType, cutoff time.Time, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE (? = '' OR resource_type = ?) AND state = 'started' AND last_synced_at < ?
		ORDER BY id ASC
		LIMIT ?
	`, string(t), string(t), cutoff.UnixMilli(), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("started before: %w", err)
	}
	return regs, nil
}

// VerificationStartedBefore returns registries whose verification started
// before cutoff. An empty type selects every type.
func (s *Store) VerificationStartedBefore(ctx context.Context, t geo.ResourceType, cutoff time.Time, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE (? = '' OR resource_type = ?) AND state = 'synced'
		  AND verification_state = 'started' AND verification_started_at < ?
		ORDER BY id ASC
		LIMIT ?
	`, string(t), string(t), cutoff.UnixMilli(), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("verification started before: %w", err)
	}
	return regs, nil
}

// List returns registries of one type (or all types when t is empty) with
// ids greater than afterID, ordered by id.
func (s *Store) List(ctx context.Context, t geo.ResourceType, afterID int64, limit int) ([]geo.Registry, error) {
	regs, err := s.queryRegistries(ctx, `
		SELECT `+registryColumns+` FROM registries
		WHERE (? = '' OR resource_type = ?) AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, string(t), string(t), afterID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list registries: %w", err)
	}
	return regs, nil
}

// Count is the number of registries in one (type, state, verification state)
// bucket.
type Count struct {
	ResourceType      geo.ResourceType      `json:"resource_type"`
	State             geo.State             `json:"state"`
	VerificationState geo.VerificationState `json:"verification_state"`
	Registries        int64                 `json:"registries"`
}

// Counts returns registry counts grouped by type, state and verification
// state, in a stable order.
func (s *Store) Counts(ctx context.Context) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, state, verification_state, COUNT(*)
		FROM registries
		GROUP BY resource_type, state, verification_state
		ORDER BY resource_type, state, verification_state
	`)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	defer rows.Close()

	counts := []Count{}
	for rows.Next() {
		var c Count
		var t, state, verification string
		if err := rows.Scan(&t, &state, &verification, &c.Registries); err != nil {
			return nil, fmt.Errorf("counts: %w", err)
		}
		c.ResourceType = geo.ResourceType(t)
		c.State = geo.State(state)
		c.VerificationState = geo.VerificationState(verification)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	return counts, nil
}
