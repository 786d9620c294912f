package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/geosync/internal/geo"
)

// AppendEvents mirrors events from the primary's log and upserts the
// resource metadata they carry, in one transaction. Events already mirrored
// are ignored, and so is metadata of tombstoned resources. Returns the number of newly inserted events.
func (s *Store) AppendEvents(ctx context.Context, events []geo.Event) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			if !ev.Kind.Valid() {
				return fmt.Errorf("event %d: invalid kind %q", ev.ID, ev.Kind)
			}
			res := ev.Resource
			if res.LastEventID < ev.ID {
				res.LastEventID = ev.ID
			}
			payload, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("event %d: %w", ev.ID, err)
			}
			result, err := tx.ExecContext(ctx, `
				INSERT INTO events (id, resource_type, resource_id, kind, resource, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(resource_type, id) DO NOTHING
			`, ev.ID, string(res.Type), res.ID, string(ev.Kind), string(payload), ev.CreatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("event %d: %w", ev.ID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)

			if ev.Kind == geo.EventDeleted {
				continue
			}
			tombstoned, err := isTombstoned(ctx, tx, res.Type, res.ID)
			if err != nil {
				return fmt.Errorf("event %d: %w", ev.ID, err)
			}
			if tombstoned {
				continue
			}
			if err := upsertResource(ctx, tx, res); err != nil {
				return fmt.Errorf("event %d: %w", ev.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append events: %w", err)
	}
	return inserted, nil
}

// EventsAfter returns mirrored events of type t with ids greater than
// afterID, in id order.
func (s *Store) EventsAfter(ctx context.Context, t geo.ResourceType, afterID int64, limit int) ([]geo.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, resource, created_at
		FROM events
		WHERE resource_type = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, string(t), afterID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	defer rows.Close()

	events := []geo.Event{}
	for rows.Next() {
		var (
			ev        geo.Event
			kind      string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("events after: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Resource); err != nil {
			return nil, fmt.Errorf("events after: event %d: %w", ev.ID, err)
		}
		ev.Kind = geo.EventKind(kind)
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	return events, nil
}

// UpsertResources mirrors resource metadata, typically from a backfill
// listing. Metadata older than what is already mirrored is ignored.
func (s *Store) UpsertResources(ctx context.Context, resources []geo.Resource) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, res := range resources {
			if err := upsertResource(ctx, tx, res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert resources: %w", err)
	}
	return nil
}

func upsertResource(ctx context.Context, tx *sql.Tx, res geo.Resource) error {
	path, err := marshalPath(res.NamespacePath)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources
		(resource_type, id, namespace_id, namespace_path, shard, primary_checksum, size, last_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, id) DO UPDATE SET
			namespace_id = excluded.namespace_id,
			namespace_path = excluded.namespace_path,
			shard = excluded.shard,
			primary_checksum = excluded.primary_checksum,
			size = excluded.size,
			last_event_id = excluded.last_event_id
		WHERE excluded.last_event_id >= resources.last_event_id
	`,
		string(res.Type), res.ID, res.NamespaceID, path, res.Shard,
		res.PrimaryChecksum, res.Size, res.LastEventID,
	)
	if err != nil {
		return fmt.Errorf("upsert resource %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	return nil
}

const resourceColumns = `resource_type, id, namespace_id, namespace_path, shard, primary_checksum, size, last_event_id`

func scanResource(row rowScanner) (geo.Resource, error) {
	var (
		res  geo.Resource
		t    string
		path string
	)
	if err := row.Scan(&t, &res.ID, &res.NamespaceID, &path, &res.Shard, &res.PrimaryChecksum, &res.Size, &res.LastEventID); err != nil {
		return geo.Resource{}, err
	}
	res.Type = geo.ResourceType(t)
	p, err := unmarshalPath(path)
	if err != nil {
		return geo.Resource{}, err
	}
	res.NamespacePath = p
	return res, nil
}

// GetResource returns the mirrored metadata of a resource.
func (s *Store) GetResource(ctx context.Context, t geo.ResourceType, id int64) (geo.Resource, error) {
	res, err := scanResource(s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE resource_type = ? AND id = ?`,
		string(t), id))
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Resource{}, fmt.Errorf("get resource %s: %w", geo.ResourceKey(t, id), ErrNotFound)
	}
	if err != nil {
		return geo.Resource{}, fmt.Errorf("get resource %s: %w", geo.ResourceKey(t, id), err)
	}
	return res, nil
}

// MarkDeleted records that a resource was deleted on the primary: a
// tombstone is written and its mirrored metadata is removed. The registry is
// left for the caller, which removes the local copy first.
func (s *Store) MarkDeleted(ctx context.Context, t geo.ResourceType, id, eventID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (resource_type, resource_id, event_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(resource_type, resource_id) DO UPDATE SET
				event_id = MAX(tombstones.event_id, excluded.event_id)
		`, string(t), id, eventID, s.now().UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM resources WHERE resource_type = ? AND id = ?`, string(t), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", geo.ResourceKey(t, id), err)
	}
	return nil
}

// IsTombstoned reports whether a deletion of the resource has been consumed.
func (s *Store) IsTombstoned(ctx context.Context, t geo.ResourceType, id int64) (bool, error) {
	tombstoned, err := isTombstoned(ctx, s.db, t, id)
	if err != nil {
		return false, fmt.Errorf("is tombstoned %s: %w", geo.ResourceKey(t, id), err)
	}
	return tombstoned, nil
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isTombstoned(ctx context.Context, q rowQuerier, t geo.ResourceType, id int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE resource_type = ? AND resource_id = ?`,
		string(t), id).Scan(&n)
	return n > 0, err
}
