// Package audit records operator and gateway actions in the audit table.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gatewarden/pkg/db"
)

// Entry is one audit row.
type Entry struct {
	ID      int64          `json:"id" db:"id"`
	Actor   string         `json:"actor" db:"actor"`
	Action  string         `json:"action" db:"action"`
	Obj     string         `json:"obj" db:"obj"`
	Details map[string]any `json:"details" db:"details"`
	At      time.Time      `json:"at" db:"at"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Store writes and reads the audit table through pgx.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store bound to pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool}, nil
}

// Record inserts e.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Actor == "" || e.Action == "" {
		return errors.New("audit actor and action are required")
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	detailsBytes, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, s.pool, `
INSERT INTO audit (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, e.Actor, e.Action, e.Obj, detailsBytes)
	return err
}

// List returns the most recent entries, optionally restricted to one object.
func (s *Store) List(ctx context.Context, obj string, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var rows []struct {
		ID      int64     `db:"id"`
		Actor   string    `db:"actor"`
		Action  string    `db:"action"`
		Obj     *string   `db:"obj"`
		Details []byte    `db:"details"`
		At      time.Time `db:"at"`
	}
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, actor, action, obj, details, at
FROM audit
WHERE ($1 = '' OR obj = $1)
ORDER BY at DESC, id DESC
LIMIT $2 OFFSET $3
`, obj, limit, offset)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{ID: row.ID, Actor: row.Actor, Action: row.Action, At: row.At, Details: map[string]any{}}
		if row.Obj != nil {
			e.Obj = *row.Obj
		}
		if len(row.Details) > 0 {
			if err := json.Unmarshal(row.Details, &e.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Memory keeps entries in process. Used where no database pool exists.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record appends e.
func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Diff reports the keys whose values differ between previous and current as
// {"old": ..., "new": ...} pairs.
func Diff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
