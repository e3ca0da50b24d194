// Package history keeps a queryable log of confirmed changes in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"calwatch/internal/model"
	"calwatch/internal/notify"
)

// Entry is one confirmed change as stored.
type Entry struct {
	ID          int64            `json:"id"`
	Kind        model.ChangeKind `json:"kind"`
	Tag         string           `json:"tag"`
	SourceKey   string           `json:"source_key"`
	EventID     string           `json:"event_id"`
	Title       string           `json:"title"`
	Start       time.Time        `json:"start"`
	AllDay      bool             `json:"all_day"`
	OldFP       string           `json:"old_fp,omitempty"`
	NewFP       string           `json:"new_fp,omitempty"`
	DetectedAt  time.Time        `json:"detected_at"`
	ConfirmedAt time.Time        `json:"confirmed_at"`
}

// Store is a SQLite-backed change log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path. Use
// ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// One connection: the driver serializes writers and an in-memory
	// database only exists per connection.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		tag TEXT NOT NULL,
		source_key TEXT NOT NULL,
		event_id TEXT NOT NULL,
		title TEXT NOT NULL,
		start_at TEXT NOT NULL,
		all_day INTEGER NOT NULL DEFAULT 0,
		old_fp TEXT NOT NULL DEFAULT '',
		new_fp TEXT NOT NULL DEFAULT '',
		detected_at TEXT NOT NULL,
		confirmed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_tag ON changes(tag, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a confirmed change.
func (s *Store) Record(ctx context.Context, c model.ChangeRecord, confirmedAt time.Time) error {
	subj := c.Subject()
	allDay := 0
	if subj.AllDay {
		allDay = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO changes (kind, tag, source_key, event_id, title, start_at, all_day, old_fp, new_fp, detected_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.Kind), c.Tag, c.SourceKey, subj.ID, subj.Title,
		formatTime(subj.Start), allDay, string(c.OldFP), string(c.NewFP),
		formatTime(c.DetectedAt), formatTime(confirmedAt),
	)
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty tag selects
// every tag.
func (s *Store) Recent(ctx context.Context, tag string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, tag, source_key, event_id, title, start_at, all_day, old_fp, new_fp, detected_at, confirmed_at
		FROM changes
		WHERE (? = '' OR tag = ?)
		ORDER BY id DESC
		LIMIT ?`, tag, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e                      Entry
			kind, start, det, conf string
			allDay                 int
		)
		if err := rows.Scan(&e.ID, &kind, &e.Tag, &e.SourceKey, &e.EventID, &e.Title, &start, &allDay, &e.OldFP, &e.NewFP, &det, &conf); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		e.Kind = model.ChangeKind(kind)
		e.AllDay = allDay != 0
		e.Start = parseTime(start)
		e.DetectedAt = parseTime(det)
		e.ConfirmedAt = parseTime(conf)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Deliverer records change messages; other messages are ignored. It plugs
// into a notify.Dispatcher.
type Deliverer struct {
	store *Store
	now   func() time.Time
}

// NewDeliverer wraps store as a notify.Deliverer.
func NewDeliverer(store *Store) *Deliverer {
	return &Deliverer{store: store, now: time.Now}
}

func (d *Deliverer) Name() string { return "history" }

func (d *Deliverer) Deliver(ctx context.Context, m notify.Message) error {
	if m.Kind != notify.KindChange || m.Change == nil {
		return nil
	}
	confirmed := m.CreatedAt
	if confirmed.IsZero() {
		confirmed = d.now()
	}
	return d.store.Record(ctx, *m.Change, confirmed)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
