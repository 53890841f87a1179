// Package store persists the sync state of tracked tasks in a local SQLite
// database. One row per tracked task, keyed by its origin-scoped identity;
// rows are upserted, never deleted.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mhollis/taskhub/pkg/model"
)

// Store wraps the SQLite database tracking synced tasks.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the database location used when the config does not
// name one.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".config", "taskhub", "sync.db")
}

// Open opens (and if necessary creates) the sync database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	// WAL + synchronous=FULL so a committed upsert survives a crash before
	// the next cycle makes ingestion decisions from it.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	// Identity is the (source_type, source_id) pair: origins issue ids
	// from independent namespaces, so the id alone may collide.
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS synced_tasks (
			source_id      TEXT NOT NULL,
			source_type    TEXT NOT NULL,
			hub_id         TEXT NOT NULL,
			status         TEXT NOT NULL,
			origin_context TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (source_type, source_id)
		);
	`); err != nil {
		return fmt.Errorf("create synced_tasks: %w", err)
	}
	return nil
}

// LoadAll returns every tracked record, keyed by TrackedRecord.Key. An
// error here is fatal to the calling cycle: without the known set the
// engine cannot make ingestion decisions.
func (s *Store) LoadAll(ctx context.Context) (map[string]model.TrackedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, source_type, hub_id, status, origin_context FROM synced_tasks;`)
	if err != nil {
		return nil, fmt.Errorf("load tracked tasks: %w", err)
	}
	defer rows.Close()

	tracked := make(map[string]model.TrackedRecord)
	for rows.Next() {
		var rec model.TrackedRecord
		if err := rows.Scan(&rec.SourceID, &rec.SourceType, &rec.HubID, &rec.Status, &rec.OriginContext); err != nil {
			return nil, fmt.Errorf("scan tracked task: %w", err)
		}
		tracked[rec.Key()] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load tracked tasks: %w", err)
	}
	return tracked, nil
}

// Upsert writes or overwrites the record identified by its origin-scoped
// identity as a single atomic row write.
func (s *Store) Upsert(ctx context.Context, rec model.TrackedRecord) error {
	if rec.SourceID == "" {
		return fmt.Errorf("upsert: empty source id")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("upsert %s: invalid status %q", rec.Key(), rec.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO synced_tasks (source_id, source_type, hub_id, status, origin_context)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_type, source_id) DO UPDATE SET
			hub_id = excluded.hub_id,
			status = excluded.status,
			origin_context = excluded.origin_context;
	`, rec.SourceID, string(rec.SourceType), rec.HubID, string(rec.Status), rec.OriginContext)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Key(), err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
