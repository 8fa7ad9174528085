// Package history keeps the bounded list of successful downloads in a
// local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go driver

	xlog "mediagrab/internal/log"
	"mediagrab/internal/media"
)

// DefaultMaxEntries is how many entries are kept when none is configured.
const DefaultMaxEntries = 30

// ErrNotFound is returned when an entry ID does not exist.
var ErrNotFound = errors.New("history entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	url        TEXT NOT NULL,
	title      TEXT NOT NULL,
	platform   TEXT NOT NULL,
	format     TEXT NOT NULL,
	path       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);`

// Store is a history database.
type Store struct {
	db  *sql.DB
	max int
	log zerolog.Logger
}

// Open opens or creates the database at path. maxEntries < 1 uses
// DefaultMaxEntries.
func Open(path string, maxEntries int) (*Store, error) {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, (5 * time.Second).Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening history: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating history: %w", err)
	}
	return &Store{db: db, max: maxEntries, log: xlog.WithComponent("history")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records e as the newest entry and trims the list to the maximum
// size. A missing ID or timestamp is filled in.
func (s *Store) Append(ctx context.Context, e media.HistoryEntry) (media.HistoryEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, fmt.Errorf("saving history: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (id, url, title, platform, format, path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.URL, e.Title, e.Platform.String(), string(e.Format), e.Path, e.CreatedAt.UnixNano(),
	); err != nil {
		return e, fmt.Errorf("saving history: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM history WHERE seq NOT IN (SELECT seq FROM history ORDER BY seq DESC LIMIT ?)`, s.max)
	if err != nil {
		return e, fmt.Errorf("trimming history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return e, fmt.Errorf("saving history: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug().Int64("trimmed", n).Msg("history trimmed")
	}
	return e, nil
}

// List returns all entries, newest first.
func (s *Store) List(ctx context.Context) ([]media.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, title, platform, format, path, created_at FROM history ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var entries []media.HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return entries, nil
}

// Get returns the entry with the given ID.
func (s *Store) Get(ctx context.Context, id string) (media.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, platform, format, path, created_at FROM history WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// Remove deletes one entry.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing history entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear deletes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (media.HistoryEntry, error) {
	var (
		e        media.HistoryEntry
		platform string
		format   string
		created  int64
	)
	if err := sc.Scan(&e.ID, &e.URL, &e.Title, &platform, &format, &e.Path, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("reading history entry: %w", err)
	}
	e.Platform = media.ParsePlatform(platform)
	e.Format = media.Format(format)
	e.CreatedAt = time.Unix(0, created).UTC()
	return e, nil
}
