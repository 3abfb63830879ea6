// Package store persists session records in SQLite so that status queries
// survive a restart.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("store: record not found")

// Record is the persisted form of a session.
type Record struct {
	ID              string
	State           string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	ChannelEndpoint string
	PreviewEndpoint string
	Workspace       string
	Cause           string
	Turns           int
	ExternalID      string
	// Version increases with every change; older versions never overwrite
	// newer ones.
	Version uint64
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if err := runMigrations(path); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(path string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+path)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

const upsertSQL = `
INSERT INTO sessions (id, state, created_at, last_activity_at, channel_endpoint,
    preview_endpoint, workspace, cause, turns, external_id, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    last_activity_at = excluded.last_activity_at,
    channel_endpoint = excluded.channel_endpoint,
    preview_endpoint = excluded.preview_endpoint,
    workspace = excluded.workspace,
    cause = excluded.cause,
    turns = excluded.turns,
    external_id = excluded.external_id,
    version = excluded.version
WHERE excluded.version > sessions.version`

// Save upserts r unless a newer version of the record is already stored.
func (s *Store) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, upsertSQL,
		r.ID, r.State, formatTime(r.CreatedAt), formatTime(r.LastActivityAt),
		r.ChannelEndpoint, r.PreviewEndpoint, r.Workspace, r.Cause, r.Turns,
		r.ExternalID, int64(r.Version))
	if err != nil {
		return fmt.Errorf("save session %s: %w", r.ID, err)
	}
	return nil
}

const selectSQL = `SELECT id, state, created_at, last_activity_at, channel_endpoint,
    preview_endpoint, workspace, cause, turns, external_id, version FROM sessions`

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectSQL+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectSQL+` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                 Record
		created, activity string
		version           int64
	)
	err := row.Scan(&r.ID, &r.State, &created, &activity, &r.ChannelEndpoint,
		&r.PreviewEndpoint, &r.Workspace, &r.Cause, &r.Turns, &r.ExternalID, &version)
	if err != nil {
		return Record{}, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return Record{}, err
	}
	if r.LastActivityAt, err = parseTime(activity); err != nil {
		return Record{}, err
	}
	r.Version = uint64(version)
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
