// Package store persists program images and run records in SQLite.
// Images are keyed by the hex SHA-256 of their canonical encoding, so
// storing the same program twice is a no-op.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chazu/stackvm/vm/dist"
)

// ErrNotFound indicates the requested image doesn't exist.
var ErrNotFound = errors.New("store: not found")

// Run records the outcome of one execution.
type Run struct {
	ID        string
	ImageHash string
	Halted    bool
	Fault     string // empty when the run halted normally
	Cycles    uint64
	Output    string
	StartedAt time.Time
	Duration  time.Duration
}

// Store handles SQLite storage for images and runs.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS images (
	hash       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	image_hash  TEXT NOT NULL,
	halted      INTEGER NOT NULL,
	fault       TEXT NOT NULL,
	cycles      INTEGER NOT NULL,
	output      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_by_image ON runs (image_hash, started_at);
`

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutImage stores img and returns its hex hash.
func (s *Store) PutImage(ctx context.Context, img *dist.Image) (string, error) {
	data, err := dist.MarshalImage(img)
	if err != nil {
		return "", fmt.Errorf("encoding image: %w", err)
	}
	hash, err := img.HashHex()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO images (hash, name, data, created_at) VALUES (?, ?, ?, ?)`,
		hash, img.Name, data, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("storing image %s: %w", hash, err)
	}
	return hash, nil
}

// GetImage loads the image with the given hex hash.
func (s *Store) GetImage(ctx context.Context, hash string) (*dist.Image, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM images WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading image %s: %w", hash, err)
	}
	return dist.UnmarshalImage(data)
}

// RecordRun stores a run. A missing ID is filled with a new UUID, a zero
// StartedAt with the current time. The stored run is returned.
func (s *Store) RecordRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, image_hash, halted, fault, cycles, output, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ImageHash, r.Halted, r.Fault, int64(r.Cycles), r.Output,
		r.StartedAt.UnixNano(), int64(r.Duration))
	if err != nil {
		return r, fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	return r, nil
}

// Runs returns the runs of an image, oldest first.
func (s *Store) Runs(ctx context.Context, hash string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_hash, halted, fault, cycles, output, started_at, duration_ns
		 FROM runs WHERE image_hash = ? ORDER BY started_at, id`, hash)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			cycles    int64
			started   int64
			durationN int64
		)
		if err := rows.Scan(&r.ID, &r.ImageHash, &r.Halted, &r.Fault, &cycles, &r.Output, &started, &durationN); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Cycles = uint64(cycles)
		r.StartedAt = time.Unix(0, started)
		r.Duration = time.Duration(durationN)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
