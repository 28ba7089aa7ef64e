package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

// ErrNotFound is returned when no tunnel is stored under a name.
var ErrNotFound = errors.New("tunnel not found")

// DefaultTunnelName keys tunnels started without a tunnelName option.
const DefaultTunnelName = "default"

// Record is a persisted tunnel handle.
type Record struct {
	Name      string
	SessionID string
	Digest    string
	StartedAt time.Time
	UpdatedAt time.Time
	Handle    api.Handle
}

// TunnelName returns the store key for opts.
func TunnelName(opts api.Options) string {
	if n := opts[api.OptTunnelName]; n != "" {
		return n
	}
	return DefaultTunnelName
}

// Store is a SQLite-backed record of tunnels started by this host.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if path != ":memory:" {
		if err := os.Chmod(path, 0o600); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("restrict state db: %w", err)
		}
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Save upserts a handle under name. A new session id is minted whenever the
// pid changes to a new running process. The access key is never written; the
// caller layers it back in from config before reusing a loaded handle.
func (s *Store) Save(ctx context.Context, name, digest string, h api.Handle) (*Record, error) {
	h.StartOptions = h.StartOptions.Clone()
	delete(h.StartOptions, api.OptKey)
	opts, err := json.Marshal(h.StartOptions)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	now := time.Now().UTC()

	prev, err := s.Load(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		prev = nil
	case err != nil:
		return nil, err
	}
	rec := &Record{Name: name, Digest: digest, StartedAt: now, UpdatedAt: now, Handle: h}
	if prev != nil && prev.Handle.PID == h.PID {
		rec.SessionID = prev.SessionID
		rec.StartedAt = prev.StartedAt
	} else {
		rec.SessionID = uuid.NewString()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tunnels (name, session_id, binary_path, pid, options, digest, started_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
    session_id = excluded.session_id,
    binary_path = excluded.binary_path,
    pid = excluded.pid,
    options = excluded.options,
    digest = excluded.digest,
    started_at = excluded.started_at,
    updated_at = excluded.updated_at`,
		rec.Name, rec.SessionID, h.BinaryPath, h.PID, string(opts), digest, rec.StartedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("save tunnel %q: %w", name, err)
	}
	return rec, nil
}

func (s *Store) Load(ctx context.Context, name string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT name, session_id, binary_path, pid, options, digest, started_at, updated_at
FROM tunnels WHERE name = ?`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load tunnel %q: %w", name, err)
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tunnels WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete tunnel %q: %w", name, err)
	}
	return nil
}

// List returns all records ordered by name.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, session_id, binary_path, pid, options, digest, started_at, updated_at
FROM tunnels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec  Record
		opts string
	)
	err := sc.Scan(&rec.Name, &rec.SessionID, &rec.Handle.BinaryPath, &rec.Handle.PID,
		&opts, &rec.Digest, &rec.StartedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &rec.Handle.StartOptions); err != nil {
		return nil, fmt.Errorf("decode options for %q: %w", rec.Name, err)
	}
	return &rec, nil
}
