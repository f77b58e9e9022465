// Package store persists the sandbox registry: which sandboxes exist, the
// container each resolved to, and when they were last seen. The registry
// survives admin-server restarts so stale containers can be found and
// reaped.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shellcrate/shellcrate/internal/paths"
	_ "modernc.org/sqlite"
)

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Record is one registered sandbox.
type Record struct {
	SandboxID     string
	ContainerName string
	Image         string
	Platform      string
	DockerArgs    []string
	Status        string
	CreatedAt     time.Time
	LastSeenAt    time.Time
}

type Options struct {
	DBPath string
	Now    func() time.Time
}

// Store is the sqlite-backed registry. Connections are opened per operation;
// the database is the shared state, not the handle.
type Store struct {
	dbPath string
	now    func() time.Time
}

func New(opts Options) (*Store, error) {
	dbPath := strings.TrimSpace(opts.DBPath)
	if dbPath == "" {
		var err error
		dbPath, err = paths.RegistryDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve registry database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory %q: %w", filepath.Dir(dbPath), err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{dbPath: dbPath, now: now}, nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry database %q: %w", s.dbPath, err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sandboxes (
			sandbox_id TEXT PRIMARY KEY,
			container_name TEXT NOT NULL,
			image TEXT NOT NULL,
			platform TEXT NOT NULL,
			docker_args_json TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL,
			last_seen_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise registry schema: %w", err)
	}
	return db, nil
}

// Upsert inserts or replaces the record for its sandbox id.
func (s *Store) Upsert(ctx context.Context, record Record) error {
	if strings.TrimSpace(record.SandboxID) == "" {
		return fmt.Errorf("registry record requires a sandbox id")
	}
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	argsJSON, err := json.Marshal(record.DockerArgs)
	if err != nil {
		return fmt.Errorf("encode docker args: %w", err)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = record.CreatedAt
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sandboxes (
			sandbox_id,
			container_name,
			image,
			platform,
			docker_args_json,
			status,
			created_at_unix,
			last_seen_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sandbox_id) DO UPDATE SET
			container_name = excluded.container_name,
			image = excluded.image,
			platform = excluded.platform,
			docker_args_json = excluded.docker_args_json,
			status = excluded.status,
			last_seen_at_unix = excluded.last_seen_at_unix
	`,
		record.SandboxID,
		record.ContainerName,
		record.Image,
		record.Platform,
		string(argsJSON),
		record.Status,
		record.CreatedAt.Unix(),
		record.LastSeenAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox %s: %w", record.SandboxID, err)
	}
	return nil
}

// Lookup returns the record for a sandbox id, reporting whether it exists.
func (s *Store) Lookup(ctx context.Context, sandboxID string) (Record, bool, error) {
	db, err := s.open(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT sandbox_id, container_name, image, platform, docker_args_json,
			status, created_at_unix, last_seen_at_unix
		FROM sandboxes
		WHERE sandbox_id = ?
	`, sandboxID)

	record, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return record, true, nil
}

// List returns all records, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT sandbox_id, container_name, image, platform, docker_args_json,
			status, created_at_unix, last_seen_at_unix
		FROM sandboxes
		ORDER BY created_at_unix DESC, sandbox_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SetStatus updates the status and bumps last seen.
func (s *Store) SetStatus(ctx context.Context, sandboxID, status string) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		UPDATE sandboxes SET status = ?, last_seen_at_unix = ? WHERE sandbox_id = ?
	`, status, s.now().Unix(), sandboxID)
	if err != nil {
		return fmt.Errorf("update sandbox %s status: %w", sandboxID, err)
	}
	return nil
}

// Delete removes a record. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, sandboxID string) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM sandboxes WHERE sandbox_id = ?`, sandboxID); err != nil {
		return fmt.Errorf("delete sandbox %s: %w", sandboxID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var record Record
	var argsJSON string
	var createdAt, lastSeen int64
	err := row.Scan(
		&record.SandboxID,
		&record.ContainerName,
		&record.Image,
		&record.Platform,
		&argsJSON,
		&record.Status,
		&createdAt,
		&lastSeen,
	)
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &record.DockerArgs); err != nil {
		return Record{}, fmt.Errorf("decode docker args for sandbox %s: %w", record.SandboxID, err)
	}
	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	record.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	return record, nil
}
