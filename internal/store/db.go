// Package store owns the analytical SQLite database: events, ingest
// watermarks and delegation rollups. The Manager holds the only connection;
// callers reach it through the actor package, never concurrently.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
)

type Manager struct {
	path string
	db   *sql.DB
}

type FileStats struct {
	DBSizeBytes  int64
	WALSizeBytes int64
}

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
PRAGMA foreign_keys = ON;
PRAGMA cache_size = -8000;
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), pragmaSQL, []driver.NamedValue{})
		return err
	})
}

// Open opens the database file and applies pragmas. The schema is not
// created here; that is the actor's init task (exactly once per lifetime).
func Open(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single serialized execution context: exactly one connection, ever.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &Manager{path: path, db: db}, nil
}

func (m *Manager) Path() string {
	return m.path
}

// EnsureSchema creates the owned tables if absent.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (m *Manager) Checkpoint(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *Manager) Stats() FileStats {
	var stats FileStats
	if fi, err := os.Stat(m.path); err == nil {
		stats.DBSizeBytes = fi.Size()
	}
	if fi, err := os.Stat(m.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}
	return stats
}

// inTx runs fn inside an explicit transaction with rollback on any failure,
// so a crash mid-write cannot leave rows and watermark out of sync.
func (m *Manager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
