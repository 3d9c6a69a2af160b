package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("record not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite handle and associated metadata.
type DB struct {
	rw
	sql  *sql.DB
	path string
}

// Tx is a write transaction. It exposes the same operations as DB.
type Tx struct {
	rw
}

// Open initialises a SQLite database at the given path, applies the schema
// and returns a DB wrapper. The caller must Close it.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	handle, err := openHandle(ctx, path)
	if err != nil {
		return nil, err
	}

	d := &DB{rw: rw{q: handle}, sql: handle, path: path}
	if err := d.Migrate(ctx); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

func openHandle(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: a single writer, and transactions never race plain reads.
	handle.SetMaxOpenConns(1)

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := EnsurePerm0600(path); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// Path returns the database file location.
func (d *DB) Path() string { return d.path }

// Close releases the database resources.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	err := d.sql.Close()
	d.sql = nil
	d.q = nil
	return err
}

// WithTx runs fn inside a single transaction. fn's error, or a failed commit,
// rolls back every statement fn issued.
func (d *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{rw: rw{q: tx}}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dst, which must not
// exist yet.
func (d *DB) Snapshot(ctx context.Context, dst string) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	if err := EnsurePerm0600(dst); err != nil {
		return err
	}
	return nil
}

// Vacuum rebuilds the database file, dropping free pages.
func (d *DB) Vacuum(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum database: %w", err)
	}
	return nil
}

// RestoreFrom replaces the database file with the snapshot at src and
// reopens the handle. The snapshot file is consumed.
func (d *DB) RestoreFrom(ctx context.Context, src string) error {
	if d == nil {
		return fmt.Errorf("database handle is nil")
	}
	if d.sql != nil {
		if err := d.sql.Close(); err != nil {
			return fmt.Errorf("close before restore: %w", err)
		}
		d.sql = nil
		d.q = nil
	}

	if err := os.Rename(src, d.path); err != nil {
		return fmt.Errorf("replace database with snapshot: %w", err)
	}
	if err := os.Remove(d.path + "-journal"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale journal: %w", err)
	}

	handle, err := openHandle(ctx, d.path)
	if err != nil {
		return fmt.Errorf("reopen restored database: %w", err)
	}
	d.sql = handle
	d.q = handle
	return nil
}

// EnsurePerm0600 attempts to set the database file permissions to 0600 on Unix systems(the owner permission).
// Only the current owner of the sqlite db is allowed to read and write (ensured if Unix system)
func EnsurePerm0600(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chmod database: %w", err)
	}
	return nil
} //Must find a new way to ensure secure database on windows too.

// Atomic is WithTx over the ReadWriter interface.
func (d *DB) Atomic(ctx context.Context, fn func(ReadWriter) error) error {
	return d.WithTx(ctx, func(tx *Tx) error { return fn(tx) })
}
