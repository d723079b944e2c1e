// Package sqlite persists gateway state (tenant keys, the upstream key
// pool, usage records and rollups, price history) in a single SQLite file
// via modernc.org/sqlite, keeping the binary CGO-free.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements the storage interfaces on top of two connection pools.
// Writes funnel through a single connection and reads go through a pool;
// with WAL journaling a writer never blocks the readers.
type Store struct {
	w *sql.DB
	r *sql.DB
}

// New opens the database at dsn, applies pending migrations, and returns
// a ready Store.
func New(dsn string) (*Store, error) {
	conn := connString(dsn)

	w, err := sql.Open("sqlite", conn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	w.SetMaxOpenConns(1)

	r, err := sql.Open("sqlite", conn)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open readers: %w", err)
	}
	r.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(w); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{w: w, r: r}, nil
}

// connString builds the driver DSN with the pragmas the gateway needs.
func connString(dsn string) string {
	const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	if dsn == ":memory:" {
		// Shared cache so the writer and reader pools see the same
		// in-memory database.
		return "file::memory:?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + dsn + "?" + pragmas
}

// migrate applies the embedded SQL migrations. fs.Sub strips the
// "migrations/" prefix so goose sees the files at the FS root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping checks connectivity through the reader pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.r.PingContext(ctx)
}

func (s *Store) Close() error {
	return errors.Join(s.w.Close(), s.r.Close())
}
