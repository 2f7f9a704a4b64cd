package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// MemoryLocation is the location of a SQLite database that lives only in memory.
const MemoryLocation = ":memory:"

// SQLiteEngine is an Engine backed by an embedded SQLite database.
//
// It pins a single connection for its whole lifetime, so an in-memory
// database survives between calls and transaction control statements
// apply to every following statement.
type SQLiteEngine struct {
	db       *sql.DB
	conn     *sql.Conn
	table    string
	inMemory bool
	inTx     bool

	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	removeStmt *sql.Stmt
	scanStmt   *sql.Stmt
	clearStmt  *sql.Stmt
}

// OpenSQLite opens the database at location, which is MemoryLocation or a
// file path. Parent directories of a file path are created as needed.
// Statements are prepared by Init.
func OpenSQLite(ctx context.Context, location string, opts ...EngineOption) (*SQLiteEngine, error) {
	cfg := newEngineConfig(opts)

	inMemory := location == MemoryLocation
	if !inMemory {
		if location == "" {
			return nil, errors.New("kv: sqlite location cannot be empty")
		}
		if err := os.MkdirAll(filepath.Dir(location), 0755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", location)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	return &SQLiteEngine{
		db:       db,
		conn:     conn,
		table:    quoteIdent(cfg.table),
		inMemory: inMemory,
	}, nil
}

// Init creates the table and prepares the statements used by every call.
func (e *SQLiteEngine) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL PRIMARY KEY,
			value BLOB NOT NULL
		)
	`, e.table)

	if _, err := e.conn.ExecContext(ctx, query); err != nil {
		return err
	}

	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&e.getStmt, `SELECT value FROM %s WHERE key = ?`},
		{&e.upsertStmt, `INSERT INTO %s (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`},
		{&e.removeStmt, `DELETE FROM %s WHERE key = ? RETURNING value`},
		{&e.scanStmt, `SELECT key, value FROM %s`},
		{&e.clearStmt, `DELETE FROM %s`},
	}

	for _, s := range stmts {
		stmt, err := e.conn.PrepareContext(ctx, fmt.Sprintf(s.query, e.table))
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		*s.dst = stmt
	}

	return nil
}

func (e *SQLiteEngine) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := e.getStmt.QueryRowContext(ctx, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (e *SQLiteEngine) Upsert(ctx context.Context, key string, value []byte) error {
	_, err := e.upsertStmt.ExecContext(ctx, key, value)
	return err
}

func (e *SQLiteEngine) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := e.removeStmt.QueryRowContext(ctx, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Scan steps through the table with a cursor; only the current row is held
// in memory.
func (e *SQLiteEngine) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	rows, err := e.scanStmt.QueryContext(ctx)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}

	return rows.Err()
}

func (e *SQLiteEngine) Truncate(ctx context.Context) error {
	_, err := e.clearStmt.ExecContext(ctx)
	return err
}

// Begin takes the write lock immediately so staging reads see the state
// the transaction will commit over.
func (e *SQLiteEngine) Begin(ctx context.Context) error {
	if _, err := e.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	e.inTx = true
	return nil
}

// Commit leaves the transaction open when COMMIT fails (SQLITE_BUSY), so the
// following Rollback still releases it.
func (e *SQLiteEngine) Commit(ctx context.Context) error {
	if _, err := e.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	e.inTx = false
	return nil
}

func (e *SQLiteEngine) Rollback(ctx context.Context) error {
	if !e.inTx {
		return nil
	}
	e.inTx = false
	_, err := e.conn.ExecContext(ctx, "ROLLBACK")
	return err
}

// SetDurabilityMode sets the journal mode and returns the one SQLite reports
// back. An in-memory database only runs in MEMORY or OFF and silently keeps
// MEMORY for any other request.
func (e *SQLiteEngine) SetDurabilityMode(ctx context.Context, mode DurabilityMode) (DurabilityMode, error) {
	var applied string
	err := e.conn.QueryRowContext(ctx, "PRAGMA journal_mode = "+string(mode)).Scan(&applied)
	if err != nil {
		return "", fmt.Errorf("set journal mode: %w", err)
	}
	return ParseDurabilityMode(applied)
}

func (e *SQLiteEngine) InMemory() bool {
	return e.inMemory
}

// Close closes the prepared statements, the pinned connection and the database.
func (e *SQLiteEngine) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{e.getStmt, e.upsertStmt, e.removeStmt, e.scanStmt, e.clearStmt} {
		if stmt != nil {
			errs = append(errs, stmt.Close())
		}
	}
	errs = append(errs, e.conn.Close(), e.db.Close())
	return errors.Join(errs...)
}

// quoteIdent quotes a SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
