package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEngine is an Engine backed by a PostgreSQL table with a TEXT
// primary key and a BYTEA value column.
//
// Durability modes map onto table persistence: OFF and MEMORY make the
// table UNLOGGED (faster, emptied after a crash), every other mode makes
// it LOGGED.
type PostgresEngine struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	tx        pgx.Tx
	tableName string
	schema    string
	unlogged  *bool
}

// pgQuerier is satisfied by both the pool and an open transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OpenPostgres connects to the database at url. The engine owns the pool
// and closes it on Close.
func OpenPostgres(ctx context.Context, url string, opts ...EngineOption) (*PostgresEngine, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	e := NewPostgresEngine(pool, opts...)
	e.ownsPool = true
	return e, nil
}

// NewPostgresEngine uses an existing pool. Close does NOT close the pool as
// it may be shared with other components.
func NewPostgresEngine(pool *pgxpool.Pool, opts ...EngineOption) *PostgresEngine {
	cfg := newEngineConfig(opts)
	return &PostgresEngine{
		pool:      pool,
		tableName: cfg.table,
		schema:    cfg.schema,
	}
}

func (e *PostgresEngine) fullTableName() string {
	return pgx.Identifier{e.schema, e.tableName}.Sanitize()
}

func (e *PostgresEngine) q() pgQuerier {
	if e.tx != nil {
		return e.tx
	}
	return e.pool
}

// Init creates the table in the configured schema.
func (e *PostgresEngine) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT NOT NULL PRIMARY KEY,
			value BYTEA NOT NULL
		)
	`, e.fullTableName())

	_, err := e.q().Exec(ctx, query)
	return err
}

func (e *PostgresEngine) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, e.fullTableName())

	var data []byte
	err := e.q().QueryRow(ctx, query, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (e *PostgresEngine) Upsert(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value
	`, e.fullTableName())

	_, err := e.q().Exec(ctx, query, key, value)
	return err
}

func (e *PostgresEngine) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1 RETURNING value`, e.fullTableName())

	var data []byte
	err := e.q().QueryRow(ctx, query, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Scan reads rows as the server streams them.
func (e *PostgresEngine) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	query := fmt.Sprintf(`SELECT key, value FROM %s`, e.fullTableName())

	rows, err := e.q().Query(ctx, query)
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

// Truncate uses DELETE rather than TRUNCATE so it behaves like any other
// write inside a transaction.
func (e *PostgresEngine) Truncate(ctx context.Context) error {
	_, err := e.q().Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, e.fullTableName()))
	return err
}

func (e *PostgresEngine) Begin(ctx context.Context) error {
	if e.tx != nil {
		return errors.New("kv: postgres transaction already open")
	}

	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	e.tx = tx
	return nil
}

func (e *PostgresEngine) Commit(ctx context.Context) error {
	tx := e.tx
	e.tx = nil
	if tx == nil {
		return pgx.ErrTxClosed
	}
	return tx.Commit(ctx)
}

func (e *PostgresEngine) Rollback(ctx context.Context) error {
	tx := e.tx
	e.tx = nil
	if tx == nil {
		return nil
	}
	return tx.Rollback(ctx)
}

func (e *PostgresEngine) SetDurabilityMode(ctx context.Context, mode DurabilityMode) (DurabilityMode, error) {
	unlogged := !mode.Synchronous()
	if e.unlogged != nil && *e.unlogged == unlogged {
		return mode, nil
	}

	persistence := "LOGGED"
	if unlogged {
		persistence = "UNLOGGED"
	}

	query := fmt.Sprintf(`ALTER TABLE %s SET %s`, e.fullTableName(), persistence)
	if _, err := e.q().Exec(ctx, query); err != nil {
		return "", err
	}

	e.unlogged = &unlogged
	return mode, nil
}

func (e *PostgresEngine) InMemory() bool {
	return false
}

// Close rolls back any open transaction and closes the pool if the engine
// opened it.
func (e *PostgresEngine) Close() error {
	if e.tx != nil {
		e.tx.Rollback(context.Background())
		e.tx = nil
	}
	if e.ownsPool {
		e.pool.Close()
	}
	return nil
}
