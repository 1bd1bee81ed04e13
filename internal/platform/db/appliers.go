package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxApplier tracks migrations in a PostgreSQL schema.
type PgxApplier struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPgxApplier returns an Applier for schema. An empty schema means public.
func NewPgxApplier(pool *pgxpool.Pool, schema string) *PgxApplier {
	if schema == "" {
		schema = "public"
	}
	return &PgxApplier{pool: pool, schema: schema}
}

func (a *PgxApplier) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ DEFAULT NOW()
)`, a.schema)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", a.schema, err)
	}
	return nil
}

func (a *PgxApplier) Applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := a.pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s._migrations`, a.schema))
	if err != nil {
		return nil, fmt.Errorf("query applied versions in %s: %w", a.schema, err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

// Apply runs mig in its own transaction with the search path set to the
// applier's schema.
func (a *PgxApplier) Apply(ctx context.Context, mig Migration) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", a.schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// SQLApplier tracks migrations through database/sql. It is used for SQLite,
// which has no schemas.
type SQLApplier struct {
	db *sql.DB
}

func NewSQLApplier(db *sql.DB) *SQLApplier {
	return &SQLApplier{db: db}
}

func (a *SQLApplier) EnsureTable(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create _migrations table: %w", err)
	}
	return nil
}

func (a *SQLApplier) Applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT version, applied_at FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at string
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse applied_at of migration %d: %w", v, err)
		}
		applied[v] = t
	}
	return applied, rows.Err()
}

func (a *SQLApplier) Apply(ctx context.Context, mig Migration) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)",
		mig.Version, mig.Name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
