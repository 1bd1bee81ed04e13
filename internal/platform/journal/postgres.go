package journal

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7bridge/internal/platform/db"
)

// PostgresSchema holds the journal tables.
const PostgresSchema = "journal"

//go:embed migrations
var migrationFS embed.FS

func migrations(dialect string) fs.FS {
	sub, err := fs.Sub(migrationFS, "migrations/"+dialect)
	if err != nil {
		panic(err)
	}
	return sub
}

// PostgresStore keeps the journal in PostgreSQL.
type PostgresStore struct {
	pool    *pgxpool.Pool
	ttl     time.Duration
	nowFunc func() time.Time
	owned   bool
}

// OpenPostgres connects to opts.DatabaseURL. The returned store owns the
// pool and closes it on Close.
func OpenPostgres(ctx context.Context, opts Options) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, opts.DatabaseURL, db.PoolOptions{
		MaxConns: opts.MaxConns,
		MinConns: opts.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	s := NewPostgresStore(pool, opts.TTL)
	s.owned = true
	return s, nil
}

// NewPostgresStore wraps an existing pool. The caller keeps ownership of it.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &PostgresStore{pool: pool, ttl: ttl, nowFunc: time.Now}
}

func (s *PostgresStore) migrator() *db.Migrator {
	return db.NewMigrator(db.NewPgxApplier(s.pool, PostgresSchema), migrations("postgres"))
}

// Migrate applies pending journal migrations.
func (s *PostgresStore) Migrate(ctx context.Context) (int, error) {
	n, err := s.migrator().Up(ctx)
	if err != nil {
		return n, fmt.Errorf("journal: migrate: %w", err)
	}
	return n, nil
}

// MigrationStatus lists applied and pending journal migrations.
func (s *PostgresStore) MigrationStatus(ctx context.Context) ([]db.MigrationStatus, error) {
	return s.migrator().Status(ctx)
}

// Stats reports connection pool statistics.
func (s *PostgresStore) Stats() db.PoolStats {
	return db.SnapshotPool(s.pool)
}

func (s *PostgresStore) GetResponse(ctx context.Context, key string) (*Response, error) {
	var (
		r       Response
		headers []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT key, method, path, request_hash, status_code, headers, body, created_at, expires_at
FROM journal.idempotency_responses WHERE key = $1 AND expires_at > $2`, key, s.nowFunc()).
		Scan(&r.Key, &r.Method, &r.Path, &r.RequestHash, &r.StatusCode, &headers, &r.Body, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get response %s: %w", key, err)
	}
	if err := json.Unmarshal(headers, &r.Headers); err != nil {
		return nil, fmt.Errorf("journal: decode headers of %s: %w", key, err)
	}
	return &r, nil
}

func (s *PostgresStore) PutResponse(ctx context.Context, resp *Response) error {
	r := *resp
	expiry(&r, s.nowFunc(), s.ttl)
	headers, err := encodeHeaders(r.Headers)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO journal.idempotency_responses
    (key, method, path, request_hash, status_code, headers, body, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (key) DO UPDATE SET
    method = EXCLUDED.method, path = EXCLUDED.path, request_hash = EXCLUDED.request_hash, status_code = EXCLUDED.status_code,
    headers = EXCLUDED.headers, body = EXCLUDED.body,
    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		r.Key, r.Method, r.Path, r.RequestHash, r.StatusCode, headers, r.Body, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("journal: put response %s: %w", r.Key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteResponse(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM journal.idempotency_responses WHERE key = $1`, key); err != nil {
		return fmt.Errorf("journal: delete response %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes cached responses past their expiry.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM journal.idempotency_responses WHERE expires_at <= $1`, s.nowFunc())
	if err != nil {
		return 0, fmt.Errorf("journal: purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecordConversion(ctx context.Context, rec *Record) error {
	prepare(rec, s.nowFunc())
	_, err := s.pool.Exec(ctx, `INSERT INTO journal.conversions
    (id, transaction_id, direction, source, status, elapsed_ms, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TransactionID, rec.Direction, rec.Source, rec.Status, rec.ElapsedMs, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal: record conversion: %w", err)
	}
	return nil
}

const selectConversion = `SELECT id, transaction_id, direction, source, status, elapsed_ms, error, created_at
FROM journal.conversions`

func (s *PostgresStore) GetConversion(ctx context.Context, id string) (*Record, error) {
	var r Record
	err := s.pool.QueryRow(ctx, selectConversion+` WHERE id = $1`, id).
		Scan(&r.ID, &r.TransactionID, &r.Direction, &r.Source, &r.Status, &r.ElapsedMs, &r.Error, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get conversion %s: %w", id, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (s *PostgresStore) ListConversions(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectConversion+` ORDER BY created_at DESC, id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: list conversions: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Direction, &r.Source, &r.Status, &r.ElapsedMs, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan conversion: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func encodeHeaders(h http.Header) (string, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("journal: encode headers: %w", err)
	}
	return string(b), nil
}
