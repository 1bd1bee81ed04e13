package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ehr/hl7bridge/internal/platform/db"
)

// SQLiteStore keeps the journal in a single SQLite file. It suits the CLI
// and single-node deployments.
type SQLiteStore struct {
	db      *sql.DB
	ttl     time.Duration
	nowFunc func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, ttl time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("journal: sqlite path is required")
	}
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite %s: %w", path, err)
	}
	sdb.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			_ = sdb.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}

	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &SQLiteStore{db: sdb, ttl: ttl, nowFunc: time.Now}, nil
}

func (s *SQLiteStore) migrator() *db.Migrator {
	return db.NewMigrator(db.NewSQLApplier(s.db), migrations("sqlite"))
}

// Migrate applies pending journal migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) (int, error) {
	n, err := s.migrator().Up(ctx)
	if err != nil {
		return n, fmt.Errorf("journal: migrate: %w", err)
	}
	return n, nil
}

// MigrationStatus lists applied and pending journal migrations.
func (s *SQLiteStore) MigrationStatus(ctx context.Context) ([]db.MigrationStatus, error) {
	return s.migrator().Status(ctx)
}

func (s *SQLiteStore) GetResponse(ctx context.Context, key string) (*Response, error) {
	var (
		r                  Response
		headers            string
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT key, method, path, request_hash, status_code, headers, body, created_at, expires_at
FROM idempotency_responses WHERE key = ? AND expires_at > ?`, key, s.nowFunc().UnixMilli()).
		Scan(&r.Key, &r.Method, &r.Path, &r.RequestHash, &r.StatusCode, &headers, &r.Body, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get response %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(headers), &r.Headers); err != nil {
		return nil, fmt.Errorf("journal: decode headers of %s: %w", key, err)
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &r, nil
}

func (s *SQLiteStore) PutResponse(ctx context.Context, resp *Response) error {
	r := *resp
	expiry(&r, s.nowFunc(), s.ttl)
	headers, err := encodeHeaders(r.Headers)
	if err != nil {
		return err
	}
	body := r.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO idempotency_responses
    (key, method, path, request_hash, status_code, headers, body, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
    method = excluded.method, path = excluded.path, request_hash = excluded.request_hash, status_code = excluded.status_code,
    headers = excluded.headers, body = excluded.body,
    created_at = excluded.created_at, expires_at = excluded.expires_at`,
		r.Key, r.Method, r.Path, r.RequestHash, r.StatusCode, headers, body, r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: put response %s: %w", r.Key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteResponse(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_responses WHERE key = ?`, key); err != nil {
		return fmt.Errorf("journal: delete response %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes cached responses past their expiry.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_responses WHERE expires_at <= ?`, s.nowFunc().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: purge expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecordConversion(ctx context.Context, rec *Record) error {
	prepare(rec, s.nowFunc())
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversions
    (id, transaction_id, direction, source, status, elapsed_ms, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TransactionID, rec.Direction, rec.Source, rec.Status, rec.ElapsedMs, rec.Error, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: record conversion: %w", err)
	}
	return nil
}

const selectSQLiteConversion = `SELECT id, transaction_id, direction, source, status, elapsed_ms, error, created_at
FROM conversions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scanner) (Record, error) {
	var (
		r       Record
		created int64
	)
	err := row.Scan(&r.ID, &r.TransactionID, &r.Direction, &r.Source, &r.Status, &r.ElapsedMs, &r.Error, &created)
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, err
}

func (s *SQLiteStore) GetConversion(ctx context.Context, id string) (*Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, selectSQLiteConversion+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get conversion %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListConversions(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectSQLiteConversion+` ORDER BY created_at DESC, id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: list conversions: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scan conversion: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
