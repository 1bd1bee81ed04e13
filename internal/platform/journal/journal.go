// Package journal stores what the bridge has converted: one Record per
// conversion, and cached HTTP responses keyed by Idempotency-Key so a retried
// request replays instead of converting twice.
package journal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7bridge/internal/platform/db"
)

// DefaultIdempotencyTTL is how long a cached response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// ErrNotFound is returned when a key or record does not exist or has expired.
var ErrNotFound = errors.New("journal: not found")

// Conversion statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Record is the audit entry for one conversion.
type Record struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Direction     string    `json:"direction"`
	Source        string    `json:"source"`
	Status        string    `json:"status"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Response is a cached HTTP response for an Idempotency-Key.
type Response struct {
	Key    string
	Method string
	Path   string
	// RequestHash fingerprints the request body the response belongs to.
	RequestHash string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists conversion records and idempotent responses.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetResponse returns the cached response for key, or ErrNotFound.
	GetResponse(ctx context.Context, key string) (*Response, error)
	// PutResponse caches resp under resp.Key. A zero ExpiresAt is filled
	// from the store's TTL.
	PutResponse(ctx context.Context, resp *Response) error
	DeleteResponse(ctx context.Context, key string) error

	// RecordConversion stores rec, assigning ID and CreatedAt when empty.
	RecordConversion(ctx context.Context, rec *Record) error
	// GetConversion returns the record with id, or ErrNotFound.
	GetConversion(ctx context.Context, id string) (*Record, error)
	// ListConversions returns up to limit records, newest first.
	ListConversions(ctx context.Context, limit int) ([]Record, error)

	Ping(ctx context.Context) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
	MaxConns    int32
	MinConns    int32
	TTL         time.Duration
}

// SQLStore is a Store backed by a schema the bridge owns.
type SQLStore interface {
	Store
	// Migrate applies pending migrations and returns how many ran.
	Migrate(ctx context.Context) (int, error)
	MigrationStatus(ctx context.Context) ([]db.MigrationStatus, error)
	// PurgeExpired deletes expired idempotent responses.
	PurgeExpired(ctx context.Context) (int64, error)
}

var (
	_ SQLStore = (*PostgresStore)(nil)
	_ SQLStore = (*SQLiteStore)(nil)
	_ Store    = (*MemoryStore)(nil)
)

// Open returns the Store named by opts.Driver. SQL backends are migrated
// before they are returned.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", DriverMemory:
		return NewMemoryStore(opts.TTL), nil
	}
	s, err := OpenSQL(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQL opens the SQL backend named by opts.Driver without migrating it.
func OpenSQL(ctx context.Context, opts Options) (SQLStore, error) {
	switch strings.ToLower(opts.Driver) {
	case DriverPostgres:
		s, err := OpenPostgres(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := OpenSQLite(opts.SQLitePath, opts.TTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("journal: unknown SQL driver %q", opts.Driver)
}

// prepare fills the defaults shared by every backend.
func prepare(rec *Record, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
}

func expiry(resp *Response, now time.Time, ttl time.Duration) {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = now.UTC()
	}
	if resp.ExpiresAt.IsZero() {
		resp.ExpiresAt = resp.CreatedAt.Add(ttl)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
