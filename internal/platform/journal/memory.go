package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Expired responses are
// evicted by a background loop every hour.
type MemoryStore struct {
	mu        sync.RWMutex
	responses map[string]*Response
	records   map[string]Record
	ttl       time.Duration
	nowFunc   func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMemoryStore returns a MemoryStore. A ttl of zero or less means
// DefaultIdempotencyTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s := &MemoryStore{
		responses: make(map[string]*Response),
		records:   make(map[string]Record),
		ttl:       ttl,
		nowFunc:   time.Now,
		stop:      make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, r := range s.responses {
		if now.After(r.ExpiresAt) {
			delete(s.responses, key)
		}
	}
}

func (s *MemoryStore) GetResponse(_ context.Context, key string) (*Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[key]
	if !ok || s.nowFunc().After(r.ExpiresAt) {
		return nil, ErrNotFound
	}
	return cloneResponse(r), nil
}

func (s *MemoryStore) PutResponse(_ context.Context, resp *Response) error {
	cp := cloneResponse(resp)
	expiry(cp, s.nowFunc(), s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[cp.Key] = cp
	return nil
}

func (s *MemoryStore) DeleteResponse(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.responses, key)
	return nil
}

func (s *MemoryStore) RecordConversion(_ context.Context, rec *Record) error {
	prepare(rec, s.nowFunc())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) GetConversion(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) ListConversions(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the cleanup loop. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func cloneResponse(r *Response) *Response {
	cp := *r
	if r.Headers != nil {
		cp.Headers = r.Headers.Clone()
	}
	cp.Body = append([]byte(nil), r.Body...)
	return &cp
}
