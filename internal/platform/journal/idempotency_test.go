package journal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func serve(t *testing.T, mw echo.MiddlewareFunc, h echo.HandlerFunc, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader("MSH|^~\\&|"))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	if err := mw(h)(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestIdempotencyMiddleware_Replay(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	mw := IdempotencyMiddleware(store, zerolog.Nop())

	calls := 0
	h := func(c echo.Context) error {
		calls++
		c.Response().Header().Set("X-Transaction-ID", "tx-1")
		return c.String(http.StatusOK, `{"resourceType":"Bundle"}`)
	}

	first := serve(t, mw, h, http.MethodPost, "/api/v1/convert/inbound", "k1")
	second := serve(t, mw, h, http.MethodPost, "/api/v1/convert/inbound", "k1")

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if first.Header().Get(ReplayedHeader) != "" {
		t.Error("first response must not be marked as replayed")
	}
	if second.Header().Get(ReplayedHeader) != "true" {
		t.Error("expected replayed header on second response")
	}
	if second.Code != http.StatusOK || second.Body.String() != first.Body.String() {
		t.Errorf("replay mismatch: %d %q", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Transaction-ID") != "tx-1" {
		t.Errorf("X-Transaction-ID = %q, want tx-1", second.Header().Get("X-Transaction-ID"))
	}
}

func TestIdempotencyMiddleware_Passthrough(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	mw := IdempotencyMiddleware(store, zerolog.Nop())

	calls := 0
	h := func(c echo.Context) error {
		calls++
		return c.NoContent(http.StatusOK)
	}

	serve(t, mw, h, http.MethodPost, "/api/v1/convert/inbound", "")
	serve(t, mw, h, http.MethodPost, "/api/v1/convert/inbound", "")
	serve(t, mw, h, http.MethodGet, "/health", "k2")
	serve(t, mw, h, http.MethodGet, "/health", "k2")

	if calls != 4 {
		t.Errorf("handler called %d times, want 4", calls)
	}
}

func TestIdempotencyMiddleware_KeyReuseOnOtherPath(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	mw := IdempotencyMiddleware(store, zerolog.Nop())
	h := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }

	serve(t, mw, h, http.MethodPost, "/api/v1/convert/inbound", "k3")
	rec := serve(t, mw, h, http.MethodPost, "/api/v1/convert/outbound", "k3")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
	}
}

func TestIdempotencyMiddleware_ServerErrorsNotCached(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	mw := IdempotencyMiddleware(store, zerolog.Nop())

	calls := 0
	h := func(c echo.Context) error {
		calls++
		if calls == 1 {
			return c.String(http.StatusInternalServerError, "boom")
		}
		return c.String(http.StatusOK, "ok")
	}

	serve(t, mw, h, http.MethodPost, "/api/v1/convert/batch", "k4")
	rec := serve(t, mw, h, http.MethodPost, "/api/v1/convert/batch", "k4")

	if calls != 2 || rec.Body.String() != "ok" {
		t.Errorf("expected retry after 5xx, calls=%d body=%q", calls, rec.Body.String())
	}

	// Client errors are cached like successes.
	serve(t, mw, func(c echo.Context) error { return c.String(http.StatusBadRequest, "bad") }, http.MethodPost, "/x", "k5")
	rec = serve(t, mw, h, http.MethodPost, "/x", "k5")
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "bad" {
		t.Errorf("expected cached 400, got %d %q", rec.Code, rec.Body.String())
	}
}

// failingStore fails every lookup so the middleware has to fall through.
type failingStore struct{ *MemoryStore }

func (failingStore) GetResponse(context.Context, string) (*Response, error) {
	return nil, errors.New("connection refused")
}

func TestIdempotencyMiddleware_StoreFailureRunsUncached(t *testing.T) {
	store := failingStore{NewMemoryStore(time.Hour)}
	defer store.Close()
	mw := IdempotencyMiddleware(store, zerolog.Nop())

	calls := 0
	h := func(c echo.Context) error {
		calls++
		return c.String(http.StatusOK, "ok")
	}
	serve(t, mw, h, http.MethodPost, "/p", "k6")
	serve(t, mw, h, http.MethodPost, "/p", "k6")
	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
}

func TestIdempotencyMiddleware_KeyReuseWithOtherBody(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	mw := IdempotencyMiddleware(store, zerolog.Nop())

	var seen []string
	h := func(c echo.Context) error {
		b, _ := io.ReadAll(c.Request().Body)
		seen = append(seen, string(b))
		return c.String(http.StatusOK, "ok")
	}
	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/inbound", strings.NewReader(body))
		req.Header.Set("X-Idempotency-Key", "k7")
		rec := httptest.NewRecorder()
		if err := mw(h)(echo.New().NewContext(req, rec)); err != nil {
			t.Fatal(err)
		}
		return rec
	}

	post("MSH|first")
	if rec := post("MSH|second"); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a different body, got %d", rec.Code)
	}
	if rec := post("MSH|first"); rec.Header().Get(ReplayedHeader) != "true" {
		t.Error("expected the original body to replay")
	}
	if len(seen) != 1 || seen[0] != "MSH|first" {
		t.Errorf("handler must see the full body exactly once, saw %q", seen)
	}
}

func TestIdempotencyMiddleware_ReplayStatusVisible(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	mw := IdempotencyMiddleware(store, zerolog.Nop())
	h := func(c echo.Context) error { return c.String(http.StatusUnprocessableEntity, "no patient") }

	serve(t, mw, h, http.MethodPost, "/p", "k8")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/p", strings.NewReader("MSH|^~\\&|"))
	req.Header.Set("Idempotency-Key", "k8")
	c := e.NewContext(req, httptest.NewRecorder())
	if err := mw(h)(c); err != nil {
		t.Fatal(err)
	}
	if c.Response().Status != http.StatusUnprocessableEntity || !c.Response().Committed {
		t.Errorf("echo response should carry the replayed status, got %d", c.Response().Status)
	}
}

func TestIdempotencyMiddleware_RejectsLongKey(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	rec := serve(t, IdempotencyMiddleware(store, zerolog.Nop()),
		func(c echo.Context) error { t.Error("handler must not run"); return nil },
		http.MethodPost, "/p", strings.Repeat("k", 256))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
