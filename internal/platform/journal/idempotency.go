package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// ReplayedHeader marks a response served from the idempotency cache.
const ReplayedHeader = "X-Idempotency-Replayed"

const maxIdempotencyKey = 255

// IdempotencyMiddleware caches the first response to a POST, PUT or PATCH
// that carries an Idempotency-Key (or X-Idempotency-Key) header and
// replays it for later requests with the same key. The key is bound to the
// method, path and request body; reusing it for anything else is a 422.
//
// 5xx responses are not cached so the client can retry. A failing store
// is logged and the request runs uncached.
func IdempotencyMiddleware(store Store, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			key := idempotencyKey(req)
			if key == "" {
				return next(c)
			}
			if len(key) > maxIdempotencyKey {
				return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeInvalid, "Idempotency-Key is longer than 255 characters"))
			}

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return err
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])
			log := logger.With().Str("idempotency_key", key).Logger()

			cached, err := store.GetResponse(req.Context(), key)
			switch {
			case err == nil:
				if cached.Method != req.Method || cached.Path != req.URL.Path ||
					(cached.RequestHash != "" && cached.RequestHash != fingerprint) {
					return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome(
						fhir.IssueSeverityError, fhir.IssueTypeProcessing,
						"Idempotency-Key was already used for a different request"))
				}
				return replay(c.Response(), cached)
			case !errors.Is(err, ErrNotFound):
				log.Warn().Err(err).Msg("idempotency lookup failed")
				return next(c)
			}

			captured, err := capture(c, next)
			if err != nil {
				return err
			}
			if captured.StatusCode < http.StatusInternalServerError {
				captured.Key = key
				captured.Method = req.Method
				captured.Path = req.URL.Path
				captured.RequestHash = fingerprint
				if err := store.PutResponse(req.Context(), captured); err != nil {
					log.Warn().Err(err).Msg("idempotency store failed")
				}
			}
			// The handler already set the echo.Response status; only the
			// buffered bytes still have to reach the client.
			return write(c.Response().Writer, captured, false)
		}
	}
}

func idempotencyKey(req *http.Request) string {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return ""
	}
	if key := req.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return req.Header.Get("X-Idempotency-Key")
}

// capture runs next against a buffering writer. A handler error is
// returned untouched and nothing is written.
func capture(c echo.Context, next echo.HandlerFunc) (*Response, error) {
	res := c.Response()
	orig := res.Writer
	buf := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
	res.Writer = buf
	err := next(c)
	res.Writer = orig
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: buf.status, Headers: buf.header, Body: buf.body.Bytes()}, nil
}

// replay goes through echo.Response so the replayed status is what the
// request log and metrics see.
func replay(res *echo.Response, cached *Response) error {
	return write(res, cached, true)
}

func write(w http.ResponseWriter, r *Response, replayed bool) error {
	h := w.Header()
	for k, vals := range r.Headers {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	if replayed {
		h.Set(ReplayedHeader, "true")
	}
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}

// bufferedWriter holds what the handler writes until it returns.
type bufferedWriter struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(b)
}
