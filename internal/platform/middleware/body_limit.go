package middleware

import (
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// BatchPath receives many messages in one body and gets its own limit.
const BatchPath = "/api/v1/convert/batch"

// BodyLimit caps request bodies. batchLimit applies to POST BatchPath and
// defaultLimit to everything else.
//
// An oversized Content-Length is rejected up front with 413 and an
// OperationOutcome. A body that grows past the limit while being read fails
// the read with a 413 HTTPError.
func BodyLimit(defaultLimit, batchLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	batchBytes := parseLimit(batchLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && strings.TrimSuffix(req.URL.Path, "/") == BatchPath {
				limit = batchBytes
			}
			if req.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, fhir.TooLargeOutcome("request body", limit))
			}

			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

// limitedReadCloser fails once more than the allowed bytes have been read,
// covering bodies with a missing or wrong Content-Length.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

// parseLimit reads sizes such as "10M", "512KiB" or "1048576". Decimal
// suffixes are powers of 1000, "iB" suffixes powers of 1024. Unparseable
// or non-positive input falls back to 1 MiB.
func parseLimit(s string) int64 {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil || n == 0 || n > math.MaxInt64 {
		return 1 << 20
	}
	return int64(n)
}
