package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7bridge/internal/conversion/batch"
	"github.com/ehr/hl7bridge/internal/platform/auth"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/journal"
	"github.com/ehr/hl7bridge/internal/platform/middleware"
)

// Content types written by the conversion endpoints.
const (
	ContentTypeFHIR = "application/fhir+json"
	ContentTypeHL7  = "x-application/hl7-v2+er7"
)

// MessageTypeParam overrides the outbound message type, e.g. ADT^A04.
const MessageTypeParam = "messageType"

// Handler serves the conversion and journal endpoints.
type Handler struct {
	svc      *Service
	maxItems int
}

// NewHandler returns a Handler. Batches with more than maxItems items are
// rejected with 413.
func NewHandler(svc *Service, maxItems int) *Handler {
	return &Handler{svc: svc, maxItems: maxItems}
}

// RegisterRoutes registers the bridge routes:
//
//	POST /api/v1/convert/inbound      HL7v2 text -> FHIR Bundle
//	POST /api/v1/convert/outbound     FHIR Bundle -> HL7v2 text
//	POST /api/v1/convert/batch        many messages in either direction
//	GET  /api/v1/conversions          recent journal records
//	GET  /api/v1/conversions/:id      one journal record
//
// mw runs on the conversion routes after the scope check, so a cached
// idempotent response is only replayed to an authorized caller.
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	scoped := func(scope string) []echo.MiddlewareFunc {
		return append([]echo.MiddlewareFunc{auth.RequireScope(scope)}, mw...)
	}
	g.POST("/convert/inbound", h.ConvertInbound, scoped(auth.ScopeInbound)...)
	g.POST("/convert/outbound", h.ConvertOutbound, scoped(auth.ScopeOutbound)...)
	g.POST("/convert/batch", h.ConvertBatch, scoped(auth.ScopeBatch)...)

	read := auth.RequireScope(auth.ScopeJournal)
	g.GET("/conversions", h.ListConversions, read)
	g.GET("/conversions/:id", h.GetConversion, read)
}

// RegisterHealth registers the public probes on e.
func (h *Handler) RegisterHealth(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/health/journal", h.JournalHealth)
}

// readBody returns the request body. Errors are *echo.HTTPError values
// rendered by ErrorHandler.
func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	return body, nil
}

// Where a missing patient anchor is reported, per direction.
const (
	inboundAnchor  = "PID-3"
	outboundAnchor = "Bundle.entry.resource.ofType(Patient)"
)

func (h *Handler) conversionError(c echo.Context, txID, anchor string, err error) error {
	if txID != "" {
		c.Response().Header().Set(middleware.TransactionIDHeader, txID)
	}
	status, outcome := conversionStatus(err)
	if status >= http.StatusInternalServerError {
		return err
	}
	if status == http.StatusUnprocessableEntity {
		outcome.At(anchor)
	}
	return c.JSON(status, outcome)
}

// ConvertInbound handles POST /api/v1/convert/inbound.
func (h *Handler) ConvertInbound(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	out, txID, err := h.svc.Inbound(c.Request().Context(), body, SourceHTTP)
	if err != nil {
		return h.conversionError(c, txID, inboundAnchor, err)
	}
	c.Response().Header().Set(middleware.TransactionIDHeader, txID)
	return c.Blob(http.StatusOK, ContentTypeFHIR, out)
}

// ConvertOutbound handles POST /api/v1/convert/outbound.
func (h *Handler) ConvertOutbound(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	msgType := strings.TrimSpace(c.QueryParam(MessageTypeParam))
	out, controlID, err := h.svc.Outbound(c.Request().Context(), body, msgType, SourceHTTP)
	if err != nil {
		return h.conversionError(c, "", outboundAnchor, err)
	}
	c.Response().Header().Set(middleware.TransactionIDHeader, controlID)
	return c.Blob(http.StatusOK, ContentTypeHL7, out)
}

// BatchRequest is the body of POST /api/v1/convert/batch.
type BatchRequest struct {
	Direction string   `json:"direction"`
	Items     []string `json:"items"`
}

// ConvertBatch handles POST /api/v1/convert/batch. Item failures are
// reported in the result; the response is 200 whenever the batch ran.
func (h *Handler) ConvertBatch(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	var req BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid batch request: "+err.Error()))
	}
	dir, err := batch.ParseDirection(req.Direction)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeValue,
			fmt.Sprintf("direction must be %q or %q", batch.Inbound, batch.Outbound)))
	}
	if h.maxItems > 0 && len(req.Items) > h.maxItems {
		return c.JSON(http.StatusRequestEntityTooLarge, fhir.TooLargeOutcome("batch items", int64(h.maxItems)))
	}

	res, err := h.svc.Batch(c.Request().Context(), req.Items, dir, SourceHTTP)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ListConversions handles GET /api/v1/conversions?limit=N.
func (h *Handler) ListConversions(c echo.Context) error {
	store := h.svc.Store()
	if store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversion journal is disabled")
	}
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("limit must be a positive integer"))
		}
		limit = n
	}
	records, err := store.ListConversions(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  records,
		"count": len(records),
	})
}

// GetConversion handles GET /api/v1/conversions/:id.
func (h *Handler) GetConversion(c echo.Context) error {
	store := h.svc.Store()
	if store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversion journal is disabled")
	}
	rec, err := store.GetConversion(c.Request().Context(), c.Param("id"))
	if errors.Is(err, journal.ErrNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeNotFound, "conversion not found"))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// JournalHealth handles GET /health/journal. It reports pool statistics
// when the journal is backed by Postgres.
func (h *Handler) JournalHealth(c echo.Context) error {
	store := h.svc.Store()
	if store == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "disabled"})
	}
	if err := store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	resp := map[string]interface{}{"status": "healthy"}
	if pg, ok := store.(*journal.PostgresStore); ok {
		resp["pool"] = pg.Stats()
	}
	return c.JSON(http.StatusOK, resp)
}
