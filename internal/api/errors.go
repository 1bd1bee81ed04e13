package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/conversion"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// conversionStatus maps a conversion error to an HTTP status and outcome.
func conversionStatus(err error) (int, *fhir.OperationOutcome) {
	switch {
	case errors.Is(err, conversion.ErrMalformedInput):
		return http.StatusBadRequest, fhir.StructureOutcome(err.Error())
	case errors.Is(err, conversion.ErrMissingAnchor):
		return http.StatusUnprocessableEntity, fhir.RequiredOutcome(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeTimeout, "conversion timed out")
	default:
		return http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error())
	}
}

// ErrorHandler renders every error that reaches echo as an
// OperationOutcome, so clients see one error shape from every route.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		var outcome *fhir.OperationOutcome
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			msg := http.StatusText(status)
			if s, ok := he.Message.(string); ok && s != "" {
				msg = s
			}
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, issueTypeFor(status), msg)
		} else {
			status, outcome = conversionStatus(err)
		}
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, outcome)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

func issueTypeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return fhir.IssueTypeLogin
	case http.StatusForbidden:
		return fhir.IssueTypeForbidden
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusRequestEntityTooLarge:
		return fhir.IssueTypeTooCostly
	case http.StatusTooManyRequests:
		return fhir.IssueTypeThrottled
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return fhir.IssueTypeInvalid
	}
	if status >= http.StatusInternalServerError {
		return fhir.IssueTypeException
	}
	return fhir.IssueTypeProcessing
}
