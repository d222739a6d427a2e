package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/agentic"
	"github.com/ccbridge/ccbridge/pkg/auth"
	"github.com/ccbridge/ccbridge/pkg/budget"
	"github.com/ccbridge/ccbridge/pkg/cli"
	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/permission"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/upstream"
)

// APIError is the wire shape of every error body and error frame.
type APIError struct {
	Type       models.ErrorKind `json:"type"`
	Message    string           `json:"message"`
	RetryAfter int              `json:"retry_after_s,omitempty"`
	Field      string           `json:"field,omitempty"`
}

// statusClientClosedRequest mirrors the nginx convention for a request the
// client abandoned; there is no stdlib constant for it.
const statusClientClosedRequest = 499

// mapError classifies a domain error into an HTTP status and wire body.
// Internal errors never leak details.
func mapError(err error) (int, *APIError) {
	var rateErr *auth.RateLimitError
	var deniedErr *permission.DeniedError
	var unknownErr *agentic.UnknownCapabilityError
	var exitErr *cli.ExitError
	var validationErr *ValidationError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, &APIError{
			Type: models.ErrInvalidRequest, Message: validationErr.Message, Field: validationErr.Field}
	case errors.Is(err, errMissingKey):
		return http.StatusUnauthorized, &APIError{
			Type: models.ErrAuthMissing, Message: "API key is required"}
	case errors.Is(err, auth.ErrKeyRevoked):
		return http.StatusUnauthorized, &APIError{
			Type: models.ErrAuthRevoked, Message: "API key has been revoked"}
	case errors.Is(err, auth.ErrKeyNotFound):
		return http.StatusUnauthorized, &APIError{
			Type: models.ErrAuthInvalid, Message: "API key is not valid"}
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, &APIError{
			Type: models.ErrRateLimited, Message: "rate limit exceeded",
			RetryAfter: int(rateErr.RetryAfter.Seconds()) + 1}
	case errors.As(err, &deniedErr):
		return http.StatusForbidden, &APIError{
			Type: models.ErrPermissionDenied, Message: deniedErr.Error(), Field: deniedErr.Field}
	case errors.Is(err, permission.ErrProfileNotFound):
		return http.StatusForbidden, &APIError{
			Type: models.ErrPermissionDenied, Message: "no permission profile for this key"}
	case errors.Is(err, budget.ErrBudgetExceeded):
		return http.StatusTooManyRequests, &APIError{
			Type: models.ErrBudgetExceeded, Message: "monthly budget exceeded"}
	case errors.As(err, &unknownErr):
		return http.StatusBadRequest, &APIError{
			Type: models.ErrInvalidRequest, Message: unknownErr.Error(), Field: unknownErr.Name}
	case errors.Is(err, pool.ErrQueueFull):
		return http.StatusServiceUnavailable, &APIError{
			Type: models.ErrOverloaded, Message: "worker pool queue is full"}
	case errors.Is(err, pool.ErrDraining):
		return http.StatusServiceUnavailable, &APIError{
			Type: models.ErrOverloaded, Message: "service is draining"}
	case errors.Is(err, pool.ErrTaskNotFound):
		return http.StatusNotFound, &APIError{
			Type: models.ErrInvalidRequest, Message: "task not found", Field: "task_id"}
	case errors.Is(err, pool.ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, &APIError{
			Type: models.ErrTimeout, Message: "request timed out"}
	case errors.Is(err, cli.ErrOutputMalformed):
		return http.StatusBadGateway, &APIError{
			Type: models.ErrOutputMalformed, Message: "child process produced malformed output"}
	case errors.As(err, &exitErr):
		return http.StatusBadGateway, &APIError{
			Type: models.ErrChildExit, Message: exitErr.Error()}
	case errors.Is(err, upstream.ErrUpstream):
		return http.StatusBadGateway, &APIError{
			Type: models.ErrUpstream, Message: "upstream provider request failed"}
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, &APIError{
			Type: models.ErrCancelled, Message: "request was cancelled"}
	}

	slog.Error("Unexpected internal error", "error", err)
	return http.StatusInternalServerError, &APIError{
		Type: models.ErrInternal, Message: "internal server error"}
}

// outcomeError translates a terminal pool outcome that is not COMPLETED.
func outcomeError(out *pool.Outcome) (int, *APIError) {
	switch out.State {
	case models.TaskTimedOut:
		return http.StatusRequestTimeout, &APIError{
			Type: models.ErrTimeout, Message: "task exceeded its timeout"}
	case models.TaskCancelled:
		return statusClientClosedRequest, &APIError{
			Type: models.ErrCancelled, Message: "task was cancelled"}
	default:
		if out.Err != nil {
			return mapError(out.Err)
		}
		return http.StatusInternalServerError, &APIError{
			Type: models.ErrInternal, Message: "internal server error"}
	}
}

// runErrBody maps a run error, unwrapping terminal outcomes first. Used
// where the body is embedded rather than written directly.
func runErrBody(err error) (int, *APIError) {
	var term *terminalError
	if errors.As(err, &term) {
		return outcomeError(term.outcome)
	}
	return mapError(err)
}

// ValidationError flags a malformed request body, naming the field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// respondError writes the mapped error body and bumps the denial counter.
func (s *Server) respondError(c *echo.Context, err error) error {
	status, body := mapError(err)
	if s.metrics != nil && status != http.StatusInternalServerError {
		s.metrics.AdmissionDenials.WithLabelValues(string(body.Type)).Inc()
	}
	return c.JSON(status, body)
}
