package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"remindsync/pkg/apperr"
	"remindsync/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"

	localRequestID     = "request_id"
	localCorrelationID = "correlation_id"

	unexpectedErrorMessage = "An unexpected error occurred"
)

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorHandler is a centralized error handler for Fiber
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals(localRequestID).(string)

		response := ErrorResponse{
			Success:   false,
			RequestID: requestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		var status int
		var fiberErr *fiber.Error

		switch {
		case apperr.IsAppError(err):
			appErr := apperr.AsAppError(err)
			status = appErr.Status
			response.Error = ErrorDetail{
				Code:    appErr.Code,
				Message: appErr.Message,
				Details: appErr.Details,
			}

			log := logger.WithContext(c.UserContext()).
				WithField("error_code", appErr.Code).
				WithError(appErr.Err)
			if status >= 500 {
				log.Error("[ErrorHandler] internal error: %s", appErr.Message)
			} else {
				log.Warn("[ErrorHandler] client error: %s", appErr.Message)
			}

		case errors.As(err, &fiberErr):
			status = fiberErr.Code
			response.Error = ErrorDetail{
				Code:    mapHTTPStatusToCode(fiberErr.Code),
				Message: fiberErr.Message,
			}

		default:
			internal := apperr.Internal(unexpectedErrorMessage)
			status = internal.Status
			response.Error = ErrorDetail{
				Code:    internal.Code,
				Message: internal.Message,
			}
			logger.WithContext(c.UserContext()).
				WithError(err).
				WithField("stack", string(debug.Stack())).
				Error("[ErrorHandler] unexpected error: %s", err.Error())
		}

		return c.Status(status).JSON(response)
	}
}

// RequestID adds a request id and a correlation id to each request. The
// correlation id defaults to the request id and is put on the user context
// so services log and audit under it.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		correlationID := c.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = requestID
		}

		c.Locals(localRequestID, requestID)
		c.Locals(localCorrelationID, correlationID)
		c.Set(HeaderRequestID, requestID)
		c.Set(HeaderCorrelationID, correlationID)

		ctx := logger.WithRequestID(c.UserContext(), requestID)
		ctx = logger.WithCorrelationID(ctx, correlationID)
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// CorrelationID returns the correlation id assigned by RequestID.
func CorrelationID(c *fiber.Ctx) string {
	id, _ := c.Locals(localCorrelationID).(string)
	return id
}

// RequestLogger logs incoming requests and their responses
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()
		if err != nil {
			// run the error handler now so the logged status is the real one
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}

		duration := time.Since(start)
		status := c.Response().StatusCode()

		log := logger.WithContext(c.UserContext()).WithFields(map[string]any{
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": float64(duration.Microseconds()) / 1000.0,
			"ip":          c.IP(),
		})
		if sub, ok := c.Locals(localSubject).(string); ok && sub != "" {
			log = log.WithField("subject", sub)
		}

		switch {
		case status >= 500:
			log.Error("Request failed: %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("Request error: %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Debug("Request completed: %s %s -> %d", c.Method(), c.Path(), status)
		}
		return err
	}
}

// Recover middleware recovers from panics
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals(localRequestID).(string)
				logger.WithContext(c.UserContext()).WithFields(map[string]any{
					"panic":  fmt.Sprintf("%v", r),
					"path":   c.Path(),
					"method": c.Method(),
					"stack":  string(debug.Stack()),
				}).Error("[Recover] panic recovered")

				internal := apperr.Internal(unexpectedErrorMessage)
				err = c.Status(internal.Status).JSON(ErrorResponse{
					Success:   false,
					RequestID: requestID,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
					Error: ErrorDetail{
						Code:    internal.Code,
						Message: internal.Message,
					},
				})
			}
		}()
		return c.Next()
	}
}

func mapHTTPStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeValidationFailed
	case 401:
		return apperr.CodeUnauthorized
	case 403:
		return apperr.CodeForbidden
	case 404:
		return apperr.CodeNotFound
	case 409:
		return apperr.CodeConflict
	case 413:
		return "PAYLOAD_TOO_LARGE"
	case 429:
		return apperr.CodeRateLimited
	case 500:
		return apperr.CodeInternalError
	case 502, 503, 504:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
