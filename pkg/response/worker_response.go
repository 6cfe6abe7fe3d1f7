// Package response builds the JSON envelope every handler answers with.
package response

import (
	"reflect"

	"remindsync/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// Response is the standard API response structure.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta ties a response to its request and, for lists, carries the count.
type Meta struct {
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Count         *int   `json:"count,omitempty"`
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Success: true, Data: data, Meta: meta(c)})
}

// List returns a successful response over a slice, with its length in meta.
func List(c *fiber.Ctx, items any) error {
	m := meta(c)
	n := 0
	if v := reflect.ValueOf(items); v.Kind() == reflect.Slice {
		n = v.Len()
	}
	m.Count = &n
	return c.JSON(Response{Success: true, Data: items, Meta: m})
}

// Result returns a 200 whose success flag reflects an outcome computed by
// the handler rather than a transport failure.
func Result(c *fiber.Ctx, success bool, data any) error {
	return c.JSON(Response{Success: success, Data: data, Meta: meta(c)})
}

// Error returns an error response, optionally with data describing the
// partial outcome.
func Error(c *fiber.Ctx, status int, code, message string, data any) error {
	return c.Status(status).JSON(Response{
		Success: false,
		Data:    data,
		Error:   &ErrorInfo{Code: code, Message: message},
		Meta:    meta(c),
	})
}

func meta(c *fiber.Ctx) *Meta {
	ctx := c.UserContext()
	return &Meta{
		RequestID:     logger.RequestID(ctx),
		CorrelationID: logger.CorrelationID(ctx),
	}
}
