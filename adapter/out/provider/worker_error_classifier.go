package provider

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"remindsync/core/domain"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// =============================================================================
// Provider error classification
// =============================================================================

// rate limit reasons Google reports with 403
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// reasons meaning the grant no longer covers calendar writes
var revokedAccessReasons = map[string]bool{
	"insufficientPermissions": true,
	"authError":               true,
}

// ClassifyError maps a provider failure to the sync error taxonomy.
// The classification, not the raw status, drives retries and alerting.
func ClassifyError(err error) *domain.SyncError {
	if err == nil {
		return nil
	}

	var se *domain.SyncError
	if errors.As(err, &se) {
		return se
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyRetrieveError(retrieveErr)
	}

	if isTokenRevokedMessage(err) {
		return domain.NewAuthError(http.StatusUnauthorized, true, err)
	}

	// transport failures, timeouts and anything unrecognised
	return domain.AsSyncError(err)
}

func classifyAPIError(e *googleapi.Error) *domain.SyncError {
	switch {
	case e.Code == http.StatusUnauthorized:
		// an expired access token; a forced refresh may fix it
		return domain.NewAuthError(e.Code, false, e)

	case e.Code == http.StatusTooManyRequests:
		return domain.NewRateLimitError(e.Code, retryAfter(e.Header), e)

	case e.Code == http.StatusForbidden:
		for _, item := range e.Errors {
			if rateLimitReasons[item.Reason] {
				return domain.NewRateLimitError(e.Code, retryAfter(e.Header), e)
			}
			if revokedAccessReasons[item.Reason] {
				return domain.NewAuthError(e.Code, true, e)
			}
		}
		return domain.NewClientError(e.Code, e)

	case e.Code >= 500:
		return domain.NewServerError(e.Code, e)

	case e.Code >= 400:
		return domain.NewClientError(e.Code, e)
	}

	return domain.NewNetworkError(e)
}

func classifyRetrieveError(e *oauth2.RetrieveError) *domain.SyncError {
	status := 0
	var header http.Header
	if e.Response != nil {
		status = e.Response.StatusCode
		header = e.Response.Header
	}

	switch e.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return domain.NewAuthError(status, true, e)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewRateLimitError(status, retryAfter(header), e)
	case status >= 500:
		return domain.NewServerError(status, e)
	case status >= 400:
		// the token endpoint refused the grant for a reason we cannot fix
		return domain.NewAuthError(status, true, e)
	}
	if isTokenRevokedMessage(e) {
		return domain.NewAuthError(status, true, e)
	}
	return domain.NewNetworkError(e)
}

// isTokenRevokedMessage checks if the error text indicates a permanent token failure.
func isTokenRevokedMessage(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid_client") ||
		strings.Contains(msg, "Token has been expired or revoked") ||
		strings.Contains(msg, "Token has been revoked")
}

// retryAfter reads a Retry-After header in seconds or HTTP-date form.
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// tripsBreaker reports whether err says the provider itself is unhealthy.
// Auth and client errors are the caller's problem and leave the breaker closed.
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	se := ClassifyError(err)
	switch se.Type {
	case domain.ErrorTypeServer, domain.ErrorTypeNetwork, domain.ErrorTypeRateLimit:
		return true
	}
	return false
}
