package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"

	"newsbrief/internal/model"
)

// IsRetryableError determines if an error is worth redelivering.
// Returns (isRetryable, errorType).
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// taxonomy errors: fatal for the run, never redelivered
	if errors.Is(err, model.ErrCredentialMissing) {
		return false, "credential_missing"
	}
	if errors.Is(err, model.ErrReauthRequired) {
		return false, "reauth_required"
	}
	if errors.Is(err, model.ErrNoActiveSources) {
		return false, "no_active_sources"
	}

	// persistence failures are retried; the next pass overwrites the day
	var perr *model.PersistenceError
	if errors.As(err, &perr) {
		return true, "persistence_error"
	}

	errStr := err.Error()

	// JSON decode errors: malformed payload, redelivery cannot help
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return false, "json_decode_error"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}
	if strings.Contains(errStr, "json:") {
		return false, "json_decode_error"
	}

	// database errors
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "row_not_found"
	}
	if strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "UNIQUE constraint") {
		return false, "duplicate_key"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return true, "db_connection_error"
	}

	// context sentinels before net.Error: context.DeadlineExceeded also
	// satisfies net.Error and would otherwise classify as network_timeout
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	// network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	// unknown: conservative, do not redeliver
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried given the attempt count.
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
