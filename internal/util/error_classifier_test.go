package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"

	"newsbrief/internal/model"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"credential missing", model.ErrCredentialMissing, false, "credential_missing"},
		{"reauth required", fmt.Errorf("run failed: %w", model.ErrReauthRequired), false, "reauth_required"},
		{"no active sources", model.ErrNoActiveSources, false, "no_active_sources"},
		{"persistence error", &model.PersistenceError{Op: "commit", Err: errors.New("broken pipe")}, true, "persistence_error"},
		{"no rows", pgx.ErrNoRows, false, "row_not_found"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"dns timeout", &net.DNSError{Err: "i/o", Name: "example.com", IsTimeout: true}, true, "network_timeout"},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "example.com"}, true, "network_error"},
		{"unknown", errors.New("something odd"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			if retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", retryable, tt.retryable)
			}
			if errType != tt.errType {
				t.Errorf("errType = %q, want %q", errType, tt.errType)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(1, 5, false) {
		t.Error("non-retryable error marked for retry")
	}
	if !ShouldRetry(5, 5, true) {
		t.Error("attempt at the limit should still retry")
	}
	if ShouldRetry(6, 5, true) {
		t.Error("attempt past the limit retried")
	}
}
