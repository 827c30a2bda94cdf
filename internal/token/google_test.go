package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGoogleProviderRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "rt-1" {
			t.Errorf("refresh_token = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p := NewGoogleProvider(GoogleProviderConfig{
		ClientID:     "cid",
		ClientSecret: "csecret",
		TokenURL:     srv.URL,
	})

	before := time.Now().UTC()
	result, err := p.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if result.AccessToken != "at-2" {
		t.Errorf("AccessToken = %q", result.AccessToken)
	}
	if result.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty when not rotated", result.RefreshToken)
	}
	if result.ExpiresAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want about an hour out", result.ExpiresAt)
	}
}

func TestGoogleProviderInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	p := NewGoogleProvider(GoogleProviderConfig{TokenURL: srv.URL})

	_, err := p.Refresh(context.Background(), "revoked")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
}

func TestGoogleProviderServerErrorIsNotInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewGoogleProvider(GoogleProviderConfig{TokenURL: srv.URL})

	_, err := p.Refresh(context.Background(), "rt-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidGrant) {
		t.Fatal("transient provider error classified as invalid grant")
	}
}
