package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"newsbrief/internal/model"
	"newsbrief/internal/util"
	"newsbrief/pkg/trace"
)

// PersistFunc stores a credential the collector refreshed mid-fetch. It must
// write through the same persistence call as the sweep path.
type PersistFunc func(ctx context.Context, patch model.TokenPatch) error

// Client talks to the external email collector service: it fetches mail from
// the monitored senders, strips it to text and returns cleaned records. The
// collector may refresh the access token just in time; the refreshed triple
// comes back in the response and is pushed through the persist callback.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // fetching a day of mail is slow
		},
	}
}

type fetchRequest struct {
	UserID     string            `json:"user_id"`
	Senders    []string          `json:"senders"`
	Credential requestCredential `json:"credential"`
}

type requestCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type fetchResponse struct {
	Emails              []model.CleanedEmail `json:"emails"`
	RefreshedCredential *refreshedCredential `json:"refreshed_credential,omitempty"`
}

type refreshedCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Fetch returns the cleaned records for a user's active senders. When the
// response carries a refreshed credential it is persisted before returning,
// so the sweep path never resurrects the token this fetch replaced.
func (c *Client) Fetch(ctx context.Context, userID string, senders []string, cred *model.Credential, persist PersistFunc) ([]model.CleanedEmail, error) {
	body, err := json.Marshal(fetchRequest{
		UserID:  userID,
		Senders: senders,
		Credential: requestCredential{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			ExpiresAt:    cred.ExpiresAt,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails/fetch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}
	if c.secret != "" {
		bearer, err := util.GenerateServiceJWT("collector", c.secret)
		if err != nil {
			return nil, fmt.Errorf("failed to sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collector returned status %d", resp.StatusCode)
	}

	var fr fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("failed to decode collector response: %w", err)
	}

	if fr.RefreshedCredential != nil && persist != nil {
		patch := model.TokenPatch{
			AccessToken:  fr.RefreshedCredential.AccessToken,
			RefreshToken: fr.RefreshedCredential.RefreshToken,
			ExpiresAt:    fr.RefreshedCredential.ExpiresAt,
		}
		if err := persist(ctx, patch); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
		}
	}

	return fr.Emails, nil
}
