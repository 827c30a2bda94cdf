package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"

// ErrInvalidGrant means the provider rejected the refresh token outright: the
// grant was revoked or expired and only the user can fix it.
var ErrInvalidGrant = errors.New("refresh token rejected by provider")

// RefreshResult is the token triple returned by a successful refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresAt    time.Time
}

// GoogleProviderConfig configures the identity provider client. TokenURL is
// overridable for tests.
type GoogleProviderConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// GoogleProvider exchanges refresh tokens with Google's OAuth 2.0 token
// endpoint.
type GoogleProvider struct {
	config     GoogleProviderConfig
	httpClient *http.Client
}

func NewGoogleProvider(config GoogleProviderConfig) *GoogleProvider {
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	return &GoogleProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

type googleErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges a refresh token for a new access token.
func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	data := url.Values{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp googleErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, errResp.ErrorDescription)
		}
		return nil, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in refresh response")
	}

	return &RefreshResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}, nil
}

// compile-time interface check
var _ Provider = (*GoogleProvider)(nil)
