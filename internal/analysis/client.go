package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"newsbrief/internal/model"
	"newsbrief/internal/util"
	"newsbrief/pkg/circuitbreaker"
	"newsbrief/pkg/metrics"
	"newsbrief/pkg/trace"
)

// AnnotateRequest asks for a per-email annotation.
type AnnotateRequest struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// AnnotateResponse is the per-email annotation.
type AnnotateResponse struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics"`
	Keywords []string `json:"keywords"`
}

// ClusterEmail is one annotated email in a batched clustering request.
type ClusterEmail struct {
	Index    int      `json:"index"`
	Sender   string   `json:"sender"`
	Subject  string   `json:"subject"`
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics"`
	Keywords []string `json:"keywords"`
}

// ClusterRequest is the single batched Stage 1 call.
type ClusterRequest struct {
	Emails []ClusterEmail `json:"emails"`
}

// ClusterTheme is one provisional theme in a clustering response.
type ClusterTheme struct {
	Name       string   `json:"name"`
	Summary    string   `json:"summary"`
	Confidence int      `json:"confidence"`
	Members    []int    `json:"members"`
	Keywords   []string `json:"keywords"`
}

// ClusterResponse is the raw, dynamically shaped clustering output. It is
// schema-validated by the clusterer before use.
type ClusterResponse struct {
	Themes []ClusterTheme `json:"themes"`
}

// Client calls the external analysis (LLM) service with a bounded timeout and
// a circuit breaker. A timeout is indistinguishable from a provider error to
// callers; both route to the deterministic fallbacks.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
	}

	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: circuitbreaker.NewCircuitBreaker(cbConfig),
	}
}

// Annotate returns the analysis annotation for one email.
func (c *Client) Annotate(ctx context.Context, req AnnotateRequest) (*AnnotateResponse, error) {
	var out AnnotateResponse
	if err := c.post(ctx, "/annotate", req, &out); err != nil {
		return nil, &model.AnalysisError{Stage: "annotate", Err: err}
	}
	return &out, nil
}

// Cluster runs the single batched clustering call over all annotated emails.
func (c *Client) Cluster(ctx context.Context, req ClusterRequest) (*ClusterResponse, error) {
	var out ClusterResponse
	if err := c.post(ctx, "/cluster", req, &out); err != nil {
		return nil, &model.AnalysisError{Stage: "cluster", Err: err}
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	return c.cb.Execute(func() error {
		start := time.Now()
		status := "success"

		err := c.doPost(ctx, endpoint, payload, out)
		if err != nil {
			status = "error"
		}
		metrics.RecordAnalysisCallLatency(endpoint, status, time.Since(start))
		return err
	})
}

func (c *Client) doPost(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}
	if c.secret != "" {
		bearer, err := util.GenerateServiceJWT("analysis", c.secret)
		if err != nil {
			return fmt.Errorf("failed to sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
