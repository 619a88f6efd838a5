package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HttpClient talks to a remote analysis engine over its /analyze endpoint.
// The engine receives the artifact path plus the fab profile and returns the
// full result payload once the run finishes.
type HttpClient struct {
	endpoint string
	client   *http.Client
}

func NewHttpClient(endpoint string) *HttpClient {
	return &HttpClient{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

func (c *HttpClient) Analyze(ctx context.Context, req Request) (Result, error) {
	fullEndpoint, err := url.JoinPath(c.endpoint, "analyze")
	if err != nil {
		return Result{}, fmt.Errorf("error formatting engine url: %w", err)
	}

	body := new(bytes.Buffer)
	if err := json.NewEncoder(body).Encode(req); err != nil {
		return Result{}, fmt.Errorf("error encoding engine request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", fullEndpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("error creating engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()

	res, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("error sending request to analysis engine: %w", err)
	}
	defer res.Body.Close()

	slog.Info("analysis engine request complete", "analysis_id", req.AnalysisId, "status", res.StatusCode, "duration", time.Since(start).String())

	if res.StatusCode != http.StatusOK {
		content, err := io.ReadAll(res.Body)
		if err != nil {
			return Result{}, fmt.Errorf("analysis engine returned status %d", res.StatusCode)
		}
		return Result{}, fmt.Errorf("analysis engine returned status %d: %v", res.StatusCode, string(content))
	}

	var result Result
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("error parsing analysis engine response: %w", err)
	}

	return result, nil
}
