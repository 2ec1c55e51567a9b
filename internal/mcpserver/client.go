package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the configuration for connecting to a Sigil service.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for deployments behind a gateway
}

// SigilClient is a pure HTTP client for the Sigil API.
type SigilClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSigilClient creates a new client for the Sigil service.
func NewSigilClient(cfg Config) *SigilClient {
	return &SigilClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP GET to the service and returns the response body.
func (c *SigilClient) doRequest(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetAccount returns the account record for an address.
func (c *SigilClient) GetAccount(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/accounts/"+address)
}

// GetRecoveryStatus returns the passkey roster and recovery eligibility.
func (c *SigilClient) GetRecoveryStatus(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/accounts/"+address+"/recovery")
}

// GetHealth returns the service health report.
func (c *SigilClient) GetHealth(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/health")
}
