package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codeready-toolchain/relay/pkg/config"
)

// Client talks to a sandbox controller over its JSON HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client from sandbox settings. The API key is read
// from the configured environment variable.
func NewClient(cfg *config.SandboxConfig) *Client {
	return NewClientWithBaseURL(cfg.BaseURL, os.Getenv(cfg.APIKeyEnv), cfg.RequestTimeout)
}

// NewClientWithBaseURL creates a client against an explicit endpoint.
// Useful for testing with a mock server.
func NewClientWithBaseURL(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "sandbox-client"),
	}
}

// Create implements Service.
func (c *Client) Create(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodPost, "/sandboxes", &info); err != nil {
		return nil, fmt.Errorf("sandbox create failed: %w", err)
	}
	c.logger.Info("Sandbox created", "sandbox_id", info.ID)
	return &info, nil
}

// Attach implements Service.
func (c *Client) Attach(ctx context.Context, sandboxID string) (*Info, error) {
	var info Info
	err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/attach", &info)
	if err != nil {
		if errors404(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sandbox attach failed: %w", err)
	}
	return &info, nil
}

// Checkpoint implements Service.
func (c *Client) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	var resp struct {
		CheckpointID string `json:"checkpoint_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/checkpoints", &resp); err != nil {
		return "", fmt.Errorf("sandbox checkpoint failed: %w", err)
	}
	return resp.CheckpointID, nil
}

// Delete implements Service. A 404 from the provider counts as success.
func (c *Client) Delete(ctx context.Context, sandboxID string) error {
	err := c.do(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil)
	if err != nil && !errors404(err) {
		return fmt.Errorf("sandbox delete failed: %w", err)
	}
	return nil
}

// List implements Service.
func (c *Client) List(ctx context.Context) ([]Info, error) {
	var resp struct {
		Sandboxes []Info `json:"sandboxes"`
	}
	if err := c.do(ctx, http.MethodGet, "/sandboxes", &resp); err != nil {
		return nil, fmt.Errorf("sandbox list failed: %w", err)
	}
	return resp.Sandboxes, nil
}

// statusError carries a non-2xx provider response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("provider returned status %d", e.status)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.status, e.body)
}

func errors404(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
