// Package imageflow implements the client for the asynchronous image
// generation/editing workflow API. The protocol is submit-then-poll: a POST
// to the workflow endpoint returns a request id, and the result endpoint is
// polled with that id until the job reaches a terminal status or the
// attempt budget runs out.
package imageflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Mode selects between generating a new image and editing a supplied one.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeEdit     Mode = "edit"
)

// ErrMissingSourceImage is returned when edit mode is invoked without a
// source image. The response generator checks this precondition before
// calling Run, so hitting it means a caller bug, not a backend condition.
var ErrMissingSourceImage = errors.New("imageflow: edit mode requires a source image")

// ErrTimeout is returned when the poll budget is exhausted without the job
// reaching a terminal status.
var ErrTimeout = errors.New("imageflow: polling timed out")

// Config holds the workflow endpoint and polling policy.
type Config struct {
	// BaseURL is the workflow submission endpoint. The result endpoint is
	// derived from it (BaseURL + "/get_result").
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token. Usually resolved from keyring/env.
	APIKey string `yaml:"api_key"`

	// PollInterval is the pause between result polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPolls caps the number of result polls per job.
	MaxPolls int `yaml:"max_polls"`
}

// DefaultConfig returns the polling policy used in production: one poll per
// second with a 60-attempt budget.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.fireworks.ai/inference/v1/workflows/accounts/fireworks/models/flux-kontext-pro",
		PollInterval: time.Second,
		MaxPolls:     60,
	}
}

// Client talks to the image workflow backend.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a workflow client. Zero polling fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 60
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "imageflow"),
	}
}

// submitRequest is the workflow submission payload.
type submitRequest struct {
	Prompt     string `json:"prompt"`
	InputImage string `json:"input_image,omitempty"`
}

// submitResponse carries the request id assigned by the backend.
type submitResponse struct {
	RequestID string `json:"request_id"`
}

// pollRequest identifies the job on the result endpoint.
type pollRequest struct {
	ID string `json:"id"`
}

// pollResponse is the result endpoint payload. Status values outside the
// terminal sets mean the job is still in progress.
type pollResponse struct {
	Status string `json:"status"`
	Result *struct {
		Sample string `json:"sample"`
	} `json:"result"`
	Details string `json:"details"`
}

// Run submits a job and polls until it completes. The returned string is
// either a URL or opaque image data — the caller must handle both shapes.
// Edit mode without a source image is a contract violation and fails
// immediately with ErrMissingSourceImage.
func (c *Client) Run(ctx context.Context, mode Mode, prompt, sourceImage string) (string, error) {
	if mode == ModeEdit && sourceImage == "" {
		return "", ErrMissingSourceImage
	}

	requestID, err := c.submit(ctx, mode, prompt, sourceImage)
	if err != nil {
		return "", err
	}

	c.logger.Info("workflow job submitted", "mode", mode, "request_id", requestID)

	return c.poll(ctx, requestID)
}

// submit posts the job and extracts the request id. A response without an
// id is a submission failure; there is no retry.
func (c *Client) submit(ctx context.Context, mode Mode, prompt, sourceImage string) (string, error) {
	payload := submitRequest{Prompt: prompt}
	if mode == ModeEdit {
		payload.InputImage = "data:image/jpeg;base64," + sourceImage
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building submission request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submission returned %d: %s", resp.StatusCode, raw)
	}

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("decoding submission response: %w", err)
	}
	if sub.RequestID == "" {
		return "", errors.New("submission response missing request_id")
	}

	return sub.RequestID, nil
}

// poll queries the result endpoint on a fixed interval until a terminal
// status appears or the attempt budget is exhausted. Non-2xx polls are
// skipped, not fatal — the next interval tries again.
func (c *Client) poll(ctx context.Context, requestID string) (string, error) {
	endpoint := c.cfg.BaseURL + "/get_result"

	for attempt := 0; attempt < c.cfg.MaxPolls; attempt++ {
		select {
		case <-time.After(c.cfg.PollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		result, err := c.pollOnce(ctx, endpoint, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Debug("poll attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		switch result.Status {
		case "Ready", "Complete", "Finished":
			if result.Result == nil || result.Result.Sample == "" {
				c.logger.Warn("terminal status without payload", "status", result.Status)
				continue
			}
			return result.Result.Sample, nil

		case "Failed", "Error":
			return "", fmt.Errorf("workflow failed: %s", result.Details)
		}
		// Any other status means still in progress.
	}

	return "", ErrTimeout
}

// pollOnce performs a single result query.
func (c *Client) pollOnce(ctx context.Context, endpoint, requestID string) (*pollResponse, error) {
	body, err := json.Marshal(pollRequest{ID: requestID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll returned %d", resp.StatusCode)
	}

	var result pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	return &result, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}
