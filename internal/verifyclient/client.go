// Package verifyclient talks to the engagement API as an authenticated
// caseworker: starting verification and watching it until it settles.
package verifyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/civicworks/engage/internal/engagement"
)

// DefaultPollInterval matches the cadence of the caseworker UI.
const DefaultPollInterval = 5 * time.Second

const maxResponseBytes = 1 << 20

// APIError is a non-2xx response from the engagement API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engage api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("engage api: %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed. An
// unconfigured integration stays unconfigured until a restart.
func (e *APIError) Temporary() bool {
	if e.Code == "SERVICE_UNAVAILABLE" {
		return false
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client calls the engagement API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.httpClient = c } }

func WithLogger(l *slog.Logger) Option { return func(cl *Client) { cl.logger = l } }

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding response: %w", decodeErr)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

// GetStatus fetches an activity's verification snapshot.
func (c *Client) GetStatus(ctx context.Context, activityID string) (*engagement.StatusSnapshot, error) {
	var snap engagement.StatusSnapshot
	path := "/api/v1/engagements/activities/" + url.PathEscape(activityID) + "/verification-status"
	if err := c.do(ctx, http.MethodGet, path, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Initiate starts verification and returns the URL to hand to the beneficiary.
func (c *Client) Initiate(ctx context.Context, activityID string) (*engagement.InitiatedVerification, error) {
	var out engagement.InitiatedVerification
	path := "/api/v1/engagements/activities/" + url.PathEscape(activityID) + "/verify"
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollStatus fetches the snapshot every interval until the status leaves
// pending, calling onChange each time the status differs from the last one
// seen (including the first). Transient failures are logged and retried on
// the next tick; other API errors end polling. It returns the final snapshot,
// or ctx's error once ctx is done.
func (c *Client) PollStatus(ctx context.Context, activityID string, interval time.Duration, onChange func(engagement.StatusSnapshot)) (*engagement.StatusSnapshot, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last engagement.Status
	for {
		snap, err := c.GetStatus(ctx, activityID)
		switch {
		case err == nil:
			if snap.VerificationStatus != last {
				last = snap.VerificationStatus
				if onChange != nil {
					onChange(*snap)
				}
			}
			if snap.VerificationStatus.Terminal() {
				return snap, nil
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isTransient(err):
			c.logger.Warn("status poll failed, retrying", "activity_id", activityID, "error", err)
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// Transport and decode failures.
	return true
}
