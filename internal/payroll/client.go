// Package payroll is the outbound client for the payroll verification
// provider. It creates beneficiary invitations and translates every failure
// into a *GatewayError.
package payroll

import (
	"bytes"
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

	"github.com/sony/gobreaker"
)

const (
	opCreateInvitation = "create invitation"

	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	maxMessageBytes  = 512
)

// Supported invitation languages.
const (
	LanguageEnglish = "en"
	LanguageSpanish = "es"
)

// BreakerSettings tunes the circuit breaker around provider calls.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // default 30s
	HTTPClient *http.Client  // optional; Timeout is applied when nil
	Breaker    BreakerSettings
	Logger     *slog.Logger
}

// InvitationRequest carries the beneficiary and activity details sent to the
// provider as agency partner metadata.
type InvitationRequest struct {
	CaseNumber   string
	FirstName    string
	LastName     string
	DateOfBirth  string // YYYY-MM-DD
	EmployerName string
	ActivityDate string // YYYY-MM-DD
	Extra        map[string]string
	Language     string // "en" (default) or "es"
}

// Invitation is the provider's response to an invitation request.
type Invitation struct {
	TokenizedURL   string         `json:"tokenized_url"`
	ExpirationDate string         `json:"expiration_date"`
	Language       string         `json:"language"`
	Metadata       map[string]any `json:"agency_partner_metadata"`
}

// Token returns the last path segment of the tokenized URL.
func (i *Invitation) Token() string {
	raw := i.TokenizedURL
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	raw = strings.TrimRight(raw, "/")
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		return raw[idx+1:]
	}
	return raw
}

type invitationBody struct {
	AgencyPartnerMetadata map[string]string `json:"agency_partner_metadata"`
	Language              string            `json:"language,omitempty"`
}

// Client calls the verification provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bs := cfg.Breaker
	if bs.MaxRequests == 0 {
		bs.MaxRequests = 5
	}
	if bs.FailureRatio <= 0 {
		bs.FailureRatio = 0.7
	}

	const breakerName = "payroll-provider"
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bs.MaxRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= bs.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("payroll circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
	})
	breakerState.WithLabelValues(breakerName).Set(float64(gobreaker.StateClosed))

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

// CreateInvitation asks the provider for a tokenized verification URL.
// No retries are attempted.
func (c *Client) CreateInvitation(ctx context.Context, req InvitationRequest) (*Invitation, error) {
	lang := req.Language
	if lang == "" {
		lang = LanguageEnglish
	}
	if lang != LanguageEnglish && lang != LanguageSpanish {
		return nil, &GatewayError{
			Op:      opCreateInvitation,
			Message: fmt.Sprintf("language %q not supported", lang),
			Err:     ErrUnsupportedLanguage,
		}
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.createInvitation(ctx, req, lang)
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			recordRequest(opCreateInvitation, "breaker_open", elapsed)
			return nil, &GatewayError{
				Op:      opCreateInvitation,
				Message: "verification provider temporarily unavailable",
				Err:     err,
			}
		}
		recordRequest(opCreateInvitation, "error", elapsed)
		c.logger.Error("payroll invitation failed", "error", err, "case_number", req.CaseNumber)
		return nil, err
	}

	recordRequest(opCreateInvitation, "ok", elapsed)
	return result.(*Invitation), nil
}

func (c *Client) createInvitation(ctx context.Context, req InvitationRequest, lang string) (*Invitation, error) {
	metadata := make(map[string]string, len(req.Extra)+6)
	for k, v := range req.Extra {
		metadata[k] = v
	}
	metadata["case_number"] = req.CaseNumber
	metadata["first_name"] = req.FirstName
	metadata["last_name"] = req.LastName
	metadata["date_of_birth"] = req.DateOfBirth
	metadata["employer_name"] = req.EmployerName
	metadata["activity_date"] = req.ActivityDate

	payload, err := json.Marshal(invitationBody{AgencyPartnerMetadata: metadata, Language: lang})
	if err != nil {
		return nil, &GatewayError{Op: opCreateInvitation, Message: "encoding request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/invitations", bytes.NewReader(payload))
	if err != nil {
		return nil, &GatewayError{Op: opCreateInvitation, Message: "building request", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &GatewayError{Op: opCreateInvitation, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &GatewayError{Op: opCreateInvitation, StatusCode: resp.StatusCode, Message: "reading response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{
			Op:         opCreateInvitation,
			StatusCode: resp.StatusCode,
			Message:    upstreamMessage(resp.StatusCode, body),
		}
	}

	var inv Invitation
	if err := json.Unmarshal(body, &inv); err != nil {
		return nil, &GatewayError{Op: opCreateInvitation, StatusCode: resp.StatusCode, Message: "decoding response", Err: err}
	}
	if inv.TokenizedURL == "" {
		return nil, &GatewayError{Op: opCreateInvitation, StatusCode: resp.StatusCode, Message: "response missing tokenized_url"}
	}
	return &inv, nil
}

// upstreamMessage extracts a human-readable error from a provider response.
func upstreamMessage(status int, body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if s, ok := parsed.Error.(string); ok && s != "" {
			return s
		}
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		if len(trimmed) > maxMessageBytes {
			trimmed = trimmed[:maxMessageBytes]
		}
		return trimmed
	}
	return http.StatusText(status)
}
