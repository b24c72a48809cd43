// Package crm talks to the CRM backend: session validation on the request path and
// call lifecycle events off it.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

type Config struct {
	BaseURL      string
	ValidatePath string
	EventPath    string
	Timeout      time.Duration
	// Secret signs request bodies when set.
	Secret string

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is the resty-backed CRM client. Validation and event delivery sit behind separate
// circuit breakers so a failing event endpoint never blocks authenticate.
type Client struct {
	cfg             Config
	http            *resty.Client
	validateBreaker *gobreaker.CircuitBreaker
	eventBreaker    *gobreaker.CircuitBreaker
	logger          zerolog.Logger
}

var _ core.SessionValidator = (*Client)(nil)

// errRejected marks 4xx answers; they are a verdict, not an outage.
var errRejected = errors.New("rejected by crm")

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := log.With().Str("component", "crm").Logger()
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", "VoiceBridge/1.0").
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	return &Client{
		cfg:             cfg,
		http:            httpClient,
		validateBreaker: newBreaker("crm-validate", cfg, logger),
		eventBreaker:    newBreaker("crm-event", cfg, logger),
		logger:          logger,
	}
}

func newBreaker(name string, cfg Config, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

func (c *Client) BaseURL() string { return c.cfg.BaseURL }

type validateRequest struct {
	SessionToken string `json:"session_token"`
	UserID       string `json:"user_id"`
}

// validateResponse accepts both {"valid": true} and Frappe's {"message": {"valid": true}}.
type validateResponse struct {
	Valid   *bool           `json:"valid"`
	Message json.RawMessage `json:"message"`
}

func (r validateResponse) valid() bool {
	if r.Valid != nil {
		return *r.Valid
	}
	if len(r.Message) == 0 {
		return false
	}
	var inner struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(r.Message, &inner); err != nil {
		return false
	}
	return inner.Valid
}

// Validate asks the CRM whether sessionToken belongs to userID. A 4xx answer means invalid;
// transport errors, 5xx and an open breaker return ErrUpstreamUnavailable.
func (c *Client) Validate(ctx context.Context, sessionToken string, userID domain.UserID) (bool, error) {
	var resp validateResponse
	err := c.post(ctx, c.validateBreaker, "validate", c.cfg.ValidatePath, validateRequest{
		SessionToken: sessionToken,
		UserID:       string(userID),
	}, &resp)
	if errors.Is(err, errRejected) {
		c.logger.Info().Err(err).Str("user", string(userID)).Msg("session rejected")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.valid(), nil
}

// PostEvent delivers one call event. The response body is ignored.
func (c *Client) PostEvent(ctx context.Context, payload EventPayload) error {
	err := c.post(ctx, c.eventBreaker, "event", c.cfg.EventPath, payload, nil)
	if errors.Is(err, errRejected) {
		return fmt.Errorf("event %s: %w", payload.EventID, err)
	}
	return err
}

func (c *Client) post(ctx context.Context, breaker *gobreaker.CircuitBreaker, operation, path string, body, result any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("crm %s: encode body: %w", operation, err)
	}

	start := time.Now()
	_, err = breaker.Execute(func() (interface{}, error) {
		req := c.http.R().
			SetContext(ctx).
			SetBody(raw)
		if c.cfg.Secret != "" {
			req.SetHeader(SignatureHeader, Sign(c.cfg.Secret, raw))
		}
		if result != nil {
			req.SetResult(result)
		}
		httpResp, err := req.Post(path)
		if err != nil {
			return nil, fmt.Errorf("crm %s request failed: %w", operation, err)
		}
		if httpResp.StatusCode() >= 500 {
			return nil, fmt.Errorf("crm %s error (%d): %s", operation, httpResp.StatusCode(), httpResp.String())
		}
		if httpResp.IsError() {
			return nil, fmt.Errorf("crm %s (%d): %w", operation, httpResp.StatusCode(), errRejected)
		}
		return nil, nil
	})

	status := "ok"
	switch {
	case errors.Is(err, errRejected):
		status = "rejected"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "breaker_open"
	case err != nil:
		status = "error"
	}
	metrics.RecordCRMRequest(operation, status, time.Since(start).Seconds())

	if err == nil || errors.Is(err, errRejected) {
		return err
	}
	c.logger.Warn().Err(err).Str("operation", operation).Str("path", path).Msg("crm unavailable")
	return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
}
