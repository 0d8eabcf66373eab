// Package learner talks to the remote learning service.
package learner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/selfopt/internal/config"
	"github.com/yourorg/selfopt/pkg/types"
)

// StatusError is a non-2xx answer from the learner.
type StatusError struct {
	Code int
	Body string

	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("learner error status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client is a JSON-over-HTTP client for the learning service.
type Client struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient builds a client from the learner config section.
func NewClient(cfg config.LearnerConfig, logger *zap.Logger) *Client {
	return &Client{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Logger:     logger,
	}
}

var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RequestImprovement asks for a directive for a degraded endpoint. The
// learner answers with at most one directive.
func (c *Client) RequestImprovement(ctx context.Context, req ImprovementRequest) ([]types.Directive, error) {
	var resp ImprovementResponse
	if err := c.post(ctx, ImprovePath, req, &resp, c.MaxRetries); err != nil {
		return nil, err
	}
	if resp.ImprovementsApplied == nil {
		return nil, nil
	}
	return c.decode([]types.RawDirective{*resp.ImprovementsApplied}), nil
}

// SubmitLearning sends one batch and returns the directives the learner answered with.
func (c *Client) SubmitLearning(ctx context.Context, sub LearningSubmission) ([]types.Directive, error) {
	var resp LearningResponse
	if err := c.post(ctx, LearnPath, sub, &resp, c.MaxRetries); err != nil {
		return nil, err
	}
	return c.decode(resp.Improvements), nil
}

// SendFeedback posts a feedback record once; the response body is ignored.
func (c *Client) SendFeedback(ctx context.Context, fb types.Feedback) error {
	return c.post(ctx, FeedbackPath, fb, nil, 0)
}

// decode keeps every directive in order; a malformed config is logged and
// passed on as a MalformedDirective so the applier skips it.
func (c *Client) decode(raws []types.RawDirective) []types.Directive {
	out := make([]types.Directive, 0, len(raws))
	for _, r := range raws {
		d, err := types.DecodeDirective(r)
		if err != nil {
			c.logger().Warn("malformed directive", zap.String("type", r.Type), zap.Error(err))
			d = types.MalformedDirective{Type: r.Type, Config: r.Config, Err: err}
		}
		out = append(out, d)
	}
	return out
}

// post sends in as JSON, retrying transient failures up to retries times.
func (c *Client) post(ctx context.Context, path string, in, out any, retries int) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	log := c.logger()
	log.Debug("learner request", zap.String("url", endpoint), zap.Int("bytes", len(body)))

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt - 1)
			var se *StatusError
			if errors.As(lastErr, &se) && se.Code == http.StatusTooManyRequests && se.retryAfter > 0 {
				wait = se.retryAfter
			}
			if err := sleepFn(ctx, wait); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					se.retryAfter = time.Duration(secs) * time.Second
				}
			}
			if !se.Retryable() {
				return se
			}
			lastErr = se
			continue
		}

		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode learner response: %w", err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("learner request failed")
	}
	return lastErr
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Second << attempt
}
