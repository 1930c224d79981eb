// Package webhook delivers best-effort task completion notifications.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/VladPil/llm-gateway/logger"
)

const defaultTimeout = 30 * time.Second

// Payload is the JSON body POSTed to the webhook URL on terminal transition.
type Payload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// Sender posts terminal task notifications with bounded exponential retry.
// Delivery is best-effort; a failed delivery never fails the task.
type Sender struct {
	client          *http.Client
	maxRetries      int
	initialInterval time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithInitialInterval overrides the first retry delay.
func WithInitialInterval(d time.Duration) Option {
	return func(s *Sender) { s.initialInterval = d }
}

// NewSender creates a sender. maxRetries is the number of retries after the
// first attempt.
func NewSender(timeout time.Duration, maxRetries int, opts ...Option) *Sender {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	s := &Sender{
		client:          &http.Client{Timeout: timeout},
		maxRetries:      maxRetries,
		initialInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers the payload to url, retrying transport errors and non-2xx
// responses with 2^attempt-second backoff. The returned error is for logging
// and metrics only.
func (s *Sender) Send(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 5 * time.Minute

	attempts := 0
	operation := func() error {
		attempts++
		if err := s.post(ctx, url, body); err != nil {
			logger.Warn("webhook delivery attempt failed",
				"task_id", payload.TaskID, "url", url, "attempt", attempts, "error", err)
			return err
		}
		return nil
	}

	retryPolicy := backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx)
	if err := backoff.Retry(operation, retryPolicy); err != nil {
		logger.Error("webhook delivery failed permanently",
			"task_id", payload.TaskID, "url", url, "attempts", attempts, "error", err)
		return err
	}

	logger.Info("webhook delivered", "task_id", payload.TaskID, "status", payload.Status, "attempts", attempts)
	return nil
}

func (s *Sender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
