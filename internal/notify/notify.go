// Package notify delivers security alerts to an external webhook endpoint.
//
// Revocations and step-up escalations are pushed to the configured URL as
// signed JSON payloads so an operator's SIEM or pager can react without
// polling the risk event log. Delivery is asynchronous and best effort:
// alerts never block or fail the request that triggered them.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sessionguard/sessionguard/internal/circuitbreaker"
	"github.com/sessionguard/sessionguard/internal/idgen"
	"github.com/sessionguard/sessionguard/internal/metrics"
	"github.com/sessionguard/sessionguard/internal/retry"
)

// AlertType names the class of security event carried by an alert.
type AlertType string

const (
	AlertSessionRevoked AlertType = "session.revoked"
	AlertStepUpRequired AlertType = "session.step_up_required"
	AlertStepUpFailed   AlertType = "session.step_up_failed"
)

// Alert is the payload posted to the webhook endpoint.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId,omitempty"`
	Score     int            `json:"score"`
	Reasons   []string       `json:"reasons,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	deliveryTimeout    = 30 * time.Second

	// breakerKey identifies the single webhook endpoint in the circuit
	// breaker. One Notifier, one endpoint, one circuit.
	breakerKey = "alert_webhook"

	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
)

// Notifier posts alerts to a single configured endpoint. A nil Notifier is
// valid and drops everything, so callers never need to branch on whether
// alerting is configured.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
	breaker     *circuitbreaker.Breaker

	wg sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the HTTP client (for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithRetry overrides the delivery retry policy.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(n *Notifier) {
		n.maxAttempts = maxAttempts
		n.baseDelay = baseDelay
	}
}

// New creates a Notifier. Returns nil when url is empty; the nil Notifier
// is safe to call and does nothing.
func New(url, secret string, logger *slog.Logger, opts ...Option) *Notifier {
	if url == "" {
		return nil
	}
	n := &Notifier{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		breaker:     circuitbreaker.New(breakerThreshold, breakerOpenDuration),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SessionRevoked emits a session.revoked alert.
func (n *Notifier) SessionRevoked(sessionID, userID string, score int, reasons []string) {
	n.emit(&Alert{
		Type:      AlertSessionRevoked,
		SessionID: sessionID,
		UserID:    userID,
		Score:     score,
		Reasons:   reasons,
	})
}

// StepUpRequired emits a session.step_up_required alert.
func (n *Notifier) StepUpRequired(sessionID, userID string, score int, reasons []string) {
	n.emit(&Alert{
		Type:      AlertStepUpRequired,
		SessionID: sessionID,
		UserID:    userID,
		Score:     score,
		Reasons:   reasons,
	})
}

// StepUpFailed emits a session.step_up_failed alert.
func (n *Notifier) StepUpFailed(sessionID, userID string) {
	n.emit(&Alert{
		Type:      AlertStepUpFailed,
		SessionID: sessionID,
		UserID:    userID,
	})
}

// emit delivers asynchronously with retry. Errors are logged, never returned.
func (n *Notifier) emit(alert *Alert) {
	if n == nil {
		return
	}
	alert.ID = idgen.WithPrefix("alert_")
	alert.Timestamp = time.Now()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		// An open circuit means the endpoint has been failing repeatedly;
		// drop the alert instead of burning retries against a dead target.
		if !n.breaker.Allow(breakerKey) {
			metrics.AlertDeliveriesTotal.WithLabelValues("dropped").Inc()
			n.logger.Warn("alert dropped, webhook circuit open",
				"alert_id", alert.ID, "type", alert.Type)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := n.deliver(ctx, alert); err != nil {
			n.breaker.RecordFailure(breakerKey)
			metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
			n.logger.Warn("alert delivery failed",
				"alert_id", alert.ID, "type", alert.Type, "error", err)
			return
		}
		n.breaker.RecordSuccess(breakerKey)
		metrics.AlertDeliveriesTotal.WithLabelValues("delivered").Inc()
	}()
}

func (n *Notifier) deliver(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	return retry.Do(ctx, n.maxAttempts, n.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-SessionGuard-Alert", string(alert.Type))
		req.Header.Set("X-SessionGuard-Timestamp", fmt.Sprintf("%d", alert.Timestamp.Unix()))
		if n.secret != "" {
			req.Header.Set("X-SessionGuard-Signature", Sign(payload, n.secret))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The receiver rejected the payload; retrying will not help.
			return retry.Permanent(fmt.Errorf("alert rejected: status %d", resp.StatusCode))
		default:
			return fmt.Errorf("alert delivery: status %d", resp.StatusCode)
		}
	})
}

// Flush blocks until all in-flight deliveries complete. Called on shutdown.
func (n *Notifier) Flush() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// Sign computes the hex HMAC-SHA256 of payload. Receivers verify alerts by
// recomputing it with the shared secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
