// Package queue is a thin HTTP client for the external message queue
// service. It exposes the four verbs the system needs (pull, ack, retry,
// send), decodes the service's base64-or-plain JSON body envelope, and
// applies backoff when the service rate-limits.
package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL targets the hosted queue API. Tests point this at an
// httptest server.
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

const (
	MinBatchSize = 1
	MaxBatchSize = 100

	MinVisibility = 1 * time.Second
	MaxVisibility = 43_200 * time.Second
)

// ErrRateLimited is returned by Send once the 429 backoff budget is
// exhausted.
var ErrRateLimited = errors.New("queue: rate limited")

// Config wires a Client.
type Config struct {
	BaseURL   string
	AccountID string
	Token     string

	// RateLimit caps outbound requests per second. Zero selects the
	// default of 20 rps (burst 40).
	RateLimit float64

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the queue service. It is safe for concurrent use.
type Client struct {
	base    string
	account string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		account: cfg.AccountID,
		token:   cfg.Token,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)*2),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Message is one leased message from a pull. Body is nil and DecodeErr is
// set when the transported body could not be decoded; such messages must
// still be acked to drain the poison.
type Message struct {
	LeaseID   string
	Body      map[string]any
	Attempts  int
	DecodeErr error
}

// RetryEntry schedules one leased message for redelivery.
type RetryEntry struct {
	LeaseID string
	Delay   time.Duration
}

func (c *Client) messagesURL(queueID string) string {
	return fmt.Sprintf("%s/accounts/%s/queues/%s/messages", c.base, c.account, queueID)
}

// Pull leases up to batchSize messages with the given visibility window.
func (c *Client) Pull(ctx context.Context, queueID string, batchSize int, visibility time.Duration) ([]Message, error) {
	if batchSize < MinBatchSize || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("queue: batch size %d out of range [%d, %d]", batchSize, MinBatchSize, MaxBatchSize)
	}
	if visibility < MinVisibility || visibility > MaxVisibility {
		return nil, fmt.Errorf("queue: visibility %s out of range [%s, %s]", visibility, MinVisibility, MaxVisibility)
	}

	payload := map[string]any{
		"batch_size":            batchSize,
		"visibility_timeout_ms": visibility.Milliseconds(),
	}
	var resp pullResponse
	if err := c.post(ctx, c.messagesURL(queueID)+"/pull", payload, &resp); err != nil {
		return nil, err
	}

	raw := resp.messages()
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		if m.LeaseID == "" {
			continue
		}
		msg := Message{LeaseID: m.LeaseID, Attempts: m.Attempts}
		msg.Body, msg.DecodeErr = decodeBody(m.Body, m.ContentType)
		out = append(out, msg)
	}
	return out, nil
}

// Ack acknowledges the given leases. Lease ids that fail inside a batch
// request are retried one at a time.
func (c *Client) Ack(ctx context.Context, queueID string, leaseIDs []string) error {
	return c.ackRetry(ctx, queueID, leaseIDs, nil)
}

// Retry schedules the given leases for redelivery after delay.
func (c *Client) Retry(ctx context.Context, queueID string, leaseIDs []string, delay time.Duration) error {
	entries := make([]RetryEntry, 0, len(leaseIDs))
	for _, id := range leaseIDs {
		entries = append(entries, RetryEntry{LeaseID: id, Delay: delay})
	}
	return c.ackRetry(ctx, queueID, nil, entries)
}

// AckRetry combines acknowledgements and redeliveries in one request, the
// way the service's ack endpoint accepts them.
func (c *Client) AckRetry(ctx context.Context, queueID string, acks []string, retries []RetryEntry) error {
	return c.ackRetry(ctx, queueID, acks, retries)
}

func (c *Client) ackRetry(ctx context.Context, queueID string, acks []string, retries []RetryEntry) error {
	if len(acks) == 0 && len(retries) == 0 {
		return nil
	}
	err := c.postAckRetry(ctx, queueID, acks, retries)
	if err == nil || ctx.Err() != nil {
		return err
	}

	// Batch failed; fall back to per-id requests so one bad lease cannot
	// wedge the rest.
	var firstErr error
	for _, id := range acks {
		if e := c.postAckRetry(ctx, queueID, []string{id}, nil); e != nil && firstErr == nil {
			firstErr = e
		}
	}
	for _, r := range retries {
		if e := c.postAckRetry(ctx, queueID, nil, []RetryEntry{r}); e != nil && firstErr == nil {
			firstErr = e
		}
	}
	if firstErr != nil {
		return fmt.Errorf("queue: ack/retry: %w", firstErr)
	}
	return nil
}

func (c *Client) postAckRetry(ctx context.Context, queueID string, acks []string, retries []RetryEntry) error {
	ackList := make([]map[string]any, 0, len(acks))
	for _, id := range acks {
		ackList = append(ackList, map[string]any{"lease_id": id})
	}
	retryList := make([]map[string]any, 0, len(retries))
	for _, r := range retries {
		retryList = append(retryList, map[string]any{
			"lease_id":      r.LeaseID,
			"delay_seconds": int(r.Delay.Seconds()),
		})
	}
	payload := map[string]any{"acks": ackList, "retries": retryList}
	return c.post(ctx, c.messagesURL(queueID)+"/ack", payload, nil)
}

// Send enqueues one message body. On HTTP 429 it backs off with full
// jitter (base 100 ms, cap 2 s) for up to 5 attempts, then reports
// ErrRateLimited.
func (c *Client) Send(ctx context.Context, queueID string, body any) error {
	payload := map[string]any{"body": body}
	var lastErr error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		err := c.post(ctx, c.messagesURL(queueID), payload, nil)
		if err == nil {
			return nil
		}
		if !isRateLimited(err) {
			return err
		}
		lastErr = err
		if attempt == sendMaxAttempts {
			break
		}
		delay := fullJitter(attempt)
		c.logger.Warn("queue send rate limited",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrRateLimited, lastErr)
}

// statusError carries the HTTP status of a failed queue call.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("queue: HTTP %d: %s", e.Status, e.Body)
}

// IsTransport reports whether err came from talking to the queue service
// (HTTP failure, unreachable host, or exhausted rate-limit budget).
func IsTransport(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, ErrRateLimited)
}

func isRateLimited(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests ||
			strings.Contains(se.Body, "Too Many Requests")
	}
	return false
}

func (c *Client) post(ctx context.Context, url string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("queue: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("queue: parse response: %w", err)
	}
	return nil
}

// pullResponse tolerates both result envelope shapes the service emits:
// {"result": {"messages": [...]}} and {"result": [...]}.
type pullResponse struct {
	Result json.RawMessage `json:"result"`
}

type wireMessage struct {
	LeaseID     string          `json:"lease_id"`
	Body        json.RawMessage `json:"body"`
	Attempts    int             `json:"attempts"`
	ContentType string          `json:"content_type"`
}

func (r *pullResponse) messages() []wireMessage {
	if len(r.Result) == 0 {
		return nil
	}
	var envelope struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := json.Unmarshal(r.Result, &envelope); err == nil && envelope.Messages != nil {
		return envelope.Messages
	}
	var list []wireMessage
	if err := json.Unmarshal(r.Result, &list); err == nil {
		return list
	}
	return nil
}

// decodeBody resolves the transported body into a JSON object. String
// bodies are tried as base64-encoded JSON first, then as plain JSON,
// matching what the service does to json-content messages on pull.
func decodeBody(raw json.RawMessage, contentType string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unsupported body shape: %s", snippet(raw))
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "text" {
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil, fmt.Errorf("text body is not a JSON object: %s", snippet([]byte(s)))
		}
		return obj, nil
	}
	if ct == "bytes" {
		return nil, errors.New("bytes body unsupported; expected JSON content")
	}

	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		if err := json.Unmarshal(decoded, &obj); err == nil {
			return obj, nil
		}
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj, nil
	}
	return nil, fmt.Errorf("undecodable message body: %s", snippet([]byte(s)))
}

func snippet(b []byte) string {
	const max = 120
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
