// ABOUTME: Asynchronous delivery of user events to the processing backend
// ABOUTME: One shared HTTP client; every failed delivery becomes a single ERROR broadcast

package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/store"
)

// ErrClosed is logged for forwards attempted after Close.
var ErrClosed = errors.New("forwarder closed")

// maxDrainBytes bounds how much of a response body is read before closing it.
const maxDrainBytes = 64 << 10

// Reporter receives failure notices for live subscribers.
type Reporter interface {
	Publish(p conversation.Payload)
}

// Observer receives one call per completed delivery.
type Observer interface {
	ForwardCompleted(outcome string, elapsed time.Duration)
}

// Delivery outcomes passed to Observer.
const (
	OutcomeOK      = "ok"
	OutcomeStatus  = "bad_status"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Config holds the backend endpoint settings.
type Config struct {
	Endpoint string
	ClientID string
	Timeout  time.Duration
}

// Client posts events to the backend without blocking the caller.
type Client struct {
	endpoint string
	clientID string
	timeout  time.Duration
	http     *http.Client
	reporter Reporter
	observer Observer
	logger   *slog.Logger

	// ctx is cancelled when Close gives up waiting for in-flight deliveries
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithTransport replaces the HTTP transport, for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// New creates a forwarding client. Pass nil logger for default.
func New(cfg Config, reporter Reporter, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		endpoint: cfg.Endpoint,
		clientID: cfg.ClientID,
		timeout:  cfg.Timeout,
		http:     &http.Client{Timeout: cfg.Timeout},
		reporter: reporter,
		logger:   logger.With("component", "forwarder"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Forward sends p to the backend in the background and returns immediately.
func (c *Client) Forward(p conversation.Payload) {
	body := maps.Clone(p)
	if body == nil {
		body = conversation.Payload{}
	}
	body["client_id"] = c.clientID

	data, err := json.Marshal(body)
	if err != nil {
		c.fail(OutcomeError, 0, fmt.Sprintf("encoding event for backend: %v", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("dropping forward", "error", ErrClosed, "event_id", p["id"])
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		c.deliver(data, p["id"])
	}()
}

func (c *Client) deliver(data []byte, eventID any) {
	start := time.Now()

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		c.fail(OutcomeError, time.Since(start), fmt.Sprintf("building backend request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		switch {
		case errors.Is(err, context.Canceled) && c.ctx.Err() != nil:
			// Shutdown abandoned this delivery; nobody is left to tell.
			c.logger.Debug("forward abandoned on shutdown", "event_id", eventID)
			c.observe(OutcomeError, elapsed)
		case isTimeout(err):
			c.fail(OutcomeTimeout, elapsed, fmt.Sprintf("backend did not respond within %s", c.timeout))
		default:
			c.fail(OutcomeError, elapsed, fmt.Sprintf("could not reach backend: %v", err))
		}
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	elapsed := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.fail(OutcomeStatus, elapsed, fmt.Sprintf("backend returned status %d", resp.StatusCode))
		return
	}

	c.observe(OutcomeOK, elapsed)
	c.logger.Debug("event forwarded",
		"event_id", eventID,
		"status", resp.StatusCode,
		"elapsed", elapsed)
}

// fail logs the failure and reports it to subscribers exactly once.
func (c *Client) fail(outcome string, elapsed time.Duration, msg string) {
	c.observe(outcome, elapsed)
	c.logger.Warn("forward failed", "outcome", outcome, "error", msg, "endpoint", c.endpoint)
	if c.reporter != nil {
		c.reporter.Publish(conversation.Payload{
			"event_type": string(store.EventTypeError),
			"error":      msg,
		})
	}
}

func (c *Client) observe(outcome string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ForwardCompleted(outcome, elapsed)
	}
}

// Close stops accepting forwards and waits for in-flight deliveries until ctx
// is done. Deliveries still running then are cancelled. Idle connections are
// released either way.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for in-flight forwards: %w", ctx.Err())
		c.cancel()
		<-done
	}

	c.cancel()
	c.http.CloseIdleConnections()
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
