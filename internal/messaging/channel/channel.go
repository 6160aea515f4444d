// Package channel provides reliable, acknowledged envelope delivery
// between execution contexts on top of an at-most-once transport.
//
// Every send is tracked until a response arrives, the per-send timeout
// fires, or the retry budget is exhausted. Deliveries to unavailable
// targets are queued and flushed when the target loads. Delivery is
// at-least-once: receivers may see duplicates after retries.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/transport"
	"github.com/vietddude/relay/internal/messaging/envelope"
	"github.com/vietddude/relay/internal/messaging/metrics"
)

var (
	// ErrTimeout is the cause recorded when an attempt's timer fires
	// before a response arrives.
	ErrTimeout = errors.New("delivery timed out")

	// ErrClosed is returned for sends on, or pending at, a closed channel.
	ErrClosed = errors.New("channel closed")
)

// nackError marks a failure reported by a live target, so delivery
// failure handling does not downgrade the target's health.
type nackError struct {
	reason string
}

func (e *nackError) Error() string { return fmt.Sprintf("nack: %s", e.reason) }

// Config controls delivery timeouts, retries and background loops.
type Config struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	BaseRetryDelay    time.Duration `yaml:"base_retry_delay"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	UnhealthyAfter    time.Duration `yaml:"unhealthy_after"`
}

// DefaultConfig returns the delivery policy used for zero-valued fields.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    10 * time.Second,
		DefaultMaxRetries: 3,
		BaseRetryDelay:    time.Second,
		FlushInterval:     2 * time.Second,
		HealthInterval:    15 * time.Second,
		UnhealthyAfter:    45 * time.Second,
	}
}

// Handler processes an application envelope and returns the response
// payload, or an error that is nacked back to the sender.
type Handler func(ctx context.Context, env *domain.Envelope) (any, error)

// SendOptions overrides the per-send delivery policy.
type SendOptions struct {
	Timeout    time.Duration
	MaxRetries int
}

// Channel is one context's endpoint of the reliable delivery layer.
type Channel struct {
	self  domain.ContextID
	tr    transport.Transport
	reinj transport.Reinjector
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingDelivery
	queues   map[domain.ContextID][]*pendingDelivery
	health   map[domain.ContextID]*HealthRecord
	handlers map[string]Handler
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New returns a channel for the given context over the given transport.
func New(self domain.ContextID, tr transport.Transport, cfg Config) *Channel {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = def.UnhealthyAfter
	}

	return &Channel{
		self:     self,
		tr:       tr,
		cfg:      cfg,
		log:      slog.Default().With("context", string(self)),
		pending:  make(map[string]*pendingDelivery),
		queues:   make(map[domain.ContextID][]*pendingDelivery),
		health:   make(map[domain.ContextID]*HealthRecord),
		handlers: make(map[string]Handler),
	}
}

// SetReinjector installs the recovery hook used for unresponsive targets.
func (c *Channel) SetReinjector(r transport.Reinjector) {
	c.mu.Lock()
	c.reinj = r
	c.mu.Unlock()
}

// Handle registers the handler for an application action.
func (c *Channel) Handle(action string, h Handler) {
	c.mu.Lock()
	c.handlers[action] = h
	c.mu.Unlock()
}

// Start subscribes to the transport and launches the background loops.
func (c *Channel) Start(ctx context.Context) error {
	c.baseCtx, c.cancel = context.WithCancel(ctx)

	if err := c.tr.Subscribe(c.baseCtx, c.self, c.Receive); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", c.self, err)
	}

	go c.flushLoop(c.baseCtx)
	go c.recoveryLoop(c.baseCtx)

	c.log.Info("Channel started")
	return nil
}

// Close stops the background loops and fails every pending delivery.
func (c *Channel) Close() {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	c.closed = true
	drained := make([]*pendingDelivery, 0, len(c.pending))
	for id, rec := range c.pending {
		rec.stopTimer()
		drained = append(drained, rec)
		delete(c.pending, id)
	}
	c.queues = make(map[domain.ContextID][]*pendingDelivery)
	c.mu.Unlock()

	for _, rec := range drained {
		metrics.PendingDeliveries.Dec()
		rec.done <- result{err: ErrClosed}
	}
}

// Send delivers a command to the target and blocks until the target's
// handler responds, the delivery fails permanently, or ctx is cancelled.
func (c *Channel) Send(ctx context.Context, target domain.ContextID, action string, payload any) (any, error) {
	return c.SendWithOptions(ctx, target, action, payload, SendOptions{})
}

// SendWithOptions is Send with a per-send delivery policy override.
func (c *Channel) SendWithOptions(ctx context.Context, target domain.ContextID, action string, payload any, opts SendOptions) (any, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("unknown target context %q", target)
	}
	env := &domain.Envelope{
		Action:  action,
		Payload: payload,
		Source:  c.self,
	}
	envelope.Stamp(env)
	if err := envelope.Validate(env); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.DefaultMaxRetries
	}

	rec := &pendingDelivery{
		env:        env,
		target:     target,
		timeout:    timeout,
		maxRetries: maxRetries,
		done:       make(chan result, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[env.MessageID] = rec
	c.mu.Unlock()

	metrics.PendingDeliveries.Inc()
	metrics.MessagesSent.WithLabelValues(string(target), action).Inc()

	c.attempt(rec)

	select {
	case <-ctx.Done():
		c.abandon(env.MessageID)
		return nil, ctx.Err()
	case res := <-rec.done:
		return res.payload, res.err
	}
}

// Receive is the transport entry point for inbound envelopes.
func (c *Channel) Receive(env *domain.Envelope) {
	if !env.IsProtocol() {
		c.dispatch(env)
		return
	}
	switch env.Action {
	case domain.ActionAck:
		c.handleAck(env)
	case domain.ActionNack:
		c.handleNack(env)
	case domain.ActionResponse:
		c.handleResponse(env)
	}
}

// attempt delivers the envelope once and arms the attempt timer.
func (c *Channel) attempt(rec *pendingDelivery) {
	c.mu.Lock()
	id := rec.env.MessageID
	if _, ok := c.pending[id]; !ok {
		c.mu.Unlock()
		return
	}
	rec.stopTimer()
	rec.timer = time.AfterFunc(rec.timeout, func() {
		c.fail(id, ErrTimeout)
	})
	c.mu.Unlock()

	err := c.tr.Deliver(c.baseContext(), rec.target, rec.env)
	switch {
	case err == nil:
		// Delivered; the timer now waits for the response.
	case errors.Is(err, transport.ErrTargetUnavailable):
		c.enqueue(rec)
	default:
		c.fail(id, err)
	}
}

// fail records a failed attempt and either schedules a retry or resolves
// the delivery with a permanent error.
func (c *Channel) fail(id string, cause error) {
	c.mu.Lock()
	rec, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.stopTimer()
	rec.lastErr = cause

	var nerr *nackError
	if errors.As(cause, &nerr) {
		c.markHealthy(rec.target)
	} else {
		c.markUnhealthy(rec.target)
	}
	c.removeFromQueueLocked(rec)

	if rec.retries >= rec.maxRetries {
		delete(c.pending, id)
		c.mu.Unlock()

		metrics.PendingDeliveries.Dec()
		metrics.MessageFailures.WithLabelValues(string(rec.target)).Inc()
		c.log.Warn("Delivery failed",
			"action", rec.env.Action,
			"target", string(rec.target),
			"retries", rec.retries,
			"error", cause)
		rec.done <- result{err: fmt.Errorf("delivery of %s to %s failed after %d retries: %w",
			rec.env.Action, rec.target, rec.maxRetries, cause)}
		return
	}

	rec.retries++
	attempt := rec.retries
	delay := c.retryDelay(attempt)
	c.mu.Unlock()

	metrics.MessageRetries.WithLabelValues(string(rec.target)).Inc()
	c.log.Debug("Scheduling delivery retry",
		"action", rec.env.Action,
		"target", string(rec.target),
		"attempt", attempt,
		"delay", delay,
		"error", cause)

	if delay <= 0 {
		go c.attempt(rec)
		return
	}
	time.AfterFunc(delay, func() { c.attempt(rec) })
}

// retryDelay returns the backoff before the nth retry: the first retry
// is immediate, then the delay doubles from the base.
func (c *Channel) retryDelay(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return c.cfg.BaseRetryDelay << (n - 2)
}

// abandon drops a pending delivery whose caller gave up.
func (c *Channel) abandon(id string) {
	c.mu.Lock()
	rec, ok := c.pending[id]
	if ok {
		rec.stopTimer()
		c.removeFromQueueLocked(rec)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		metrics.PendingDeliveries.Dec()
	}
}

func (c *Channel) handleAck(env *domain.Envelope) {
	c.mu.Lock()
	rec, ok := c.pending[env.MessageID]
	if ok {
		// The ack confirms receipt but does not resolve the caller and
		// does not refresh the attempt timer.
		rec.acked = true
		c.markHealthy(rec.target)
	}
	c.mu.Unlock()

	if ok {
		metrics.AcksReceived.WithLabelValues(string(env.Source), "ack").Inc()
	}
}

func (c *Channel) handleNack(env *domain.Envelope) {
	c.mu.Lock()
	_, ok := c.pending[env.MessageID]
	c.mu.Unlock()
	if !ok {
		return
	}

	metrics.AcksReceived.WithLabelValues(string(env.Source), "nack").Inc()
	c.fail(env.MessageID, &nackError{reason: env.Error})
}

func (c *Channel) handleResponse(env *domain.Envelope) {
	c.mu.Lock()
	rec, ok := c.pending[env.MessageID]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.stopTimer()
	c.removeFromQueueLocked(rec)
	delete(c.pending, env.MessageID)
	c.markHealthy(rec.target)
	c.mu.Unlock()

	metrics.PendingDeliveries.Dec()
	rec.done <- result{payload: env.Payload}
}

func (c *Channel) baseContext() context.Context {
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}
