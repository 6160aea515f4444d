// Package breaker implements a sliding-window circuit breaker that fails
// fast when a dependency is persistently unhealthy.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/messaging/metrics"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// Config controls the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of failures within MonitoringPeriod
	// that trips the breaker open.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a trial call.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	// MonitoringPeriod is the sliding window over which failures count.
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
}

// DefaultConfig is used for zero-valued fields.
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  60 * time.Second,
	MonitoringPeriod: 60 * time.Second,
}

type failure struct {
	at  time.Time
	err error
}

// Breaker guards calls to a single dependency. A half-open breaker admits
// exactly one trial call at a time.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    []failure
	nextAttempt time.Time
	trialActive bool

	now func() time.Time
}

// New returns a closed breaker with the given name.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = DefaultConfig.MonitoringPeriod
	}
	b := &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	return b
}

// Execute runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	res, err := fn(ctx)
	if err != nil {
		b.recordFailure(err)
		return nil, err
	}
	b.recordSuccess()
	return res, nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Before(b.nextAttempt) {
			return fmt.Errorf("%s: %w, retry after %s",
				b.name, ErrOpen, time.Until(b.nextAttempt).Round(time.Second))
		}
		b.setState(HalfOpen)
		b.trialActive = true
	case HalfOpen:
		if b.trialActive {
			return fmt.Errorf("%s: %w, trial call in flight", b.name, ErrOpen)
		}
		b.trialActive = true
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.failures = nil
		b.trialActive = false
		b.setState(Closed)
		slog.Info("Circuit breaker recovered", "breaker", b.name)
		return
	}
	b.prune()
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = append(b.failures, failure{at: b.now(), err: err})
	b.prune()
	metrics.BreakerFailures.WithLabelValues(b.name).Inc()

	switch b.state {
	case HalfOpen:
		b.trialActive = false
		b.trip()
	case Closed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
	b.setState(Open)
	slog.Warn("Circuit breaker opened",
		"breaker", b.name,
		"failures", len(b.failures),
		"retry_at", b.nextAttempt)
}

// prune drops failures older than the monitoring window. Caller holds b.mu.
func (b *Breaker) prune() {
	cutoff := b.now().Add(-b.cfg.MonitoringPeriod)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}
