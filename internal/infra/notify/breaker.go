package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
)

// ─── Circuit Breaker ────────────────────────────────────────────────────────
//
// A notifier that keeps failing is skipped for a while instead of costing a
// full timeout after every task:
//   - closed: deliveries pass; Threshold consecutive failures open it
//   - open: deliveries are skipped until ResetTimeout has passed
//   - half-open: one probe passes; success closes, failure reopens

// ErrCircuitOpen is returned for deliveries skipped by an open breaker.
var ErrCircuitOpen = errors.New("notifier circuit open")

// BreakerState is the circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Threshold    int           // consecutive failures to open (default 5)
	ResetTimeout time.Duration // time open before a probe (default 1m)
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:    5,
		ResetTimeout: time.Minute,
	}
}

// Breaker guards a notifier with a circuit breaker. Safe for concurrent use.
type Breaker struct {
	name  string
	inner domain.Notifier
	cfg   BreakerConfig
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	trippedAt time.Time
	probing   bool
	trips     int
}

// NewBreaker wraps inner. name labels logs and metrics.
func NewBreaker(name string, inner domain.Notifier, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &Breaker{
		name:  name,
		inner: inner,
		cfg:   cfg,
		log:   slog.Default().With("component", "notify", "notifier", name),
		now:   time.Now,
	}
}

func (b *Breaker) Notify(ctx context.Context, note domain.Notification) error {
	if err := b.allow(); err != nil {
		metrics.Notifications.WithLabelValues(b.name, "skipped").Inc()
		return err
	}
	err := b.inner.Notify(ctx, note)
	b.record(err)
	return err
}

// State returns the current state, moving open to half-open once the reset
// timeout has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Trips is how many times the breaker has opened.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case BreakerOpen:
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	case BreakerHalfOpen:
		if b.probing {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.probing = true
	}
	return nil
}

// advance must be called with mu held.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.trippedAt) >= b.cfg.ResetTimeout {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != BreakerClosed {
			b.log.Info("notifier recovered, circuit closed")
		}
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.Threshold {
		b.state = BreakerOpen
		b.trippedAt = b.now()
		b.probing = false
		b.trips++
		b.log.Warn("notifier failing, circuit opened",
			"failures", b.failures, "retry_after", b.cfg.ResetTimeout, "error", err)
	}
}
