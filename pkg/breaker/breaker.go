// Package breaker provides per-upstream circuit breakers for the enrichment
// providers.
//
// The breaker follows the usual closed -> open -> half-open cycle, built on
// sony/gobreaker for the closed-state failure counting. gobreaker's open
// window is a fixed Timeout, but this service doubles the window each time a
// half-open probe fails (capped at 5 minutes), so the gobreaker instance is
// wrapped with a hold deadline: while the hold is active every call fails
// fast with ServiceUnavailable and the provider is never invoked.
//
// Trip condition: 5 consecutive failures, or >= 50% failures over at least 10
// attempts within the rolling 60 s window.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/memerr"
)

// ErrOpen marks a call rejected without invoking the provider because the
// circuit is open. Queued work should be shelved until the breaker closes
// rather than retried: every retry would fail fast the same way.
var ErrOpen = errors.New("circuit open")

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

const (
	defaultOpenWindow = 30 * time.Second
	maxOpenWindow     = 300 * time.Second
	rollingWindow     = 60 * time.Second
)

// State is the externally visible breaker state.
type State int

const (
	// Closed allows all calls.
	Closed State = iota
	// HalfOpen allows a single probe.
	HalfOpen
	// Open fails fast without invoking the upstream.
	Open
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// StateFunc is notified on every state transition (for the metrics gauge).
type StateFunc func(service string, state State)

// Breaker guards one upstream service.
type Breaker struct {
	name    string
	logger  *zap.Logger
	onState StateFunc

	mu         sync.Mutex
	cb         *gobreaker.CircuitBreaker
	holdUntil  time.Time
	openWindow time.Duration
}

// New creates a breaker for the named service. onState may be nil.
func New(name string, logger *zap.Logger, onState StateFunc) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:       name,
		logger:     logger,
		onState:    onState,
		openWindow: defaultOpenWindow,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    rollingWindow,
		Timeout:     defaultOpenWindow,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= 5 {
				return true
			}
			return c.Requests >= 10 && float64(c.TotalFailures)/float64(c.Requests) >= 0.5
		},
		OnStateChange: b.stateChanged,
	})
	return b
}

func (b *Breaker) stateChanged(_ string, from, to gobreaker.State) {
	// Called from inside gobreaker. Execute never holds b.mu while calling
	// into gobreaker, so taking it here cannot deadlock.
	b.mu.Lock()
	defer b.mu.Unlock()
	switch to {
	case gobreaker.StateOpen:
		if from == gobreaker.StateHalfOpen {
			b.openWindow = min(b.openWindow*2, maxOpenWindow)
		} else {
			b.openWindow = defaultOpenWindow
		}
		b.holdUntil = time.Now().Add(b.openWindow)
		b.logger.Warn("circuit breaker opened",
			zap.String("service", b.name),
			zap.Duration("window", b.openWindow))
		b.notify(Open)
	case gobreaker.StateHalfOpen:
		b.notify(HalfOpen)
	case gobreaker.StateClosed:
		b.openWindow = defaultOpenWindow
		b.holdUntil = time.Time{}
		b.logger.Info("circuit breaker closed", zap.String("service", b.name))
		b.notify(Closed)
	}
}

func (b *Breaker) notify(s State) {
	if b.onState != nil {
		b.onState(b.name, s)
	}
}

// Execute runs fn under the breaker. While open, it returns
// ServiceUnavailable without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if time.Now().Before(b.holdUntil) {
		b.mu.Unlock()
		return memerr.E(memerr.ServiceUnavailable, b.name+" circuit open", ErrOpen)
	}
	cb := b.cb
	b.mu.Unlock()

	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return memerr.E(memerr.ServiceUnavailable, b.name+" circuit open", ErrOpen)
	}
	return err
}

// State reports the effective breaker state, accounting for the extended
// hold window.
func (b *Breaker) State() State {
	b.mu.Lock()
	holding := time.Now().Before(b.holdUntil)
	b.mu.Unlock()
	if holding {
		return Open
	}
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }
