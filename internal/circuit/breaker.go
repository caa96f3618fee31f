// Package circuit isolates a failing dependency behind a closed/open/half-open
// state machine. One Breaker guards one failure domain (price reads, balance
// reads, order writes) and owns its own lock, so domains never block each other.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a breaker.
type Config struct {
	FailureThreshold int           // failures inside MonitoringWindow that open the breaker
	SuccessThreshold int           // consecutive half-open successes that close it
	RecoveryTimeout  time.Duration // time OPEN before a trial call is let through
	MonitoringWindow time.Duration // sliding window for counting failures
}

// PriceConfig is the preset for price reads.
func PriceConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, RecoveryTimeout: 300 * time.Second, MonitoringWindow: 60 * time.Second}
}

// BalanceConfig is the preset for balance reads.
func BalanceConfig() Config {
	return Config{FailureThreshold: 4, SuccessThreshold: 2, RecoveryTimeout: 180 * time.Second, MonitoringWindow: 90 * time.Second}
}

// OrderConfig is the preset for order placement. Stricter than reads: a bad
// order costs more than a stale price.
func OrderConfig() Config {
	return Config{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 600 * time.Second, MonitoringWindow: 120 * time.Second}
}

// ErrOpen is matched by every rejection of an OPEN breaker.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Breaker   string
	Operation string
	RetryIn   time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, %s blocked (retry in %s)", e.Breaker, e.Operation, e.RetryIn.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Transition describes a state change, delivered to OnStateChange handlers.
type Transition struct {
	Breaker string
	From    State
	To      State
	Reason  string
	At      time.Time
}

// Status is a point-in-time snapshot of a breaker.
type Status struct {
	Name              string
	State             State
	FailureCount      int
	SuccessCount      int
	RecentFailures    int
	LastFailure       time.Time
	LastSuccess       time.Time
	TimeUntilRecovery time.Duration // only set while OPEN
	InState           time.Duration
}

// Breaker wraps calls to one failure domain.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	failures       []time.Time
	lastFailure    time.Time
	lastSuccess    time.Time
	stateChangedAt time.Time
	onChange       func(Transition)
	now            func() time.Time
}

// New creates a CLOSED breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		name:           name,
		cfg:            cfg,
		state:          StateClosed,
		now:            time.Now,
		stateChangedAt: time.Now(),
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// SetClock replaces the time source. Used by tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.stateChangedAt = now()
}

// OnStateChange registers a handler called after every transition, outside the lock.
func (b *Breaker) OnStateChange(fn func(Transition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State returns the current state without triggering the OPEN→HALF_OPEN move.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn unless the breaker is OPEN. A non-nil error from fn counts as
// a failure; context cancellation is passed through without being counted.
func (b *Breaker) Call(op string, fn func() error) error {
	if err := b.allow(op); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, context.Canceled):
	default:
		b.recordFailure(op, err)
	}
	return err
}

// Do is Call for functions that return a value.
func Do[T any](b *Breaker, op string, fn func() (T, error)) (T, error) {
	var out T
	err := b.Call(op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) allow(op string) error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	now := b.now()
	elapsed := now.Sub(b.lastFailure)
	if !b.lastFailure.IsZero() && elapsed < b.cfg.RecoveryTimeout {
		retryIn := b.cfg.RecoveryTimeout - elapsed
		b.mu.Unlock()
		return &OpenError{Breaker: b.name, Operation: op, RetryIn: retryIn}
	}
	b.successCount = 0
	tr := b.transition(StateHalfOpen, "recovery timeout elapsed", now)
	b.mu.Unlock()
	b.emit(tr)
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	now := b.now()
	b.lastSuccess = now
	b.successCount++

	var tr *Transition
	switch b.state {
	case StateHalfOpen:
		if b.successCount >= b.cfg.SuccessThreshold {
			tr = b.close(fmt.Sprintf("%d consecutive successes", b.successCount), now)
		}
	case StateClosed:
		b.failureCount = 0
		b.pruneFailures(now)
	}
	b.mu.Unlock()
	b.emit(tr)
}

func (b *Breaker) recordFailure(op string, err error) {
	b.mu.Lock()
	now := b.now()
	b.failureCount++
	b.lastFailure = now
	b.failures = append(b.failures, now)
	b.pruneFailures(now)

	var tr *Transition
	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			tr = b.open(fmt.Sprintf("%d failures within %s", len(b.failures), b.cfg.MonitoringWindow), now)
		}
	case StateHalfOpen:
		tr = b.open("failure while half-open", now)
	}
	b.mu.Unlock()

	slog.Debug("circuit: call failed", "breaker", b.name, "op", op, "err", err)
	b.emit(tr)
}

// ForceOpen opens the breaker regardless of its counters.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	now := b.now()
	b.lastFailure = now
	tr := b.open("forced: "+reason, now)
	b.mu.Unlock()
	b.emit(tr)
}

// ForceClose closes the breaker and clears its counters.
func (b *Breaker) ForceClose(reason string) {
	b.mu.Lock()
	tr := b.close("forced: "+reason, b.now())
	b.mu.Unlock()
	b.emit(tr)
}

// Status returns a snapshot for observability.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.pruneFailures(now)

	st := Status{
		Name:           b.name,
		State:          b.state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		RecentFailures: len(b.failures),
		LastFailure:    b.lastFailure,
		LastSuccess:    b.lastSuccess,
		InState:        now.Sub(b.stateChangedAt),
	}
	if b.state == StateOpen && !b.lastFailure.IsZero() {
		if left := b.cfg.RecoveryTimeout - now.Sub(b.lastFailure); left > 0 {
			st.TimeUntilRecovery = left
		}
	}
	return st
}

// open, close and transition must be called with mu held.

func (b *Breaker) open(reason string, now time.Time) *Transition {
	b.successCount = 0
	return b.transition(StateOpen, reason, now)
}

func (b *Breaker) close(reason string, now time.Time) *Transition {
	b.failureCount = 0
	b.successCount = 0
	b.failures = b.failures[:0]
	return b.transition(StateClosed, reason, now)
}

func (b *Breaker) transition(to State, reason string, now time.Time) *Transition {
	if b.state == to {
		return nil
	}
	tr := &Transition{Breaker: b.name, From: b.state, To: to, Reason: reason, At: now}
	b.state = to
	b.stateChangedAt = now
	return tr
}

func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) emit(tr *Transition) {
	if tr == nil {
		return
	}
	level := slog.LevelInfo
	if tr.To == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit: state change",
		"breaker", tr.Breaker, "from", tr.From, "to", tr.To, "reason", tr.Reason)

	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(*tr)
	}
}
