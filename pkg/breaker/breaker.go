// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package breaker provides a circuit breaker: a Closed/Open/HalfOpen
// state machine scoped to one named downstream, with a count-based
// rolling failure window. The breaker never retries anything itself; the
// retry engine composes it when desired.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	RollingWindow    time.Duration
}

// OpenError is returned by Allow/Execute while the breaker is Open.
type OpenError struct {
	Name           string
	TimeUntilReset time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, resets in %s", e.Name, e.TimeUntilReset)
}

// CircuitTimeUntilReset implements internal/retry.CircuitOpenMarker, so
// the retry engine classifies an open breaker as CIRCUIT_OPEN rather than
// falling through to the generic matcher list.
func (e *OpenError) CircuitTimeUntilReset() string {
	return e.TimeUntilReset.String()
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	state           State
	stateChangedAt  time.Time
	failures        []time.Time // timestamps within cfg.RollingWindow, oldest first
	halfOpenSuccess int
}

// New builds a Breaker. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:            cfg,
		log:            logger,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// Allow reports whether a call may proceed, transitioning Open to
// HalfOpen once the reset timeout has elapsed. Returns *OpenError when
// the call must fail fast.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() error {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		elapsed := time.Since(b.stateChangedAt)
		if elapsed >= b.cfg.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
			return nil
		}
		return &OpenError{Name: b.cfg.Name, TimeUntilReset: b.cfg.ResetTimeout - elapsed}
	default:
		return nil
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = nil
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.failures = prune(append(b.failures, now), b.cfg.RollingWindow, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

// Execute runs fn under breaker protection: fails fast with *OpenError if
// the breaker is open, otherwise runs fn and records its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionLocked(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.stateChangedAt = time.Now()
	if next == StateHalfOpen {
		b.halfOpenSuccess = 0
	}
	if next == StateClosed {
		b.failures = nil
	}
	b.log.Info("circuit breaker state change", "name", b.cfg.Name, "from", prev.String(), "to", next.String())
}

func prune(failures []time.Time, window time.Duration, now time.Time) []time.Time {
	if window <= 0 {
		return failures
	}
	cutoff := now.Add(-window)
	i := 0
	for i < len(failures) && failures[i].Before(cutoff) {
		i++
	}
	return failures[i:]
}
