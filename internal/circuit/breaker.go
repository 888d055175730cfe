package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Placement halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Config bounds the breaker's failure tolerance.
type Config struct {
	FailureThreshold int           // consecutive venue failures before tripping
	Cooldown         time.Duration // open duration before a half-open probe
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
	}
}

// Breaker halts order placement after repeated venue failures. Closed is
// normal operation. Open fails fast until the cooldown passes, then the
// breaker goes half-open and admits a single probe placement: success
// closes it, failure re-trips it. Fatal venue errors skip the failure
// count and trip immediately.
type Breaker struct {
	cfg Config

	mu         sync.RWMutex
	state      BreakerState
	failures   int
	tripCount  int
	trippedAt  time.Time
	tripReason string
	onTrip     func(reason string)
	onReset    func()
}

// NewBreaker creates a breaker, filling zero config fields from defaults.
func NewBreaker(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// OnTrip sets the callback fired when the breaker opens.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback fired when the breaker closes again.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether a placement may proceed. While open it fails fast
// until the cooldown passes, then flips to half-open and admits the probe.
func (b *Breaker) Allow() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true, ""
	}

	elapsed := time.Since(b.trippedAt)
	if elapsed < b.cfg.Cooldown {
		remaining := (b.cfg.Cooldown - elapsed).Round(time.Second)
		return false, fmt.Sprintf("cooldown remaining %v (tripped: %s)", remaining, b.tripReason)
	}

	b.state = StateHalfOpen
	return true, ""
}

// RecordSuccess resets the failure streak. A successful half-open probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	recovered := b.state == StateHalfOpen
	if recovered {
		b.state = StateClosed
		b.tripReason = ""
	}
	onReset := b.onReset
	b.mu.Unlock()

	if recovered && onReset != nil {
		go onReset()
	}
}

// RecordFailure counts one transient venue failure. The breaker trips at
// the configured threshold; a failed half-open probe re-trips immediately.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.trip(fmt.Sprintf("half-open probe failed: %s", reason))
	case b.failures >= b.cfg.FailureThreshold:
		b.trip(fmt.Sprintf("%d consecutive venue failures, last: %s", b.failures, reason))
	}
}

// Trip opens the breaker immediately, bypassing the failure count.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	b.trip(reason)
	b.mu.Unlock()
}

// trip must be called with the lock held.
func (b *Breaker) trip(reason string) {
	if b.state == StateOpen {
		// Already open: restart the cooldown without re-firing the callback.
		b.trippedAt = time.Now()
		return
	}
	b.state = StateOpen
	b.trippedAt = time.Now()
	b.tripReason = reason
	b.tripCount++

	if b.onTrip != nil {
		go b.onTrip(reason)
	}
}

// ForceReset manually closes the breaker and clears the failure streak.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	wasTripped := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if wasTripped && onReset != nil {
		go onReset()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns a snapshot for the status surfaces.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"state":                string(b.state),
		"consecutive_failures": b.failures,
		"trip_count":           b.tripCount,
		"trip_reason":          b.tripReason,
		"tripped_at":           b.trippedAt,
	}
}
