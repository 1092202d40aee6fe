package router

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a tier's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, calls skipped
	CircuitHalfOpen                     // Single probe allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-tier circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// ResetAfter is how long the circuit stays open before allowing a probe.
	// Doubles on every reopen, capped at MaxResetAfter.
	ResetAfter time.Duration
	// MaxResetAfter caps the exponential reset backoff.
	MaxResetAfter time.Duration
}

// DefaultBreakerConfig returns the standard breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetAfter:       60 * time.Second,
		MaxResetAfter:    10 * time.Minute,
	}
}

// tierHealth is an immutable snapshot of one tier's breaker bookkeeping.
// All updates replace the whole snapshot via compare-and-swap, so readers
// never observe a torn state and concurrent tier calls never lose updates.
type tierHealth struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	resetAfter          time.Duration
	probeClaimed        bool
}

// BreakerRegistry tracks circuit state per tier name. It is shared across
// all runs and safe for concurrent use without locks on the hot path.
type BreakerRegistry struct {
	mu       sync.Mutex // guards map growth only
	breakers map[string]*atomic.Pointer[tierHealth]
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.ResetAfter <= 0 {
		config.ResetAfter = DefaultBreakerConfig().ResetAfter
	}
	if config.MaxResetAfter <= 0 {
		config.MaxResetAfter = DefaultBreakerConfig().MaxResetAfter
	}
	return &BreakerRegistry{
		breakers: make(map[string]*atomic.Pointer[tierHealth]),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether a call to the tier may proceed. An Open circuit
// whose reset window has elapsed transitions to HalfOpen and admits
// exactly one probe; concurrent callers race on the CAS and losers are
// denied until the probe resolves.
func (r *BreakerRegistry) Allow(tier string) bool {
	ptr := r.getOrCreate(tier)
	for {
		cur := ptr.Load()
		switch cur.state {
		case CircuitClosed:
			return true

		case CircuitOpen:
			if r.now().Sub(cur.openedAt) < cur.resetAfter {
				return false
			}
			next := &tierHealth{
				state:               CircuitHalfOpen,
				consecutiveFailures: cur.consecutiveFailures,
				openedAt:            cur.openedAt,
				resetAfter:          cur.resetAfter,
				probeClaimed:        true,
			}
			if ptr.CompareAndSwap(cur, next) {
				return true
			}

		case CircuitHalfOpen:
			if cur.probeClaimed {
				return false
			}
			next := *cur
			next.probeClaimed = true
			if ptr.CompareAndSwap(cur, &next) {
				return true
			}
		}
	}
}

// RecordSuccess closes the circuit and resets the failure count and
// backoff window.
func (r *BreakerRegistry) RecordSuccess(tier string) CircuitState {
	ptr := r.getOrCreate(tier)
	for {
		cur := ptr.Load()
		next := &tierHealth{state: CircuitClosed, resetAfter: r.config.ResetAfter}
		if ptr.CompareAndSwap(cur, next) {
			return cur.state
		}
	}
}

// RecordFailure increments the consecutive failure count and returns the
// resulting state. A failed half-open probe reopens the circuit with a
// doubled reset window.
func (r *BreakerRegistry) RecordFailure(tier string) CircuitState {
	ptr := r.getOrCreate(tier)
	for {
		cur := ptr.Load()
		next := &tierHealth{
			consecutiveFailures: cur.consecutiveFailures + 1,
			resetAfter:          cur.resetAfter,
		}
		switch {
		case cur.state == CircuitHalfOpen:
			next.state = CircuitOpen
			next.openedAt = r.now()
			next.resetAfter = r.doubled(cur.resetAfter)
		case cur.state == CircuitOpen:
			next.state = CircuitOpen
			next.openedAt = cur.openedAt
		case next.consecutiveFailures >= r.config.FailureThreshold:
			next.state = CircuitOpen
			next.openedAt = r.now()
		default:
			next.state = CircuitClosed
		}
		if ptr.CompareAndSwap(cur, next) {
			return next.state
		}
	}
}

// State returns the tier's current circuit state, surfacing the automatic
// Open -> HalfOpen transition once the reset window has elapsed.
func (r *BreakerRegistry) State(tier string) CircuitState {
	cur := r.getOrCreate(tier).Load()
	if cur.state == CircuitOpen && r.now().Sub(cur.openedAt) >= cur.resetAfter {
		return CircuitHalfOpen
	}
	return cur.state
}

// Stats returns diagnostic information for a tier's breaker.
func (r *BreakerRegistry) Stats(tier string) map[string]any {
	cur := r.getOrCreate(tier).Load()
	stats := map[string]any{
		"tier":                 tier,
		"state":                cur.state.String(),
		"consecutive_failures": cur.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"reset_after":          cur.resetAfter.String(),
	}
	if cur.state == CircuitOpen {
		stats["opened_at"] = cur.openedAt.UTC().Format(time.RFC3339)
	}
	return stats
}

func (r *BreakerRegistry) doubled(d time.Duration) time.Duration {
	d *= 2
	if d > r.config.MaxResetAfter {
		d = r.config.MaxResetAfter
	}
	return d
}

func (r *BreakerRegistry) getOrCreate(tier string) *atomic.Pointer[tierHealth] {
	r.mu.Lock()
	defer r.mu.Unlock()
	ptr, ok := r.breakers[tier]
	if !ok {
		ptr = &atomic.Pointer[tierHealth]{}
		ptr.Store(&tierHealth{state: CircuitClosed, resetAfter: r.config.ResetAfter})
		r.breakers[tier] = ptr
	}
	return ptr
}
