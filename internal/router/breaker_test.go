package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*BreakerRegistry, *time.Time) {
	t.Helper()
	r := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 5,
		ResetAfter:       60 * time.Second,
		MaxResetAfter:    10 * time.Minute,
	})
	now := time.Now()
	r.now = func() time.Time { return now }
	return r, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		state := r.RecordFailure("tier1")
		assert.Equal(t, CircuitClosed, state, "failure %d must not open the circuit", i+1)
		assert.True(t, r.Allow("tier1"))
	}

	state := r.RecordFailure("tier1")
	assert.Equal(t, CircuitOpen, state)
	assert.False(t, r.Allow("tier1"), "open circuit must reject calls")
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < 4; i++ {
		r.RecordFailure("tier1")
	}
	r.RecordSuccess("tier1")

	// The count restarted, so four more failures stay closed.
	for i := 0; i < 4; i++ {
		assert.Equal(t, CircuitClosed, r.RecordFailure("tier1"))
	}
	assert.Equal(t, CircuitOpen, r.RecordFailure("tier1"))
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	r, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		r.RecordFailure("tier1")
	}
	require.False(t, r.Allow("tier1"))

	// After the reset window, exactly one probe is admitted.
	*now = now.Add(61 * time.Second)
	assert.Equal(t, CircuitHalfOpen, r.State("tier1"))
	assert.True(t, r.Allow("tier1"), "first caller claims the probe")
	assert.False(t, r.Allow("tier1"), "second caller must wait for the probe to resolve")

	// Probe success closes the circuit.
	prev := r.RecordSuccess("tier1")
	assert.Equal(t, CircuitHalfOpen, prev)
	assert.Equal(t, CircuitClosed, r.State("tier1"))
	assert.True(t, r.Allow("tier1"))
}

func TestBreakerProbeFailureDoublesBackoff(t *testing.T) {
	r, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		r.RecordFailure("tier1")
	}

	*now = now.Add(61 * time.Second)
	require.True(t, r.Allow("tier1"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("tier1"))

	// The reset window doubled to 120s: still open at +90s, probing at +121s.
	base := *now
	*now = base.Add(90 * time.Second)
	assert.False(t, r.Allow("tier1"))
	*now = base.Add(121 * time.Second)
	assert.True(t, r.Allow("tier1"))
}

func TestBreakerBackoffCap(t *testing.T) {
	r, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		r.RecordFailure("tier1")
	}

	// Fail every probe; the window doubles 60s -> 120 -> 240 -> 480 -> 600 (cap).
	window := 60 * time.Second
	for i := 0; i < 6; i++ {
		*now = now.Add(window + time.Second)
		require.True(t, r.Allow("tier1"), "probe %d", i)
		r.RecordFailure("tier1")
		window *= 2
		if window > 10*time.Minute {
			window = 10 * time.Minute
		}
	}

	stats := r.Stats("tier1")
	assert.Equal(t, "10m0s", stats["reset_after"])
}

func TestBreakerSuccessRestoresInitialWindow(t *testing.T) {
	r, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		r.RecordFailure("tier1")
	}
	*now = now.Add(61 * time.Second)
	require.True(t, r.Allow("tier1"))
	r.RecordFailure("tier1") // window now 120s

	*now = now.Add(121 * time.Second)
	require.True(t, r.Allow("tier1"))
	r.RecordSuccess("tier1")

	// Back to the 60s initial window after the next trip.
	for i := 0; i < 5; i++ {
		r.RecordFailure("tier1")
	}
	*now = now.Add(61 * time.Second)
	assert.True(t, r.Allow("tier1"))
}

func TestBreakerTiersIndependent(t *testing.T) {
	r, _ := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		r.RecordFailure("tier1")
	}
	assert.False(t, r.Allow("tier1"))
	assert.True(t, r.Allow("tier2"))
	assert.Equal(t, CircuitClosed, r.State("tier2"))
}

func TestBreakerConcurrentFailuresNoLostUpdates(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1000,
		ResetAfter:       time.Minute,
		MaxResetAfter:    10 * time.Minute,
	})

	const goroutines = 10
	const perGoroutine = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				r.RecordFailure("tier1")
			}
		}()
	}
	wg.Wait()

	stats := r.Stats("tier1")
	assert.Equal(t, goroutines*perGoroutine, stats["consecutive_failures"])
}

func TestBreakerConcurrentHalfOpenOneProbe(t *testing.T) {
	r, now := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		r.RecordFailure("tier1")
	}
	*now = now.Add(61 * time.Second)

	const callers = 20
	var wg sync.WaitGroup
	admitted := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- r.Allow("tier1")
		}()
	}
	wg.Wait()
	close(admitted)

	probes := 0
	for ok := range admitted {
		if ok {
			probes++
		}
	}
	assert.Equal(t, 1, probes, "half-open admits exactly one probe")
}
