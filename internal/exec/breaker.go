package exec

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal: intents flow through
	CircuitOpen                         // Tripped: intents denied immediately
	CircuitHalfOpen                     // Probe: one intent allowed to test recovery
)

// CircuitBreaker tracks blocked-intent counts per tenant/action pair and
// opens the circuit when repeated blocks exceed the threshold within a
// window. Only security blocks (injection, not-allowlisted) feed it, not
// executor failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	circuits  map[string]*actionCircuit
	threshold int
	window    time.Duration
}

type actionCircuit struct {
	blocks        []time.Time
	state         CircuitState
	openedAt      time.Time
	windowSize    time.Duration
	probeInFlight bool // when half-open, only one intent is allowed until RecordSuccess/RecordBlocked
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and
// window. threshold: blocks in window to trip (default 5). window: sliding
// window duration (default 60s).
func NewCircuitBreaker(threshold int, window time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &CircuitBreaker{
		circuits:  make(map[string]*actionCircuit),
		threshold: threshold,
		window:    window,
	}
}

func circuitKey(tenantID, action string) string {
	return tenantID + ":" + action
}

// Check returns nil if the tenant/action pair may proceed, or an error if
// the circuit is open. In half-open state, one probe intent is allowed.
func (cb *CircuitBreaker) Check(tenantID, action string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ac, ok := cb.circuits[circuitKey(tenantID, action)]
	if !ok {
		return nil
	}

	switch ac.state {
	case CircuitOpen:
		if time.Since(ac.openedAt) > ac.windowSize {
			ac.state = CircuitHalfOpen
			ac.probeInFlight = true
			return nil
		}
		return fmt.Errorf("circuit open: action %s suspended after repeated blocked intents", action)
	case CircuitHalfOpen:
		if ac.probeInFlight {
			return fmt.Errorf("circuit half-open: probe already in progress for action %s", action)
		}
		ac.probeInFlight = true
		return nil
	}
	return nil
}

// RecordBlocked records a blocked intent for the pair. If the threshold is
// exceeded within the window, the circuit opens. In half-open state a single
// blocked probe reopens the circuit immediately.
func (cb *CircuitBreaker) RecordBlocked(tenantID, action string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	key := circuitKey(tenantID, action)
	ac, ok := cb.circuits[key]
	if !ok {
		ac = &actionCircuit{windowSize: cb.window}
		cb.circuits[key] = ac
	}

	now := time.Now()
	if ac.state == CircuitHalfOpen {
		ac.state = CircuitOpen
		ac.openedAt = now
		ac.probeInFlight = false
		return
	}

	cutoff := now.Add(-cb.window)
	ac.blocks = append(ac.blocks[:0], inWindow(ac.blocks, cutoff)...)
	ac.blocks = append(ac.blocks, now)

	if len(ac.blocks) >= cb.threshold {
		ac.state = CircuitOpen
		ac.openedAt = now
	}
}

// RecordSuccess records a clean execution. If the circuit is half-open the
// probe succeeded and the circuit closes.
func (cb *CircuitBreaker) RecordSuccess(tenantID, action string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ac, ok := cb.circuits[circuitKey(tenantID, action)]
	if !ok {
		return
	}
	if ac.state == CircuitHalfOpen {
		ac.state = CircuitClosed
		ac.blocks = nil
		ac.probeInFlight = false
	}
}

// ReleaseProbe returns the half-open probe slot without deciding the
// circuit's fate, for probes whose outcome is neither a success nor a
// block: escalation, quota denial, claim failure, idempotent replay,
// executor error. The next Check may admit a fresh probe. A no-op in
// any other state.
func (cb *CircuitBreaker) ReleaseProbe(tenantID, action string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ac, ok := cb.circuits[circuitKey(tenantID, action)]
	if ok && ac.state == CircuitHalfOpen {
		ac.probeInFlight = false
	}
}

// Reset manually resets the circuit for a pair (operator override).
func (cb *CircuitBreaker) Reset(tenantID, action string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.circuits, circuitKey(tenantID, action))
}

// State returns the current circuit state for a pair.
func (cb *CircuitBreaker) State(tenantID, action string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ac, ok := cb.circuits[circuitKey(tenantID, action)]
	if !ok {
		return CircuitClosed
	}
	return ac.state
}

func inWindow(times []time.Time, cutoff time.Time) []time.Time {
	var result []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			result = append(result, t)
		}
	}
	return result
}
