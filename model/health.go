package model

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of a model endpoint.
type EndpointHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	FailureCount int       `json:"failure_count"`

	// CircuitOpen is set once FailureCount reaches the threshold and cleared
	// by the next success.
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`

	// trials counts requests let through while half-open.
	trials int
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects requests.
	RecoveryTimeout time.Duration

	// HalfOpenRequests is how many trial requests to allow after the
	// recovery timeout before the next outcome is known. Zero means unlimited.
	HalfOpenRequests int
}

// DefaultHealthConfig returns sensible defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

type healthState struct {
	mu       sync.Mutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
	now      func() time.Time
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*EndpointHealth),
		now:      time.Now,
	}
}

// tracker returns the registry's health state, creating it on first use.
func (r *Registry) tracker() *healthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

// statusLocked must be called with h.mu held.
func (h *healthState) statusLocked(name string) *EndpointHealth {
	status, ok := h.statuses[name]
	if !ok {
		status = &EndpointHealth{Available: true}
		h.statuses[name] = status
	}
	return status
}

// MarkEndpointSuccess records a successful request and closes the circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.statusLocked(name)
	status.LastSuccess = h.now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
	status.trials = 0
}

// MarkEndpointFailure records a failed request, opening the circuit once the
// failure threshold is reached. A failed half-open trial re-opens it.
func (r *Registry) MarkEndpointFailure(name string) {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.statusLocked(name)
	now := h.now()
	status.LastFailure = now
	status.FailureCount++

	if status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = now
		status.Available = false
		status.trials = 0
	}
}

// IsEndpointAvailable reports whether an endpoint may receive a request.
// An open circuit admits HalfOpenRequests trials once RecoveryTimeout passes.
func (r *Registry) IsEndpointAvailable(name string) bool {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	if h.now().Sub(status.CircuitOpenedAt) <= h.config.RecoveryTimeout {
		return false
	}
	if h.config.HalfOpenRequests > 0 && status.trials >= h.config.HalfOpenRequests {
		return false
	}
	status.trials++
	return true
}

// GetEndpointHealth returns a copy of the health status for an endpoint, or
// nil if nothing has been recorded.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.statuses[name]
	if !ok {
		return nil
	}
	cp := *status
	return &cp
}

// GetAvailableFallbackChain returns the fallback chain filtered to endpoints
// whose circuit admits a request. If none do, the full chain is returned.
func (r *Registry) GetAvailableFallbackChain(cap Capability) []string {
	chain := r.GetFallbackChain(cap)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig updates the circuit breaker configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}

// ResetEndpointHealth clears the health status for an endpoint.
func (r *Registry) ResetEndpointHealth(name string) {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}
