// Package breaker tracks consecutive automation failures per tenant and
// reports a three-state health signal used to gate new attempts.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 60 * time.Second
)

type Config struct {
	Threshold int
	Cooldown  time.Duration
}

// TenantState is a point-in-time copy of one tenant's breaker.
type TenantState struct {
	TenantID      string     `json:"tenantId"`
	State         State      `json:"state"`
	Failures      int        `json:"consecutiveFailures"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	OpenedAt      *time.Time `json:"openedAt,omitempty"`
}

type Summary struct {
	Closed   int `json:"closed"`
	Open     int `json:"open"`
	HalfOpen int `json:"halfOpen"`
}

type entry struct {
	state         State
	failures      int
	lastFailureAt time.Time
	lastSuccessAt time.Time
	openedAt      time.Time
	trialTaken    bool
}

type Registry struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	tenants map[string]*entry
}

func NewRegistry(cfg Config) *Registry {
	return NewRegistryWithClock(cfg, time.Now)
}

func NewRegistryWithClock(cfg Config, now func() time.Time) *Registry {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Registry{
		cfg:     cfg,
		now:     now,
		tenants: make(map[string]*entry),
	}
}

// get returns the tenant entry with the lazy Open to HalfOpen transition
// applied. Caller holds mu.
func (r *Registry) get(tenantID string, now time.Time) *entry {
	e, ok := r.tenants[tenantID]
	if !ok {
		e = &entry{state: StateClosed}
		r.tenants[tenantID] = e
	}
	if e.state == StateOpen && now.Sub(e.lastFailureAt) >= r.cfg.Cooldown {
		e.state = StateHalfOpen
		e.trialTaken = false
		log.Info().Str("tenantId", tenantID).Msg("circuit breaker half-open")
	}
	return e
}

func (r *Registry) RecordSuccess(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.get(tenantID, now)
	switch e.state {
	case StateClosed:
		e.failures = 0
		e.lastSuccessAt = now
	case StateHalfOpen:
		e.state = StateClosed
		e.failures = 0
		e.trialTaken = false
		e.lastSuccessAt = now
		log.Info().Str("tenantId", tenantID).Msg("circuit breaker closed")
	case StateOpen:
		// No trial has been taken yet.
	}
}

func (r *Registry) RecordFailure(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.get(tenantID, now)
	e.failures++
	e.lastFailureAt = now

	switch e.state {
	case StateClosed:
		if e.failures >= r.cfg.Threshold {
			e.state = StateOpen
			e.openedAt = now
			log.Warn().Str("tenantId", tenantID).Int("failures", e.failures).Msg("circuit breaker opened")
		}
	case StateHalfOpen:
		e.state = StateOpen
		e.openedAt = now
		e.trialTaken = false
		log.Warn().Str("tenantId", tenantID).Msg("circuit breaker trial failed, reopened")
	}
}

func (r *Registry) GetState(tenantID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(tenantID, r.now()).state
}

// Allow reports whether a new automation attempt may start. HalfOpen admits
// a single trial until its outcome is recorded.
func (r *Registry) Allow(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(tenantID, r.now())
	switch e.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if e.trialTaken {
			return false
		}
		e.trialTaken = true
		return true
	}
	return false
}

func (r *Registry) Reset(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tenants[tenantID]
	if !ok {
		r.tenants[tenantID] = &entry{state: StateClosed}
		return
	}
	e.state = StateClosed
	e.failures = 0
	e.trialTaken = false
	e.openedAt = time.Time{}
	log.Info().Str("tenantId", tenantID).Msg("circuit breaker reset")
}

func (r *Registry) Get(tenantID string) TenantState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotOf(tenantID, r.get(tenantID, r.now()))
}

// Snapshot returns every tracked tenant ordered by tenant id.
func (r *Registry) Snapshot() []TenantState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	states := make([]TenantState, 0, len(r.tenants))
	for id := range r.tenants {
		states = append(states, snapshotOf(id, r.get(id, now)))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].TenantID < states[j].TenantID })
	return states
}

func (r *Registry) Summary() Summary {
	var s Summary
	for _, st := range r.Snapshot() {
		switch st.State {
		case StateClosed:
			s.Closed++
		case StateOpen:
			s.Open++
		case StateHalfOpen:
			s.HalfOpen++
		}
	}
	return s
}

func snapshotOf(tenantID string, e *entry) TenantState {
	return TenantState{
		TenantID:      tenantID,
		State:         e.state,
		Failures:      e.failures,
		LastFailureAt: timePtr(e.lastFailureAt),
		LastSuccessAt: timePtr(e.lastSuccessAt),
		OpenedAt:      timePtr(e.openedAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
