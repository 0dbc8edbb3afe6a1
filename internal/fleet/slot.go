// Package fleet implements the agent fleet: a fixed registry of worker
// slots bound to providers at start-up, the HTTP/2 connection pool
// backing each provider, and the retry, rate-limit, circuit-breaking,
// and caching behaviour around a single Execute call.
package fleet

import (
	"sync"
	"time"
)

// SlotState is the closed set of states a Worker Slot occupies.
type SlotState string

const (
	SlotIdle     SlotState = "Idle"
	SlotReserved SlotState = "Reserved"
	SlotInFlight SlotState = "InFlight"
	SlotCooling  SlotState = "Cooling"
	SlotDisabled SlotState = "Disabled"
)

// Slot is a logical handle to a remote LLM endpoint. A slot in
// InFlight owns exactly one subtask; it transitions InFlight->Idle on
// success, InFlight->Cooling on rate-limit or 5xx, Cooling->Idle once
// its cooldown has elapsed.
type Slot struct {
	mu sync.Mutex

	ID               int
	Provider         *Provider
	PreferredModel   string
	state            SlotState
	lastCompletion   time.Time
	coolUntil        time.Time
	rollingLatency   time.Duration
	rollingOutcomes  []bool // ring of the last 10 call outcomes, newest last
}

func newSlot(id int, provider *Provider, model string) *Slot {
	return &Slot{ID: id, Provider: provider, PreferredModel: model, state: SlotIdle}
}

func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// tryReserve claims the slot for dispatch if it is Idle, or if it was
// Cooling and its cooldown has elapsed.
func (s *Slot) tryReserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SlotCooling && !time.Now().Before(s.coolUntil) {
		s.state = SlotIdle
	}
	if s.state != SlotIdle {
		return false
	}
	s.state = SlotReserved
	return true
}

func (s *Slot) markInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SlotInFlight
}

func (s *Slot) markSuccess(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SlotIdle
	s.lastCompletion = time.Now()
	s.rollingLatency = ewmaLatency(s.rollingLatency, latency)
	s.recordOutcomeLocked(true)
}

func (s *Slot) markCooling(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SlotCooling
	s.coolUntil = until
	s.lastCompletion = time.Now()
	s.recordOutcomeLocked(false)
}

func (s *Slot) markDisabled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SlotDisabled
}

func (s *Slot) recordOutcomeLocked(ok bool) {
	s.rollingOutcomes = append(s.rollingOutcomes, ok)
	if len(s.rollingOutcomes) > 10 {
		s.rollingOutcomes = s.rollingOutcomes[len(s.rollingOutcomes)-10:]
	}
}

// SuccessRate reports the success rate over the slot's most recent (up
// to 10) completed calls. An untested slot reports 1.0.
func (s *Slot) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rollingOutcomes) == 0 {
		return 1.0
	}
	ok := 0
	for _, o := range s.rollingOutcomes {
		if o {
			ok++
		}
	}
	return float64(ok) / float64(len(s.rollingOutcomes))
}

// RollingLatency returns the slot's exponentially weighted average
// call latency.
func (s *Slot) RollingLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollingLatency
}

func ewmaLatency(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	const alpha = 0.2
	return time.Duration(float64(prev)*(1-alpha) + float64(sample)*alpha)
}
