// Package router picks a strategy tag and a (provider, model) pair for
// each subtask: a closed set of four strategies, each with an ordered
// candidate list qualified by load and rolling success rate, falling
// back to a recorded Degraded decision when nothing qualifies.
package router

import (
	"sort"
	"time"

	"github.com/fleetlabs/orchestrator/internal/fleet"
	"github.com/fleetlabs/orchestrator/internal/observability"
)

// Strategy is the closed, enumerated set of routing strategies.
type Strategy string

const (
	Fast      Strategy = "Fast"
	Standard  Strategy = "Standard"
	Deep      Strategy = "Deep"
	Aggregate Strategy = "Aggregate"
)

// Timeout returns the per-strategy timeout the Orchestrator applies to
// a dispatched subtask.
func (s Strategy) Timeout() time.Duration {
	switch s {
	case Fast:
		return 10 * time.Second
	case Standard:
		return 60 * time.Second
	case Deep:
		return 180 * time.Second
	case Aggregate:
		return 60 * time.Second
	default:
		return 60 * time.Second
	}
}

// Candidate is one entry in a strategy's ordered candidate list:
// a provider/model pair the Router may choose for that strategy.
type Candidate struct {
	Provider string
	Model    string
}

// Decision is the Router's output for one subtask.
type Decision struct {
	Strategy Strategy
	Provider string
	Model    string
	Slot     *fleet.Slot
	Degraded bool
}

// ModelTable supplies the ordered candidate list for each strategy,
// declared at start-up from configuration (RoutingConfig's
// fast/standard/deep model names crossed with the configured
// providers that serve them).
type ModelTable map[Strategy][]Candidate

// Router selects, for each subtask, the highest-priority qualifying
// candidate: current load ratio below 0.8 and a rolling success rate
// (over the last 10 calls) of at least 0.5. Ties are broken by lowest
// rolling latency estimate, then by the candidate's declared order.
type Router struct {
	fleet   *fleet.Fleet
	table   ModelTable
	metrics *observability.MetricsCollector
	logger  observability.Logger
}

func New(f *fleet.Fleet, table ModelTable, metrics *observability.MetricsCollector, logger observability.Logger) *Router {
	if logger == nil {
		logger = observability.NewNoOpLogger()
	}
	return &Router{fleet: f, table: table, metrics: metrics, logger: logger}
}

// SelectStrategy classifies a subtask by complexity and kind into one
// of the four strategies, per §4.3's thresholds.
func SelectStrategy(complexity float64, isAggregation bool) Strategy {
	if isAggregation {
		return Aggregate
	}
	if complexity > 0.7 {
		return Deep
	}
	if complexity < 0.25 {
		return Fast
	}
	return Standard
}

// scoredCandidate pairs a candidate with its best (lowest-latency)
// Idle slot, which represents the candidate.
type scoredCandidate struct {
	candidate Candidate
	slot      *fleet.Slot
	latency   time.Duration
	loadRatio float64
}

// Select picks the candidate and a slot for strategy. Candidates with
// no Idle slot are skipped. Among the rest, those passing the
// load/success-rate rule qualify, and the one with the lowest rolling
// latency wins, declared order breaking ties. If none qualifies, it
// falls back to the least-loaded candidate and records Degraded; if
// no candidate has an Idle slot, it returns ErrProviderExhausted.
func (r *Router) Select(strategy Strategy) (Decision, error) {
	candidates := r.table[strategy]

	var qualifying []scoredCandidate
	var allScored []scoredCandidate

	for _, c := range candidates {
		provider, ok := r.fleet.Provider(c.Provider)
		if !ok {
			continue
		}
		slots := r.fleet.SlotsForProvider(c.Provider)
		best := bestSlot(slots)
		if best == nil {
			continue
		}

		sc := scoredCandidate{
			candidate: c,
			slot:      best,
			latency:   best.RollingLatency(),
			loadRatio: provider.LoadRatio(),
		}
		allScored = append(allScored, sc)

		if provider.LoadRatio() < 0.8 && best.SuccessRate() >= 0.5 {
			qualifying = append(qualifying, sc)
		}
	}

	if len(qualifying) > 0 {
		chosen := pickBest(qualifying)
		return Decision{Strategy: strategy, Provider: chosen.candidate.Provider, Model: chosen.candidate.Model, Slot: chosen.slot}, nil
	}

	if len(allScored) == 0 {
		return Decision{}, errNoCandidates(strategy)
	}

	if r.metrics != nil {
		r.metrics.RecordRouterDegraded(string(strategy))
	}
	r.logger.Warn("router degraded: no qualifying candidate", observability.String("strategy", string(strategy)))

	sort.Slice(allScored, func(i, j int) bool { return allScored[i].loadRatio < allScored[j].loadRatio })
	chosen := allScored[0]
	return Decision{Strategy: strategy, Provider: chosen.candidate.Provider, Model: chosen.candidate.Model, Slot: chosen.slot, Degraded: true}, nil
}

// bestSlot returns the candidate's lowest-latency Idle slot, or nil if
// none are Idle.
func bestSlot(slots []*fleet.Slot) *fleet.Slot {
	var best *fleet.Slot
	for _, s := range slots {
		if s.State() != fleet.SlotIdle {
			continue
		}
		if best == nil || s.RollingLatency() < best.RollingLatency() {
			best = s
		}
	}
	return best
}

// pickBest applies the tie-break rule: lowest rolling latency
// estimate, then declared candidate order (the first equal-latency
// entry in the slice, since allScored/qualifying preserve table order).
func pickBest(candidates []scoredCandidate) scoredCandidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.latency < best.latency {
			best = c
		}
	}
	return best
}
