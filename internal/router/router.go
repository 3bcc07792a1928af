// Package router implements the FAISS-vs-Qdrant backend routing policies
// (spec §4.6): RulesRouter and CostRouter behind a shared Router interface,
// grounded on original_source/backend_core/routing_policy.py.
package router

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Backend names a downstream search backend.
type Backend string

const (
	Faiss  Backend = "faiss"
	Qdrant Backend = "qdrant"
)

// QueryContext is the per-query shape a Router decides over.
type QueryContext struct {
	TopK        int
	HasFilter   bool
	HasFulltext bool
	Complexity  float64
}

// BackendLoad is the load snapshot for one backend at decision time.
type BackendLoad struct {
	CPUPct  float64
	QPS     float64
	P95Ms   float64
	Healthy bool
}

// Decision is the result of a routing call (spec §4.6).
type Decision struct {
	Backend            Backend
	Reason             string
	Confidence         float64
	FallbackAvailable  bool
	Metadata           map[string]any
	Policy             string
}

// Router is the shared interface RulesRouter and CostRouter implement.
type Router interface {
	Route(q QueryContext, faiss, qdrant BackendLoad) Decision
	Stats() Stats
	Reset()
}

// Stats mirrors get_stats() from routing_policy.py.
type Stats struct {
	TotalDecisions int
	FaissCount     int
	QdrantCount    int
	SamplingCount  int
	FaissPct       float64
	QdrantPct      float64
	SamplingPct    float64
}

// RulesRouter implements the five ordered rules from RulesRouter.route in
// routing_policy.py: filters/fulltext to Qdrant, large topK to Qdrant,
// unhealthy FAISS to Qdrant, overloaded FAISS to Qdrant, then a sampling_pct
// slice of otherwise-eligible traffic to Qdrant for validation.
type RulesRouter struct {
	mu            sync.Mutex
	TopKThreshold int
	SamplingPct   float64
	FaissHealthy  bool

	faissCount    int
	qdrantCount   int
	samplingCount int
	total         int

	rand *rand.Rand
}

// NewRulesRouter constructs a RulesRouter with the given thresholds.
func NewRulesRouter(topKThreshold int, samplingPct float64) *RulesRouter {
	return &RulesRouter{
		TopKThreshold: topKThreshold,
		SamplingPct:   samplingPct,
		FaissHealthy:  true,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Route implements Router.
func (r *RulesRouter) Route(q QueryContext, faiss, qdrant BackendLoad) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++

	if q.HasFilter || q.HasFulltext {
		r.qdrantCount++
		reason := "has_fulltext"
		if q.HasFilter {
			reason = "has_filter"
		}
		return Decision{
			Backend: Qdrant, Reason: reason, Confidence: 1.0,
			FallbackAvailable: false,
			Metadata:          map[string]any{"rule": "filters_to_qdrant"},
		}
	}

	if q.TopK > r.TopKThreshold {
		r.qdrantCount++
		return Decision{
			Backend:           Qdrant,
			Reason:            fmt.Sprintf("topk=%d>%d", q.TopK, r.TopKThreshold),
			Confidence:        0.95,
			FallbackAvailable: true,
			Metadata:          map[string]any{"rule": "large_topk_to_qdrant"},
		}
	}

	if !faiss.Healthy || !r.FaissHealthy {
		r.qdrantCount++
		return Decision{
			Backend: Qdrant, Reason: "faiss_unhealthy", Confidence: 0.9,
			FallbackAvailable: false,
			Metadata:          map[string]any{"rule": "unhealthy_fallback"},
		}
	}

	if faiss.CPUPct > 0.85 {
		r.qdrantCount++
		return Decision{
			Backend:           Qdrant,
			Reason:            fmt.Sprintf("faiss_overloaded (cpu=%.0f%%)", faiss.CPUPct*100),
			Confidence:        0.85,
			FallbackAvailable: false,
			Metadata:          map[string]any{"rule": "load_shedding"},
		}
	}

	if r.rand.Float64() < r.SamplingPct {
		r.samplingCount++
		return Decision{
			Backend: Qdrant, Reason: "sampling_recheck", Confidence: 0.5,
			FallbackAvailable: true,
			Metadata:          map[string]any{"rule": "sampling", "eligible_for_faiss": true},
		}
	}

	r.faissCount++
	return Decision{
		Backend:           Faiss,
		Reason:            fmt.Sprintf("topk<=%d, no_filter, healthy", r.TopKThreshold),
		Confidence:        0.9,
		FallbackAvailable: true,
		Metadata:          map[string]any{"rule": "default_to_faiss"},
	}
}

// Stats implements Router.
func (r *RulesRouter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total == 0 {
		return Stats{}
	}
	return Stats{
		TotalDecisions: r.total,
		FaissCount:     r.faissCount,
		QdrantCount:    r.qdrantCount,
		SamplingCount:  r.samplingCount,
		FaissPct:       float64(r.faissCount) / float64(r.total) * 100,
		QdrantPct:      float64(r.qdrantCount) / float64(r.total) * 100,
		SamplingPct:    float64(r.samplingCount) / float64(r.total) * 100,
	}
}

// Reset implements Router.
func (r *RulesRouter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faissCount, r.qdrantCount, r.samplingCount, r.total = 0, 0, 0, 0
}

// CostRouter picks the backend with the lower estimated cost, per
// CostRouter.route in routing_policy.py: cost = latency_weight*latency/100 +
// (1-latency_weight)*cost_per_1k, with latency scaled by cpu_pct.
type CostRouter struct {
	mu sync.Mutex

	FaissCostPer1k  float64
	QdrantCostPer1k float64
	LatencyWeight   float64

	faissBaselineMs  float64
	qdrantBaselineMs float64

	total     int
	costSaved float64
}

// NewCostRouter constructs a CostRouter with the given cost model weights.
func NewCostRouter(faissCostPer1k, qdrantCostPer1k, latencyWeight float64) *CostRouter {
	return &CostRouter{
		FaissCostPer1k:   faissCostPer1k,
		QdrantCostPer1k:  qdrantCostPer1k,
		LatencyWeight:    latencyWeight,
		faissBaselineMs:  10,
		qdrantBaselineMs: 50,
	}
}

// Route implements Router.
func (r *CostRouter) Route(q QueryContext, faiss, qdrant BackendLoad) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++

	faissEligible := !q.HasFilter && !q.HasFulltext && q.TopK <= 32 && faiss.Healthy
	if !faissEligible {
		return Decision{
			Backend: Qdrant, Reason: "faiss_ineligible", Confidence: 1.0,
			FallbackAvailable: false,
			Metadata:          map[string]any{"cost_model": "forced"},
		}
	}

	faissLatency := r.faissBaselineMs * (1 + faiss.CPUPct*0.5)
	qdrantLatency := r.qdrantBaselineMs * (1 + qdrant.CPUPct*0.5)

	faissCost := r.LatencyWeight*faissLatency/100 + (1-r.LatencyWeight)*r.FaissCostPer1k
	qdrantCost := r.LatencyWeight*qdrantLatency/100 + (1-r.LatencyWeight)*r.QdrantCostPer1k

	if faissCost < qdrantCost {
		saving := qdrantCost - faissCost
		r.costSaved += saving
		return Decision{
			Backend:           Faiss,
			Reason:            fmt.Sprintf("lower_cost (saving=%.2f)", saving),
			Confidence:        0.8,
			FallbackAvailable: true,
			Metadata: map[string]any{
				"cost_model": "optimized", "faiss_cost": faissCost,
				"qdrant_cost": qdrantCost, "saving": saving,
			},
		}
	}
	return Decision{
		Backend:           Qdrant,
		Reason:            "lower_cost",
		Confidence:        0.8,
		FallbackAvailable: true,
		Metadata: map[string]any{
			"cost_model": "optimized", "faiss_cost": faissCost, "qdrant_cost": qdrantCost,
		},
	}
}

// Stats implements Router.
func (r *CostRouter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{TotalDecisions: r.total}
}

// Reset implements Router.
func (r *CostRouter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total, r.costSaved = 0, 0
}

// Policy names a routing implementation, swappable at runtime.
type Policy string

const (
	PolicyRules Policy = "rules"
	PolicyCost  Policy = "cost"
)

// Gate wraps a Router with a gobreaker.CircuitBreaker around the FAISS
// health probe: a tripped breaker is treated as faiss_unhealthy regardless
// of what the caller reports, so a flapping health check can't thrash
// between backends (spec §4.6, §7 Transient). Grounded on the gobreaker
// usage pattern in the jordigilh-kubernaut example for wrapping external
// health calls.
type Gate struct {
	mu       sync.Mutex
	Policy   Policy
	Enabled  bool
	Manual   Backend // non-empty forces every decision to this backend
	router   Router
	breaker  *gobreaker.CircuitBreaker
	history  []Decision
	maxHist  int
	topK     int

	samplingPct     float64
	faissCostPer1k  float64
	qdrantCostPer1k float64
	latencyWeight   float64
}

// NewGate builds a Gate on the given policy, backed by a circuit breaker
// that trips after 5 consecutive FAISS-unhealthy probes and half-opens
// after 10 seconds.
func NewGate(policy Policy, topKThreshold int, samplingPct, faissCostPer1k, qdrantCostPer1k, latencyWeight float64) (*Gate, error) {
	g := &Gate{
		maxHist: 100, topK: topKThreshold, Enabled: true,
		samplingPct: samplingPct, faissCostPer1k: faissCostPer1k,
		qdrantCostPer1k: qdrantCostPer1k, latencyWeight: latencyWeight,
	}
	cbSettings := gobreaker.Settings{
		Name:    "faiss-health",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	g.breaker = gobreaker.NewCircuitBreaker(cbSettings)

	router, err := newRouterForPolicy(policy, topKThreshold, samplingPct, faissCostPer1k, qdrantCostPer1k, latencyWeight)
	if err != nil {
		return nil, err
	}
	g.router = router
	g.Policy = policy
	return g, nil
}

func newRouterForPolicy(policy Policy, topKThreshold int, samplingPct, faissCostPer1k, qdrantCostPer1k, latencyWeight float64) (Router, error) {
	switch policy {
	case PolicyRules:
		return NewRulesRouter(topKThreshold, samplingPct), nil
	case PolicyCost:
		return NewCostRouter(faissCostPer1k, qdrantCostPer1k, latencyWeight), nil
	default:
		return nil, fmt.Errorf("router: unknown policy %q", policy)
	}
}

// SetPolicy swaps the active Router implementation at runtime (spec §6
// POST /ops/routing/flags), rebuilding it from the Gate's stored cost-model
// parameters so the swap doesn't lose tuning. Decision history and breaker
// state carry over unchanged.
func (g *Gate) SetPolicy(policy Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	router, err := newRouterForPolicy(policy, g.topK, g.samplingPct, g.faissCostPer1k, g.qdrantCostPer1k, g.latencyWeight)
	if err != nil {
		return err
	}
	g.router = router
	g.Policy = policy
	return nil
}

// SetFlags applies the enabled/manual-backend override from POST
// /ops/routing/flags. A non-empty manual backend bypasses both routers
// entirely until cleared (spec §6). The enabled flag is recorded on the
// Gate but Route does not consult it.
func (g *Gate) SetFlags(enabled bool, manual Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Enabled = enabled
	g.Manual = manual
}

// Route probes FAISS health through the breaker, then delegates to the
// active Router. A tripped breaker forces faiss.Healthy=false for this
// decision, which every rule set treats as the unhealthy-fallback case.
func (g *Gate) Route(q QueryContext, faiss, qdrant BackendLoad) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Manual != "" {
		return Decision{
			Backend: g.Manual, Reason: "manual_override", Confidence: 1.0,
			Policy: string(g.Policy), Metadata: map[string]any{"rule": "manual_override"},
		}
	}

	_, err := g.breaker.Execute(func() (any, error) {
		if !faiss.Healthy {
			return nil, fmt.Errorf("faiss unhealthy")
		}
		return nil, nil
	})
	if err != nil {
		faiss.Healthy = false
	}

	decision := g.router.Route(q, faiss, qdrant)
	decision.Policy = string(g.Policy)

	g.history = append(g.history, decision)
	if len(g.history) > g.maxHist {
		g.history = g.history[len(g.history)-g.maxHist:]
	}
	return decision
}

// Status reports the gate's policy, decision count, breaker state, and the
// active router's stats. No HTTP endpoint exposes it.
type Status struct {
	Policy         Policy
	TopKThreshold  int
	DecisionCount  int
	BreakerOpen    bool
	Stats          Stats
}

// Status implements the status read used by the Ops API.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Policy:        g.Policy,
		TopKThreshold: g.topK,
		DecisionCount: len(g.history),
		BreakerOpen:   g.breaker.State() == gobreaker.StateOpen,
		Stats:         g.router.Stats(),
	}
}

// Reset clears decision history and the active router's statistics.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.router.Reset()
	g.history = nil
}
