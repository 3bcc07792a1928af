package router

import "testing"

func TestRulesRouter_FilterAlwaysToQdrant(t *testing.T) {
	r := NewRulesRouter(32, 0)
	d := r.Route(QueryContext{TopK: 5, HasFilter: true}, BackendLoad{Healthy: true}, BackendLoad{Healthy: true})
	if d.Backend != Qdrant || d.Reason != "has_filter" {
		t.Fatalf("got %+v, want qdrant/has_filter", d)
	}
	if d.FallbackAvailable {
		t.Error("filter queries should have no fallback")
	}
}

func TestRulesRouter_LargeTopKToQdrant(t *testing.T) {
	r := NewRulesRouter(32, 0)
	d := r.Route(QueryContext{TopK: 64}, BackendLoad{Healthy: true}, BackendLoad{Healthy: true})
	if d.Backend != Qdrant {
		t.Fatalf("backend = %v, want qdrant", d.Backend)
	}
}

func TestRulesRouter_UnhealthyFaissToQdrant(t *testing.T) {
	r := NewRulesRouter(32, 0)
	d := r.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: false}, BackendLoad{Healthy: true})
	if d.Backend != Qdrant || d.Reason != "faiss_unhealthy" {
		t.Fatalf("got %+v, want qdrant/faiss_unhealthy", d)
	}
}

func TestRulesRouter_OverloadedFaissToQdrant(t *testing.T) {
	r := NewRulesRouter(32, 0)
	d := r.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: true, CPUPct: 0.9}, BackendLoad{Healthy: true})
	if d.Backend != Qdrant {
		t.Fatalf("backend = %v, want qdrant under overload", d.Backend)
	}
}

func TestRulesRouter_DefaultToFaissWithZeroSampling(t *testing.T) {
	r := NewRulesRouter(32, 0)
	d := r.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: true}, BackendLoad{Healthy: true})
	if d.Backend != Faiss {
		t.Fatalf("backend = %v, want faiss", d.Backend)
	}
	stats := r.Stats()
	if stats.FaissCount != 1 || stats.TotalDecisions != 1 {
		t.Errorf("stats = %+v, want 1 faiss decision", stats)
	}
}

func TestRulesRouter_FullSamplingForcesQdrant(t *testing.T) {
	r := NewRulesRouter(32, 1.0)
	d := r.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: true}, BackendLoad{Healthy: true})
	if d.Backend != Qdrant || d.Reason != "sampling_recheck" {
		t.Fatalf("got %+v, want qdrant/sampling_recheck with sampling_pct=1.0", d)
	}
}

func TestCostRouter_IneligibleForcesQdrant(t *testing.T) {
	r := NewCostRouter(0.01, 0.05, 0.6)
	d := r.Route(QueryContext{TopK: 5, HasFilter: true}, BackendLoad{Healthy: true}, BackendLoad{Healthy: true})
	if d.Backend != Qdrant || d.Reason != "faiss_ineligible" {
		t.Fatalf("got %+v, want qdrant/faiss_ineligible", d)
	}
}

func TestCostRouter_PicksLowerCostFaissWhenIdle(t *testing.T) {
	r := NewCostRouter(0.01, 0.05, 0.6)
	d := r.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: true, CPUPct: 0}, BackendLoad{Healthy: true, CPUPct: 0})
	if d.Backend != Faiss {
		t.Fatalf("backend = %v, want faiss (10ms baseline beats 50ms)", d.Backend)
	}
}

func TestGate_BreakerTripsAfterConsecutiveFailures(t *testing.T) {
	g, err := NewGate(PolicyRules, 32, 0, 0.01, 0.05, 0.6)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	for i := 0; i < 5; i++ {
		g.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: false}, BackendLoad{Healthy: true})
	}
	status := g.Status()
	if !status.BreakerOpen {
		t.Errorf("breaker should be open after 5 consecutive faiss failures, status=%+v", status)
	}
}

func TestGate_UnknownPolicyErrors(t *testing.T) {
	if _, err := NewGate("bogus", 32, 0.05, 0.01, 0.05, 0.6); err == nil {
		t.Fatal("NewGate(bogus) should error")
	}
}

func TestGate_SetPolicySwapsRouterAtRuntime(t *testing.T) {
	g, err := NewGate(PolicyRules, 32, 0, 0.01, 0.05, 0.6)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if g.Status().Policy != PolicyRules {
		t.Fatalf("initial policy = %v, want rules", g.Status().Policy)
	}
	if err := g.SetPolicy(PolicyCost); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if g.Status().Policy != PolicyCost {
		t.Errorf("policy after SetPolicy = %v, want cost", g.Status().Policy)
	}

	d := g.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: true, CPUPct: 0}, BackendLoad{Healthy: true, CPUPct: 0})
	if d.Metadata["cost_model"] == nil {
		t.Errorf("decision after swap should come from CostRouter, got %+v", d)
	}
}

func TestGate_SetPolicyRejectsUnknown(t *testing.T) {
	g, _ := NewGate(PolicyRules, 32, 0, 0.01, 0.05, 0.6)
	if err := g.SetPolicy("bogus"); err == nil {
		t.Fatal("SetPolicy(bogus) should error")
	}
	if g.Status().Policy != PolicyRules {
		t.Error("a rejected SetPolicy call should not change the active policy")
	}
}

func TestGate_SetFlagsManualBackendOverridesRouting(t *testing.T) {
	g, _ := NewGate(PolicyRules, 32, 0, 0.01, 0.05, 0.6)
	g.SetFlags(true, Qdrant)

	d := g.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: true}, BackendLoad{Healthy: true})
	if d.Backend != Qdrant || d.Reason != "manual_override" {
		t.Fatalf("got %+v, want manual override to qdrant", d)
	}
}

func TestGate_ResetClearsHistoryAndStats(t *testing.T) {
	g, _ := NewGate(PolicyRules, 32, 0, 0.01, 0.05, 0.6)
	g.Route(QueryContext{TopK: 5}, BackendLoad{Healthy: true}, BackendLoad{Healthy: true})
	g.Reset()
	status := g.Status()
	if status.DecisionCount != 0 || status.Stats.TotalDecisions != 0 {
		t.Errorf("status after reset = %+v, want zeroed", status)
	}
}
