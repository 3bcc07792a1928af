package loadgen

import (
	"context"
	"sync"
	"testing"

	"github.com/waterwoods/searchforge-sub005/internal/router"
)

type fakeExecutor struct {
	latencyMs float64
}

func (f *fakeExecutor) Query(ctx context.Context, topk int, backend router.Backend) (float64, int, *float64, error) {
	return f.latencyMs, 200, nil, nil
}

type collectSink struct {
	mu      sync.Mutex
	records []Record
}

func (c *collectSink) Observe(r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func TestDrawTopK_DeterministicForSameSeed(t *testing.T) {
	mix := TopKMix{10: 0.7, 32: 0.2, 64: 0.1}
	d1 := NewDriver(Config{Seed: 42, TopKMix: mix})
	d2 := NewDriver(Config{Seed: 42, TopKMix: mix})

	for i := 0; i < 20; i++ {
		a := d1.drawTopK()
		b := d2.drawTopK()
		if a != b {
			t.Fatalf("draw %d diverged: %d vs %d", i, a, b)
		}
	}
}

func TestDrawTopK_DifferentSeedsCanDiverge(t *testing.T) {
	mix := TopKMix{10: 0.5, 32: 0.5}
	d1 := NewDriver(Config{Seed: 1, TopKMix: mix})
	d2 := NewDriver(Config{Seed: 2, TopKMix: mix})

	same := true
	for i := 0; i < 50; i++ {
		if d1.drawTopK() != d2.drawTopK() {
			same = false
			break
		}
	}
	if same {
		t.Error("expected different seeds to diverge at least once over 50 draws")
	}
}

func TestRunPhase_RejectsNonPositiveQPS(t *testing.T) {
	d := NewDriver(Config{Seed: 1, TopKMix: TopKMix{10: 1}, QPS: 0, WindowSec: 1, ConcurrencyCap: 1})
	err := d.RunPhase(context.Background(), PhaseA, &fakeExecutor{latencyMs: 1}, &collectSink{}, nil)
	if err == nil {
		t.Fatal("expected error for qps=0")
	}
}

func TestSimulatedExecutor_DeterministicForSameSeed(t *testing.T) {
	e1 := NewSimulatedExecutor(9, 20, 0.9)
	e2 := NewSimulatedExecutor(9, 20, 0.9)

	for i := 0; i < 10; i++ {
		l1, _, r1, _ := e1.Query(context.Background(), 32, router.Faiss)
		l2, _, r2, _ := e2.Query(context.Background(), 32, router.Faiss)
		if l1 != l2 || *r1 != *r2 {
			t.Fatalf("call %d diverged: (%v,%v) vs (%v,%v)", i, l1, *r1, l2, *r2)
		}
	}
}

func TestSimulatedExecutor_RecallStaysInUnitRange(t *testing.T) {
	e := NewSimulatedExecutor(3, 15, 0.85)
	for topk := 1; topk <= 256; topk *= 2 {
		_, status, recall, err := e.Query(context.Background(), topk, router.Faiss)
		if err != nil {
			t.Fatalf("Query(%d): %v", topk, err)
		}
		if status != 200 {
			t.Errorf("status = %d, want 200", status)
		}
		if *recall < 0 || *recall > 1 {
			t.Errorf("recall@topk=%d = %v, want within [0,1]", topk, *recall)
		}
	}
}

func TestRunPhase_EmitsRecordsWithPhaseTag(t *testing.T) {
	d := NewDriver(Config{Seed: 7, TopKMix: TopKMix{10: 1}, QPS: 50, WindowSec: 1, ConcurrencyCap: 4})
	sink := &collectSink{}
	if err := d.RunPhase(context.Background(), PhaseB, &fakeExecutor{latencyMs: 2}, sink, nil); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}
	if len(sink.records) == 0 {
		t.Fatal("expected at least one record")
	}
	for _, r := range sink.records {
		if r.Phase != PhaseB {
			t.Errorf("record phase = %v, want B", r.Phase)
		}
		if r.TopK != 10 {
			t.Errorf("record topk = %d, want 10", r.TopK)
		}
		if r.Backend != router.Faiss {
			t.Errorf("record backend = %v, want faiss when no gate is wired", r.Backend)
		}
	}
}

func TestRunPhase_RoutesThroughGateWhenProvided(t *testing.T) {
	d := NewDriver(Config{Seed: 7, TopKMix: TopKMix{10: 1}, QPS: 50, WindowSec: 1, ConcurrencyCap: 4})
	sink := &collectSink{}
	gate, err := router.NewGate(router.PolicyRules, 1, 0, 1, 1, 0)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := d.RunPhase(context.Background(), PhaseA, &fakeExecutor{latencyMs: 2}, sink, gate); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}
	if len(sink.records) == 0 {
		t.Fatal("expected at least one record")
	}
	for _, r := range sink.records {
		if r.Backend != router.Qdrant {
			t.Errorf("record backend = %v, want qdrant (topk 10 exceeds threshold 1)", r.Backend)
		}
	}
}
