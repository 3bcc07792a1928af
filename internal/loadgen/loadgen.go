// Package loadgen implements the deterministic query driver (spec §4.7):
// given (seed, topk_mix, phase) the sequence of queries and their topk
// values is reproducible and identical across A/B phases of the same run.
// Structurally grounded on cmd/octoreflex-sim/main.go's seeded
// *rand.Rand + pure Run() loop; pacing and concurrency are new concerns
// layered on top with golang.org/x/time/rate and golang.org/x/sync.
package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/waterwoods/searchforge-sub005/internal/router"
)

// Phase names a driving phase of a run (spec §4.7, §4.11).
type Phase string

const (
	Warmup      Phase = "warmup"
	PhaseA      Phase = "A"
	PhaseB      Phase = "B"
	PhaseBandit Phase = "bandit"
)

// TopKMix is a weighted distribution over topk values, e.g.
// {10: 0.7, 32: 0.2, 64: 0.1}. Weights need not sum to 1; they are
// normalized at draw time.
type TopKMix map[int]float64

// Record is one per-request outcome (spec §4.7).
type Record struct {
	Phase       Phase
	TSMs        int64
	TopK        int
	Backend     router.Backend
	LatencyMs   float64
	StatusCode  int
	Error       string
	RecallAt10  *float64
}

// Sink receives Records as they complete; normally the Metrics Aggregator
// (C8). Sink implementations must be safe for concurrent use.
type Sink interface {
	Observe(Record)
}

// Executor issues one query at the given topk against the chosen backend
// and returns its outcome. Swappable so tests and the orchestrator can
// supply a fake backend.
type Executor interface {
	Query(ctx context.Context, topk int, backend router.Backend) (latencyMs float64, statusCode int, recallAt10 *float64, err error)
}

// Config holds the driver parameters for one phase run (spec §4.7, §4.11).
type Config struct {
	Seed          int64
	TopKMix       TopKMix
	QPS           float64
	ConcurrencyCap int64
	WindowSec     int
	RecallSample  float64 // fraction of requests that sample recall@10
}

// Driver paces and fans out queries for one phase, honoring a hard
// concurrency cap and draining in-flight requests at the phase boundary
// (spec §4.7: "final in-flight requests of phase X are not counted into
// phase X+1").
type Driver struct {
	cfg        Config
	rng        *rand.Rand
	sem        *semaphore.Weighted
	concurrency int64
	batchBurst int
}

// NewDriver builds a Driver. The same seed always produces the same
// sequence of drawn topk values for a given TopKMix, independent of
// pacing or concurrency — determinism lives in the draw, not the clock.
func NewDriver(cfg Config) *Driver {
	cap := cfg.ConcurrencyCap
	if cap < 1 {
		cap = 1
	}
	return &Driver{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		sem:         semaphore.NewWeighted(cap),
		concurrency: cap,
		batchBurst:  1,
	}
}

// SetConcurrency applies a Controller recommendation (spec §4.9) to the
// in-flight concurrency cap for the next RunPhase call. Rebuilds the
// semaphore since golang.org/x/sync/semaphore.Weighted has no resize API.
func (d *Driver) SetConcurrency(n int64) {
	if n < 1 {
		n = 1
	}
	d.concurrency = n
	d.sem = semaphore.NewWeighted(n)
}

// SetBatchSize applies a Controller recommendation (spec §4.9) to the rate
// limiter's burst allowance for the next RunPhase call.
func (d *Driver) SetBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	d.batchBurst = n
}

// drawTopK samples one topk value from the mix using the driver's rng.
func (d *Driver) drawTopK() int {
	if len(d.cfg.TopKMix) == 0 {
		return 10
	}
	var total float64
	for _, w := range d.cfg.TopKMix {
		total += w
	}
	if total <= 0 {
		for k := range d.cfg.TopKMix {
			return k
		}
	}
	r := d.rng.Float64() * total
	var cum float64
	// Deterministic iteration order matters for reproducibility: sort keys.
	keys := make([]int, 0, len(d.cfg.TopKMix))
	for k := range d.cfg.TopKMix {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	for _, k := range keys {
		cum += d.cfg.TopKMix[k]
		if r <= cum {
			return k
		}
	}
	return keys[len(keys)-1]
}

// RunPhase drives queries against exec for WindowSec seconds at the
// configured QPS, emitting a Record per completed query to sink. It
// blocks until every in-flight request for this phase has completed —
// callers must call RunPhase sequentially across phases to honor the
// hard phase-boundary invariant. gate may be nil, in which case every
// query is issued against Faiss with no routing decision recorded.
func (d *Driver) RunPhase(ctx context.Context, phase Phase, exec Executor, sink Sink, gate *router.Gate) error {
	if d.cfg.QPS <= 0 {
		return fmt.Errorf("loadgen: qps must be positive, got %v", d.cfg.QPS)
	}
	// Reseed per phase so every phase of a run draws the same sequence.
	d.rng = rand.New(rand.NewSource(d.cfg.Seed))
	limiter := rate.NewLimiter(rate.Limit(d.cfg.QPS), d.batchBurst)
	deadline := time.Now().Add(time.Duration(d.cfg.WindowSec) * time.Second)

	g, gctx := errgroup.WithContext(ctx)

	for time.Now().Before(deadline) {
		if err := limiter.Wait(gctx); err != nil {
			break // context cancelled or deadline hit mid-wait
		}
		if err := d.sem.Acquire(gctx, 1); err != nil {
			break
		}
		topk := d.drawTopK()
		sampleRecall := d.cfg.RecallSample > 0 && d.rng.Float64() < d.cfg.RecallSample
		backend := d.routeBackend(gate, topk)

		g.Go(func() error {
			defer d.sem.Release(1)
			start := time.Now()
			latencyMs, statusCode, recall, err := exec.Query(gctx, topk, backend)
			if latencyMs == 0 {
				latencyMs = float64(time.Since(start).Milliseconds())
			}
			rec := Record{
				Phase:      phase,
				TSMs:       start.UnixMilli(),
				TopK:       topk,
				Backend:    backend,
				LatencyMs:  latencyMs,
				StatusCode: statusCode,
			}
			if err != nil {
				rec.Error = err.Error()
			}
			if sampleRecall {
				rec.RecallAt10 = recall
			}
			sink.Observe(rec)
			return nil
		})
	}

	// g.Wait blocks until every goroutine launched above has returned, so
	// phase X's tail never bleeds into phase X+1's accounting.
	return g.Wait()
}

// routeBackend asks gate which backend this query should hit (spec §4.6);
// with no gate wired, every query stays on Faiss.
func (d *Driver) routeBackend(gate *router.Gate, topk int) router.Backend {
	if gate == nil {
		return router.Faiss
	}
	decision := gate.Route(
		router.QueryContext{TopK: topk},
		router.BackendLoad{Healthy: true},
		router.BackendLoad{Healthy: true},
	)
	return decision.Backend
}

// SimulatedExecutor stands in for a real FAISS/Qdrant round trip when no
// live backend is wired: latency and recall are drawn from a seeded
// distribution shaped by topk, the same "seeded *rand.Rand, pure formula"
// approach as cmd/octoreflex-sim/main.go's Simulator.Run. Useful for
// exercising the Orchestrator end-to-end without a running index.
type SimulatedExecutor struct {
	BaselineMs  float64
	BaseRecall  float64
	rng         *rand.Rand
}

// NewSimulatedExecutor builds a SimulatedExecutor seeded independently of
// the driver's draw sequence so simulated outcomes don't perturb which
// topk values get drawn.
func NewSimulatedExecutor(seed int64, baselineMs, baseRecall float64) *SimulatedExecutor {
	return &SimulatedExecutor{
		BaselineMs: baselineMs, BaseRecall: baseRecall,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Query implements Executor: latency grows with topk and has normal
// jitter; recall improves with topk but saturates below 1.0. Qdrant is
// modeled as consistently slower than Faiss, the same ordering the real
// backends show under comparable load.
func (e *SimulatedExecutor) Query(ctx context.Context, topk int, backend router.Backend) (float64, int, *float64, error) {
	jitter := e.rng.NormFloat64() * e.BaselineMs * 0.15
	latency := e.BaselineMs*(1+float64(topk)/64.0) + jitter
	if backend == router.Qdrant {
		latency *= 1.15
	}
	if latency < 1 {
		latency = 1
	}
	recall := e.BaseRecall + (1-e.BaseRecall)*(1-1/float64(1+topk))
	if recall > 1 {
		recall = 1
	}
	recall += e.rng.NormFloat64() * 0.02
	recall = clampRecall(recall)
	return latency, 200, &recall, nil
}

func clampRecall(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
