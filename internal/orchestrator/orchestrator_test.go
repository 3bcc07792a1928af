package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/waterwoods/searchforge-sub005/internal/bandit"
	"github.com/waterwoods/searchforge-sub005/internal/eventlog"
	"github.com/waterwoods/searchforge-sub005/internal/loadgen"
	"github.com/waterwoods/searchforge-sub005/internal/metricsagg"
	"github.com/waterwoods/searchforge-sub005/internal/router"
)

type fakeExecutor struct{}

func (fakeExecutor) Query(ctx context.Context, topk int, backend router.Backend) (float64, int, *float64, error) {
	return 5, 200, nil, nil
}


func baseRequest() Request {
	return Request{
		Kind: "fiqa-fast", DatasetName: "fiqa", Seed: 1,
		TopKMix: loadgen.TopKMix{10: 1}, QPS: 20, ConcurrencyCap: 2,
		WindowSec: 1, Rounds: 1, RecallSample: 0,
	}
}

func TestFingerprint_StableAcrossTopKMixKeyOrder(t *testing.T) {
	r1 := baseRequest()
	r1.TopKMix = loadgen.TopKMix{10: 0.7, 32: 0.3}
	r2 := baseRequest()
	r2.TopKMix = loadgen.TopKMix{32: 0.3, 10: 0.7}

	if Fingerprint(r1) != Fingerprint(r2) {
		t.Error("fingerprint should not depend on map iteration order")
	}
}

func TestFingerprint_DiffersOnKind(t *testing.T) {
	r1 := baseRequest()
	r2 := baseRequest()
	r2.Kind = "other-kind"
	if Fingerprint(r1) == Fingerprint(r2) {
		t.Error("fingerprint should differ when kind differs")
	}
}

func TestPlanRequest_EstimatesBatchesFromRounds(t *testing.T) {
	req := baseRequest()
	req.Rounds = 3
	req.WindowSec = 10
	plan := PlanRequest(req)
	if plan.EstimatedBatches != 6 {
		t.Errorf("EstimatedBatches = %d, want 6 (3 rounds * A+B)", plan.EstimatedBatches)
	}
	if plan.EstimatedSeconds != 70 {
		t.Errorf("EstimatedSeconds = %d, want 70 ((6+1)*10)", plan.EstimatedSeconds)
	}
}

func TestRun_DryRunEmitsPlanOnly(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.Open(dir, "run-dry", eventlog.Options{})
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()

	deps := Deps{Events: log, Aggregator: metricsagg.New()}
	report, err := Run(context.Background(), "run-dry", baseRequest(), false, deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report != nil {
		t.Error("dry run should return a nil report")
	}

	events, _, err := eventlog.Tail(dir, "run-dry", 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(events) != 1 || events[0].EventType != eventlog.DryRunPlan {
		t.Fatalf("events = %+v, want exactly one DRY_RUN_PLAN", events)
	}
}

func TestRun_CommittedRunProducesReport(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.Open(dir, "run-1", eventlog.Options{})
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()

	deps := Deps{
		Events:     log,
		Aggregator: metricsagg.New(),
		Driver:     loadgen.NewDriver(loadgen.Config{Seed: 1, TopKMix: loadgen.TopKMix{10: 1}, QPS: 30, WindowSec: 1, ConcurrencyCap: 2}),
		Executor:   fakeExecutor{},
	}

	report, err := Run(context.Background(), "run-1", baseRequest(), true, deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report == nil {
		t.Fatal("committed run should return a report")
	}

	events, _, err := eventlog.Tail(dir, "run-1", 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	last := events[len(events)-1]
	if last.EventType != eventlog.RunSucceeded {
		t.Errorf("last event = %v, want RUN_SUCCEEDED", last.EventType)
	}
}

func TestRunBanditRound_SelectsAndUpdatesAnArm(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.Open(dir, "run-bandit", eventlog.Options{})
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()

	selector := bandit.NewSelector(bandit.Config{
		Arms: []string{"fast", "balanced"}, MinSamplesSelect: 1, MinSamplesReward: 1,
		Alpha: 0.3, Weights: bandit.DefaultWeights,
	}, rand.New(rand.NewSource(1)))

	deps := Deps{
		Events:     log,
		Aggregator: metricsagg.New(),
		Driver:     loadgen.NewDriver(loadgen.Config{Seed: 1, TopKMix: loadgen.TopKMix{10: 1}, QPS: 30, WindowSec: 1, ConcurrencyCap: 2}),
		Executor:   fakeExecutor{},
		Selector:   selector,
	}

	result, err := RunBanditRound(context.Background(), "run-bandit", baseRequest(), true, deps)
	if err != nil {
		t.Fatalf("RunBanditRound: %v", err)
	}
	if result.Selection.Arm == "" {
		t.Fatal("expected a non-empty arm selection")
	}

	st := selector.State(result.Selection.Arm)
	if st == nil || st.Counts == 0 {
		t.Fatalf("State(%q) = %+v, want Counts > 0 after Update", result.Selection.Arm, st)
	}
}

func TestFailRun_DistinguishesCancelledFromFailed(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.Open(dir, "run-fail", eventlog.Options{})
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer log.Close()
	deps := Deps{Events: log}

	_ = failRun(deps, "run-fail", "PHASE_A", errors.New("backend unavailable"))
	_ = failRun(deps, "run-fail", "PHASE_B", fmt.Errorf("worker stopped: %w", context.Canceled))

	events, _, err := eventlog.Tail(dir, "run-fail", 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2", events)
	}
	if events[0].EventType != eventlog.RunFailed {
		t.Errorf("events[0] = %v, want RUN_FAILED", events[0].EventType)
	}
	if events[1].EventType != eventlog.RunCancelled {
		t.Errorf("events[1] = %v, want RUN_CANCELLED", events[1].EventType)
	}
}
