package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/waterwoods/searchforge-sub005/internal/controllers"
	"github.com/waterwoods/searchforge-sub005/internal/jobmanager"
	"github.com/waterwoods/searchforge-sub005/internal/jobstore"
	"github.com/waterwoods/searchforge-sub005/internal/loadgen"
	"github.com/waterwoods/searchforge-sub005/internal/metricsagg"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := jobstore.Open(filepath.Join(dir, "jobs.json"))
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	mgr := jobmanager.New(jobmanager.Config{
		Store:          store,
		LogDir:         filepath.Join(dir, "logs"),
		AllowedKinds:   []string{"fiqa-fast"},
		FingerprintTTL: time.Minute,
		GracePeriod:    50 * time.Millisecond,
		NewWorker: func(id, kind string, params map[string]any) (jobmanager.Worker, error) {
			return &jobmanager.InProcessWorker{Task: func(ctx context.Context, logWriter *os.File) error {
				return nil
			}}, nil
		},
	})
	dispatcher, err := controllers.NewDispatcher(controllers.PolicyAIMD,
		controllers.AIMDConfig{TargetP95Ms: 100, ThresholdFactor: 1.2, DecreaseFactor: 0.7, Cooldown: time.Second},
		controllers.PIDConfig{TargetP95Ms: 100, MaxAdjustment: 0.3, Deadband: 0.02})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return &Server{
		Jobs: mgr, Controller: dispatcher, Aggregator: metricsagg.New(), EventsDir: dir,
		Executor: loadgen.NewSimulatedExecutor(1, 20, 0.9),
	}
}

func TestHandleSubmit_RejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	body := bytes.NewBufferString(`{"kind":"fiqa-fast","dataset_name":"fiqa","bogus":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/experiment/run", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for unknown field", rec.Code)
	}
}

func TestHandleSubmit_AcceptsValidRequest(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	body := bytes.NewBufferString(`{"kind":"fiqa-fast","dataset_name":"fiqa"}`)
	req := httptest.NewRequest(http.MethodPost, "/experiment/run", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["job_id"] == "" {
		t.Error("expected non-empty job_id")
	}
}

func TestHandleStatus_RejectsInvalidJobID(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/experiment/status/../etc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatal("expected rejection of a path-traversal-shaped job id")
	}
}

func TestHandleSetPolicy_RejectsUnknownPolicy(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	body := bytes.NewBufferString(`{"policy":"bogus"}`)
	req := httptest.NewRequest(http.MethodPost, "/ops/control/policy", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for unknown policy", rec.Code)
	}
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleOrchestrateRun_DryRunReturnsPlanWithoutReport(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	body := bytes.NewBufferString(`{"kind":"fiqa-fast","dataset_name":"fiqa","topk_mix":{"10":1},"qps":50,"concurrency_cap":2,"window_sec":1,"rounds":1}`)
	req := httptest.NewRequest(http.MethodPost, "/orchestrate/run?commit=false", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["commit"] != false {
		t.Errorf("expected commit=false in dry-run response, got %+v", resp)
	}
	if resp["fingerprint"] == "" {
		t.Error("expected a non-empty fingerprint in the plan response")
	}
}

func TestHandleOrchestrateRun_CommittedRunProducesRetrievableReport(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s)

	body := bytes.NewBufferString(`{"kind":"fiqa-fast","dataset_name":"fiqa","topk_mix":{"10":1},"qps":50,"concurrency_cap":2,"window_sec":1,"rounds":1}`)
	req := httptest.NewRequest(http.MethodPost, "/orchestrate/run?commit=true", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	runID, _ := resp["run_id"].(string)
	if runID == "" {
		t.Fatal("expected a non-empty run_id")
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		reportReq := httptest.NewRequest(http.MethodGet, "/orchestrate/report?run_id="+runID, nil)
		reportRec := httptest.NewRecorder()
		r.ServeHTTP(reportRec, reportReq)
		if reportRec.Code == http.StatusOK {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("report never became available for committed orchestrate run")
}

func TestHandleReadyz_ReflectsReadyFunc(t *testing.T) {
	s := newTestServer(t)
	s.Ready = func() bool { return false }
	r := NewRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when not ready", rec.Code)
	}
}
