// Package api implements the Admin/Ops HTTP surface (spec §6) on
// go-chi/chi: every handler validates via internal/idguard and
// go-playground/validator, dispatches to the relevant component, and
// translates the typed error taxonomy (spec §7) to JSON — ported from the
// teacher's validate-then-dispatch-then-respond shape in
// internal/operator/server.go (there a Unix-socket JSON-line protocol,
// here chi.Router handlers).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waterwoods/searchforge-sub005/internal/apierr"
	"github.com/waterwoods/searchforge-sub005/internal/bandit"
	"github.com/waterwoods/searchforge-sub005/internal/controllers"
	"github.com/waterwoods/searchforge-sub005/internal/eventlog"
	"github.com/waterwoods/searchforge-sub005/internal/idguard"
	"github.com/waterwoods/searchforge-sub005/internal/jobmanager"
	"github.com/waterwoods/searchforge-sub005/internal/loadgen"
	"github.com/waterwoods/searchforge-sub005/internal/metricsagg"
	"github.com/waterwoods/searchforge-sub005/internal/orchestrator"
	"github.com/waterwoods/searchforge-sub005/internal/router"
)

// SubmitRequest is the closed schema for POST /experiment/run (spec §6).
type SubmitRequest struct {
	Kind        string `json:"kind" validate:"required"`
	DatasetName string `json:"dataset_name" validate:"required"`
}

// PolicyRequest is the closed schema for POST /ops/control/policy.
type PolicyRequest struct {
	Policy string `json:"policy" validate:"required,oneof=aimd pid"`
}

// RoutingFlagsRequest is the closed schema for POST /ops/routing/flags.
type RoutingFlagsRequest struct {
	Enabled       bool   `json:"enabled"`
	Mode          string `json:"mode" validate:"required,oneof=rules cost"`
	ManualBackend string `json:"manual_backend,omitempty" validate:"omitempty,oneof=faiss qdrant"`
}

// OrchestrateRunRequest is the closed schema for POST /orchestrate/run.
type OrchestrateRunRequest struct {
	Kind           string          `json:"kind" validate:"required"`
	DatasetName    string          `json:"dataset_name" validate:"required"`
	Collection     string          `json:"collection,omitempty"`
	Qrels          string          `json:"qrels,omitempty"`
	Seed           int64           `json:"seed"`
	TopKMix        loadgen.TopKMix `json:"topk_mix" validate:"required"`
	QPS            float64         `json:"qps" validate:"required,gt=0"`
	ConcurrencyCap int64           `json:"concurrency_cap" validate:"required,gt=0"`
	WindowSec      int             `json:"window_sec" validate:"required,gt=0"`
	Rounds         int             `json:"rounds" validate:"required,gt=0"`
	RecallSample   float64         `json:"recall_sample,omitempty"`
}

// Server bundles the components the HTTP surface dispatches to.
type Server struct {
	Jobs       *jobmanager.Manager
	Controller *controllers.Dispatcher
	RouterGate *router.Gate
	Aggregator *metricsagg.Aggregator
	Selector   *bandit.Selector
	Executor   loadgen.Executor
	EventsDir  string
	ReportsDir string
	Logger     *zap.Logger
	Ready      func() bool

	validate *validator.Validate

	reportsMu sync.Mutex
	reports   map[string]*orchestrator.Report
}

// NewRouter builds the chi.Router implementing every endpoint in spec §6.
func NewRouter(s *Server) http.Handler {
	s.validate = validator.New()
	s.reports = make(map[string]*orchestrator.Report)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Post("/experiment/run", s.handleSubmit)
	r.Get("/experiment/status/{jobID}", s.handleStatus)
	r.Get("/experiment/logs/{jobID}", s.handleLogs)
	r.Post("/experiment/cancel/{jobID}", s.handleCancel)
	r.Get("/experiment/jobs", s.handleList)

	r.Post("/orchestrate/run", s.handleOrchestrateRun)
	r.Get("/orchestrate/status", s.handleOrchestrateStatus)
	r.Get("/orchestrate/report", s.handleOrchestrateReport)

	r.Post("/ops/control/policy", s.handleSetPolicy)
	r.Post("/ops/routing/flags", s.handleRoutingFlags)

	r.Get("/metrics/window60s", s.handleWindow60s)
	r.Get("/metrics/series60s", s.handleSeries60s)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates the typed error taxonomy (spec §7) to JSON, never
// a bare 500 except through chi's Recoverer for true panics.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		writeJSON(w, apiErr.HTTPStatus(), map[string]any{
			"error": map[string]any{"kind": apiErr.Kind, "message": apiErr.Message, "detail": apiErr.Detail},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]any{"kind": apierr.Fatal, "message": err.Error()},
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "malformed or unknown-field request body", err.Error()))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "request failed validation", err.Error()))
		return
	}

	id := newJobID()
	job, err := s.Jobs.Submit(id, "", jobmanager.Request{
		Kind:   req.Kind,
		Params: map[string]any{"dataset_name": req.DatasetName},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.JobID, "status": job.Status})
}

func jobIDFromPath(r *http.Request) (string, error) {
	id := chi.URLParam(r, "jobID")
	if err := idguard.ValidateJobID(id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Jobs.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 {
			tail = n
		}
	}
	lines, err := s.Jobs.Logs(id, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, getErr := s.Jobs.Status(id)
	if getErr != nil {
		writeError(w, getErr)
		return
	}
	if job.Status.IsTerminal() {
		// Cancel is idempotent: already-terminal jobs return their final
		// state rather than an error (spec §6).
		writeJSON(w, http.StatusOK, job)
		return
	}
	if err := s.Jobs.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	updated, _ := s.Jobs.Status(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	jobs := s.Jobs.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleOrchestrateRun(w http.ResponseWriter, r *http.Request) {
	var req OrchestrateRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "malformed or unknown-field request body", err.Error()))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "request failed validation", err.Error()))
		return
	}

	commit := r.URL.Query().Get("commit") == "true"
	runID := newJobID()
	orchReq := orchestrator.Request{
		Kind: req.Kind, DatasetName: req.DatasetName, Collection: req.Collection,
		Qrels: req.Qrels, Seed: req.Seed, TopKMix: req.TopKMix, QPS: req.QPS,
		ConcurrencyCap: req.ConcurrencyCap, WindowSec: req.WindowSec, Rounds: req.Rounds,
		RecallSample: req.RecallSample,
	}
	plan := orchestrator.PlanRequest(orchReq)

	if !commit {
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id": runID, "commit": false, "fingerprint": plan.Fingerprint,
			"estimated_batches": plan.EstimatedBatches, "estimated_seconds": plan.EstimatedSeconds,
		})
		return
	}

	log, err := eventlog.Open(s.EventsDir, runID, eventlog.Options{})
	if err != nil {
		writeError(w, fmt.Errorf("open event log: %w", err))
		return
	}

	go func() {
		defer log.Close()
		deps := orchestrator.Deps{
			Events: log, Aggregator: s.Aggregator, Router: s.RouterGate,
			Controller: s.Controller, Selector: s.Selector,
			Driver:   loadgen.NewDriver(loadgen.Config{Seed: req.Seed, TopKMix: req.TopKMix, QPS: req.QPS, ConcurrencyCap: req.ConcurrencyCap, WindowSec: req.WindowSec, RecallSample: req.RecallSample}),
			Executor: s.Executor,
		}
		report, err := orchestrator.Run(context.Background(), runID, orchReq, true, deps)
		if err != nil || report == nil {
			return
		}
		s.reportsMu.Lock()
		s.reports[runID] = report
		s.reportsMu.Unlock()

		if s.ReportsDir != "" {
			if err := orchestrator.WriteReportFiles(filepath.Join(s.ReportsDir, runID), report); err != nil && s.Logger != nil {
				s.Logger.Error("write report files", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "commit": true})
}

func (s *Server) handleOrchestrateStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if err := idguard.ValidateJobID(runID); err != nil {
		writeError(w, err)
		return
	}
	events, offset, err := eventlog.Tail(s.EventsDir, runID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events, "offset": offset})
}

func (s *Server) handleOrchestrateReport(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if err := idguard.ValidateJobID(runID); err != nil {
		writeError(w, err)
		return
	}
	s.reportsMu.Lock()
	report, ok := s.reports[runID]
	s.reportsMu.Unlock()
	if !ok {
		writeError(w, apierr.WithDetail(apierr.NotFound, "report not ready", runID))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "malformed request body", err.Error()))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "request failed validation", err.Error()))
		return
	}
	if err := s.Controller.SetPolicy(controllers.Policy(req.Policy)); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "unknown policy", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": req.Policy})
}

func (s *Server) handleRoutingFlags(w http.ResponseWriter, r *http.Request) {
	var req RoutingFlagsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "malformed request body", err.Error()))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, apierr.WithDetail(apierr.InvalidInput, "request failed validation", err.Error()))
		return
	}

	if s.RouterGate != nil {
		if err := s.RouterGate.SetPolicy(router.Policy(req.Mode)); err != nil {
			writeError(w, apierr.WithDetail(apierr.InvalidInput, "unknown routing mode", err.Error()))
			return
		}
		manual := router.Backend(req.ManualBackend)
		s.RouterGate.SetFlags(req.Enabled, manual)
	}

	writeJSON(w, http.StatusOK, map[string]any{"mode": req.Mode, "enabled": req.Enabled, "manual_backend": req.ManualBackend})
}

func (s *Server) handleWindow60s(w http.ResponseWriter, r *http.Request) {
	snap := s.Aggregator.Snapshot60s()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSeries60s(w http.ResponseWriter, r *http.Request) {
	snap := s.Aggregator.Snapshot60s()
	writeJSON(w, http.StatusOK, map[string]any{"series": snap.Series})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil && !s.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// newJobID generates an opaque job id. Grounded on jordigilh-kubernaut's
// use of google/uuid for request-scoped identifiers.
func newJobID() string {
	return uuid.NewString()
}
