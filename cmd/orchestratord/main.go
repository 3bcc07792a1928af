// Package main — cmd/orchestratord/main.go
//
// orchestratord entrypoint.
//
// Startup sequence (mirrors the teacher agent's numbered-step shutdown
// shape, generalized from a root-owned kernel agent to a userspace HTTP
// service):
//  1. Load and validate config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the Job State Store and reconcile zombie RUNNING jobs.
//  4. Build the Controller Dispatcher, Router Gate, Bandit Selector,
//     Metrics Aggregator, and Job Manager.
//  5. Start the Prometheus metrics server (127.0.0.1:9091).
//  6. Start the Admin/Ops HTTP API server.
//  7. Start the single worker loop draining the Job Manager's queue.
//  8. Register SIGHUP handler for config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to the worker loop and API).
//  2. Shut down the HTTP API server with the configured grace period.
//  3. Shut down the metrics server.
//  4. Flush the logger.
//  5. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/waterwoods/searchforge-sub005/internal/api"
	"github.com/waterwoods/searchforge-sub005/internal/bandit"
	"github.com/waterwoods/searchforge-sub005/internal/config"
	"github.com/waterwoods/searchforge-sub005/internal/controllers"
	"github.com/waterwoods/searchforge-sub005/internal/eventlog"
	"github.com/waterwoods/searchforge-sub005/internal/jobmanager"
	"github.com/waterwoods/searchforge-sub005/internal/jobstore"
	"github.com/waterwoods/searchforge-sub005/internal/loadgen"
	"github.com/waterwoods/searchforge-sub005/internal/metricsagg"
	"github.com/waterwoods/searchforge-sub005/internal/metricsreg"
	"github.com/waterwoods/searchforge-sub005/internal/obslog"
	"github.com/waterwoods/searchforge-sub005/internal/orchestrator"
	"github.com/waterwoods/searchforge-sub005/internal/router"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/orchestratord/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("orchestratord %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────────
	log, err := obslog.Build(cfg.Obs.LogLevel, cfg.Obs.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("orchestratord starting",
		zap.String("version", config.Version),
		zap.String("run_tag", cfg.RunTag),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Job State Store + zombie reconciliation ──────────────────
	runsDir := cfg.Store.RunsDir
	store, err := jobstore.Open(filepath.Join(runsDir, "jobs.json"))
	if err != nil {
		log.Fatal("jobstore open failed", zap.Error(err))
	}
	reaped, err := store.ReconcileOnBoot(processAlive)
	if err != nil {
		log.Error("zombie reconciliation failed", zap.Error(err))
	} else if len(reaped) > 0 {
		log.Warn("reaped zombie jobs on boot", zap.Int("count", len(reaped)))
	}

	// ── Step 4: wire domain components ───────────────────────────────────
	metrics := metricsreg.New()

	dispatcher, err := controllers.NewDispatcher(
		controllers.PolicyAIMD,
		controllers.AIMDConfig{
			TargetP95Ms: cfg.Controller.TargetP95Ms, ThresholdFactor: cfg.Controller.AIMDThreshold,
			IncreaseStep: cfg.Controller.AIMDIncrease, DecreaseFactor: cfg.Controller.AIMDDecrease,
			Cooldown: cfg.Controller.AIMDCooldown,
		},
		controllers.PIDConfig{
			TargetP95Ms: cfg.Controller.TargetP95Ms, Kp: cfg.Controller.PIDKp, Ki: cfg.Controller.PIDKi,
			Kd: cfg.Controller.PIDKd, MaxAdjustment: cfg.Controller.PIDMaxAdjust, Deadband: cfg.Controller.PIDDeadband,
		},
	)
	if err != nil {
		log.Fatal("controller dispatcher init failed", zap.Error(err))
	}

	gate, err := router.NewGate(router.PolicyRules, cfg.Router.TopKThreshold, cfg.Router.SamplingPct,
		cfg.Router.PricePer1kDense, cfg.Router.PricePer1kRich, cfg.Router.LatencyWeight)
	if err != nil {
		log.Fatal("router gate init failed", zap.Error(err))
	}

	banditCfg := bandit.Config{
		Arms: cfg.Bandit.Arms, MinSamplesSelect: cfg.Bandit.MinSamplesSelect,
		MinSamplesReward: cfg.Bandit.MinSamplesReward, Alpha: cfg.Bandit.Alpha,
		Epsilon: cfg.Bandit.Epsilon, EpsDecay: cfg.Bandit.EpsilonDecay,
		TargetP95Ms: cfg.Controller.TargetP95Ms,
		Weights: bandit.Weights{
			Recall: cfg.Bandit.RewardWeightRecall, Latency: cfg.Bandit.RewardWeightLatency,
			Error: cfg.Bandit.RewardWeightError, Cost: cfg.Bandit.RewardWeightCost,
		},
	}
	banditStatePath := filepath.Join(runsDir, "bandit_state.json")
	selector, err := bandit.LoadState(banditStatePath, banditCfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		log.Fatal("bandit state load failed", zap.Error(err))
	}

	aggregator := metricsagg.New()
	executor := loadgen.NewSimulatedExecutor(time.Now().UnixNano(), 20, 0.9)
	eventsDir := filepath.Join(runsDir, "events")
	reportsDir := filepath.Join(runsDir, "reports")

	jobMgr := jobmanager.New(jobmanager.Config{
		Store: store, LogDir: filepath.Join(runsDir, "logs"),
		AllowedKinds: cfg.JobManager.AllowedKinds, FingerprintTTL: cfg.JobManager.FingerprintTTL,
		GracePeriod: cfg.JobManager.CancelGrace,
		NewWorker: newInProcessWorkerFactory(inProcessWorkerDeps{
			cfg: cfg, eventsDir: eventsDir, reportsDir: reportsDir, banditStatePath: banditStatePath,
			gate: gate, dispatcher: dispatcher, selector: selector, aggregator: aggregator, executor: executor,
			log: log,
		}),
	})

	ready := func() bool { return true }

	server := &api.Server{
		Jobs: jobMgr, Controller: dispatcher, RouterGate: gate, Aggregator: aggregator,
		Selector: selector, Executor: executor, EventsDir: eventsDir, ReportsDir: reportsDir,
		Logger: log, Ready: ready,
	}
	handler := api.NewRouter(server)

	// ── Step 5: Prometheus metrics server ────────────────────────────────
	go func() {
		if err := metrics.Serve(ctx, cfg.Obs.MetricsAddr, ready); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Obs.MetricsAddr))

	// ── Step 6: Admin/Ops API server ──────────────────────────────────────
	httpSrv := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("admin/ops API started", zap.String("addr", cfg.API.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server error", zap.Error(err))
		}
	}()

	// ── Step 7: worker loop ───────────────────────────────────────────────
	go runWorkerLoop(ctx, jobMgr, log)

	// ── Step 8: SIGHUP hot-reload ─────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Non-destructive fields only: store paths and bind addresses
			// require a restart, per the config package's own contract.
			if err := dispatcher.SetTargetP95Ms(newCfg.Controller.TargetP95Ms); err != nil {
				log.Error("target p95 reload failed", zap.Error(err))
				continue
			}
			log.Info("config hot-reload applied", zap.Float64("target_p95_ms", newCfg.Controller.TargetP95Ms))
		}
	}()

	// ── Step 9: wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownGrace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown did not complete cleanly", zap.Error(err))
	}

	log.Info("orchestratord shutdown complete")
}

// runWorkerLoop repeatedly drains the Job Manager's single-worker queue
// (spec §4.4: "single worker loop, one job RUNNING at a time").
func runWorkerLoop(ctx context.Context, mgr *jobmanager.Manager, log *zap.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started, err := mgr.RunNext(ctx)
			if err != nil {
				log.Error("job run failed", zap.Error(err))
			}
			if started {
				log.Info("job completed, checking for more work")
			}
		}
	}
}

// processAlive reports whether pid refers to a live process, using a
// zero-signal kill(2) probe (no signal is actually delivered).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// loadConfigOrDefaults loads configPath if present, falling back to
// compiled-in defaults so the daemon can start without a config file
// present (e.g. local development, the zero->aha path).
func loadConfigOrDefaults(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.Defaults()
		return &cfg, nil
	}
	return config.Load(configPath)
}

// inProcessWorkerDeps bundles the daemon-scoped components a job's
// InProcessWorker.Task needs to drive a real orchestrator run instead of
// the startup placeholder that only logged and returned.
type inProcessWorkerDeps struct {
	cfg             *config.Config
	eventsDir       string
	reportsDir      string
	banditStatePath string
	gate            *router.Gate
	dispatcher      *controllers.Dispatcher
	selector        *bandit.Selector
	aggregator      *metricsagg.Aggregator
	executor        loadgen.Executor
	log             *zap.Logger
}

// newInProcessWorkerFactory builds the jobmanager.WorkerFactory wiring
// /experiment/run submissions through to the Orchestrator (spec §4.4,
// §4.11): a "bandit-round" job drives one Selector round, everything else
// drives a full plan->commit->execute->report pipeline, matching what
// handleOrchestrateRun already does for /orchestrate/run.
func newInProcessWorkerFactory(d inProcessWorkerDeps) jobmanager.WorkerFactory {
	return func(id, kind string, params map[string]any) (jobmanager.Worker, error) {
		return &jobmanager.InProcessWorker{Task: func(ctx context.Context, logWriter *os.File) error {
			fmt.Fprintf(logWriter, "job id=%s kind=%s params=%v starting\n", id, kind, params)

			log, err := eventlog.Open(d.eventsDir, id, eventlog.Options{})
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer log.Close()

			deps := orchestrator.Deps{
				Events: log, Aggregator: d.aggregator, Router: d.gate,
				Controller: d.dispatcher, Selector: d.selector, Executor: d.executor,
			}

			if kind == "bandit-round" {
				req := requestFromParams(id, kind, params, d.cfg)
				deps.Driver = loadgen.NewDriver(loadgen.Config{
					Seed: req.Seed, TopKMix: req.TopKMix, QPS: req.QPS,
					ConcurrencyCap: req.ConcurrencyCap, WindowSec: req.WindowSec,
					RecallSample: req.RecallSample,
				})
				useUCB1 := d.cfg.Bandit.Algo == "ucb1"
				result, err := orchestrator.RunBanditRound(ctx, id, req, useUCB1, deps)
				if err != nil {
					return err
				}
				fmt.Fprintf(logWriter, "bandit round picked arm=%s reward=%.4f drift=%s\n",
					result.Selection.Arm, result.Reward, result.Drift)
				if err := d.selector.SaveState(d.banditStatePath); err != nil && d.log != nil {
					d.log.Error("bandit state save failed", zap.Error(err))
				}
				return nil
			}

			req := requestFromParams(id, kind, params, d.cfg)
			deps.Driver = loadgen.NewDriver(loadgen.Config{
				Seed: req.Seed, TopKMix: req.TopKMix, QPS: req.QPS,
				ConcurrencyCap: req.ConcurrencyCap, WindowSec: req.WindowSec,
				RecallSample: req.RecallSample,
			})

			report, err := orchestrator.Run(ctx, id, req, true, deps)
			if err != nil {
				return err
			}
			if report == nil {
				return nil
			}
			return orchestrator.WriteReportFiles(filepath.Join(d.reportsDir, id), report)
		}}, nil
	}
}

// requestFromParams builds an orchestrator.Request from a job's generic
// params bag, falling back to the daemon's LoadGen defaults for anything
// the simple /experiment/run submission (kind, dataset_name only) doesn't
// carry.
func requestFromParams(id, kind string, params map[string]any, cfg *config.Config) orchestrator.Request {
	return orchestrator.Request{
		Kind:           kind,
		DatasetName:    stringParam(params, "dataset_name", ""),
		Collection:     stringParam(params, "collection", ""),
		Qrels:          stringParam(params, "qrels", ""),
		Seed:           int64Param(params, "seed", int64(time.Now().UnixNano())),
		TopKMix:        topKMixParam(params, loadgen.TopKMix{10: 1.0}),
		QPS:            floatParam(params, "qps", cfg.LoadGen.QPS),
		ConcurrencyCap: int64Param(params, "concurrency_cap", int64(cfg.LoadGen.Concurrency)),
		WindowSec:      intParam(params, "window_sec", cfg.LoadGen.WindowSec),
		Rounds:         intParam(params, "rounds", cfg.LoadGen.Rounds),
		RecallSample:   floatParam(params, "recall_sample", cfg.LoadGen.RecallSample),
	}
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key].(float64); ok {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key].(float64); ok {
		return int(v)
	}
	return def
}

func int64Param(params map[string]any, key string, def int64) int64 {
	if v, ok := params[key].(float64); ok {
		return int64(v)
	}
	return def
}

// topKMixParam decodes a JSON-unmarshalled topk_mix param — encoding/json
// gives map[string]any with string keys and float64 values for a
// map[int]float64 field, so keys need re-parsing back to int.
func topKMixParam(params map[string]any, def loadgen.TopKMix) loadgen.TopKMix {
	raw, ok := params["topk_mix"].(map[string]any)
	if !ok || len(raw) == 0 {
		return def
	}
	mix := make(loadgen.TopKMix, len(raw))
	for k, v := range raw {
		weight, ok := v.(float64)
		if !ok {
			continue
		}
		var key int
		if _, err := fmt.Sscanf(k, "%d", &key); err != nil {
			continue
		}
		mix[key] = weight
	}
	if len(mix) == 0 {
		return def
	}
	return mix
}
