// Package config provides configuration loading, validation, and hot-reload
// for the orchestration daemon.
//
// Configuration file: /etc/orchestratord/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - The daemon applies controller.target_p95_ms from the reloaded file;
//     every other setting takes effect only on restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., alpha in [0,1], weights >= 0).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure. All fields have defaults; see
// Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// RunTag labels runs produced by this node. A non-empty RUN_TAG env var
	// replaces the default; a value in the config file takes precedence.
	RunTag string `yaml:"run_tag"`

	API        APIConfig        `yaml:"api"`
	Store      StoreConfig      `yaml:"store"`
	JobManager JobManagerConfig `yaml:"job_manager"`
	Controller ControllerConfig `yaml:"controller"`
	Router     RouterConfig     `yaml:"router"`
	LoadGen    LoadGenConfig    `yaml:"load_generator"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Bandit     BanditConfig     `yaml:"bandit"`
	SLA        SLAConfig        `yaml:"sla"`
	Obs        ObservabilityConfig `yaml:"observability"`
}

// APIConfig configures the HTTP Admin/Ops surface.
type APIConfig struct {
	// ListenAddr is the HTTP bind address. Default: 127.0.0.1:8080.
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownGrace is how long the server waits for in-flight requests to
	// drain before forcing close. Default: 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// AllowedOrigins is validated but not passed to the API server; its CORS
	// middleware always allows every origin. Default: ["*"].
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig configures the on-disk layout of §6's persisted files.
type StoreConfig struct {
	// RunsDir is the root directory for jobs.json, events/, reports/,
	// bandit_state.json, and SLA_POLICY.yaml. Default: ./runs, or a
	// non-empty RUNS_DIR env var; a value in the config file takes precedence.
	RunsDir string `yaml:"runs_dir"`
}

// JobManagerConfig configures job lifecycle behaviour.
type JobManagerConfig struct {
	// AllowedKinds is the fixed allow-list for job kind. Default:
	// [fiqa-fast, canary, ab, sweep, bandit-round].
	AllowedKinds []string `yaml:"allowed_kinds"`

	// FingerprintTTL is how long a recent fingerprint is still treated as
	// in-flight for idempotent resubmission. Default: 5m.
	FingerprintTTL time.Duration `yaml:"fingerprint_ttl"`

	// CancelGrace is the grace period before a cancel escalates to forced
	// termination. Default: 10s.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// LogTailMax is checked by Validate only; the logs(tail=N) handler does
	// not cap N by it. Default: 2000.
	LogTailMax int `yaml:"log_tail_max"`
}

// ControllerConfig holds the AIMD and PID-lite constants (spec.md §4.5).
type ControllerConfig struct {
	TargetP95Ms    float64       `yaml:"target_p95_ms"`
	BaseValue      int           `yaml:"base_value"`
	AIMDThreshold  float64       `yaml:"aimd_threshold_factor"`
	AIMDIncrease   float64       `yaml:"aimd_increase_step"`
	AIMDDecrease   float64       `yaml:"aimd_decrease_factor"`
	AIMDCooldown   time.Duration `yaml:"aimd_cooldown"`
	PIDKp          float64       `yaml:"pid_kp"`
	PIDKi          float64       `yaml:"pid_ki"`
	PIDKd          float64       `yaml:"pid_kd"`
	PIDMaxAdjust   float64       `yaml:"pid_max_adjustment"`
	PIDDeadband    float64       `yaml:"pid_deadband"`
}

// RouterConfig holds the rules/cost router thresholds (spec.md §4.6).
type RouterConfig struct {
	TopKThreshold  int     `yaml:"topk_threshold"`
	CPUThreshold   float64 `yaml:"cpu_threshold"`
	SamplingPct    float64 `yaml:"sampling_pct"`
	LatencyWeight  float64 `yaml:"latency_weight"`
	PricePer1kDense float64 `yaml:"price_per_1k_dense"`
	PricePer1kRich  float64 `yaml:"price_per_1k_rich"`
	DecisionHistory int     `yaml:"decision_history_size"`
	BreakerMaxFailures uint32 `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// LoadGenConfig holds Load Generator defaults (spec.md §4.7).
type LoadGenConfig struct {
	QPS            float64       `yaml:"qps"`
	Concurrency    int           `yaml:"concurrency"`
	WindowSec      int           `yaml:"window_sec"`
	Rounds         int           `yaml:"rounds"`
	RecallSample   float64       `yaml:"recall_sample"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`
}

// MetricsConfig holds the Metrics Aggregator window shape (spec.md §4.8).
type MetricsConfig struct {
	BucketWidth time.Duration `yaml:"bucket_width"`
	WindowWidth time.Duration `yaml:"window_width"`
	MinSamplesForP95 int      `yaml:"min_samples_for_p95"`
}

// BanditConfig holds bandit defaults (spec.md §4.9).
type BanditConfig struct {
	Arms              []string `yaml:"arms"`
	Algo              string   `yaml:"algo"` // ucb1 | epsilon_greedy
	MinSamplesSelect  int      `yaml:"min_samples_select"`  // default 15 (select.py)
	MinSamplesReward  int      `yaml:"min_samples_reward"`  // default 30 (reward.py)
	Epsilon           float64  `yaml:"epsilon"`
	EpsilonDecay      float64  `yaml:"epsilon_decay"`
	Alpha             float64  `yaml:"alpha"` // BANDIT_ALPHA
	DriftThreshold    float64  `yaml:"drift_threshold"`
	RewardWeightRecall  float64 `yaml:"reward_weight_recall"`
	RewardWeightLatency float64 `yaml:"reward_weight_latency"`
	RewardWeightError   float64 `yaml:"reward_weight_error"`
	RewardWeightCost    float64 `yaml:"reward_weight_cost"`
}

// SLAConfig holds SLA evaluator/auto-tune defaults (spec.md §4.10).
type SLAConfig struct {
	RecallMin        float64 `yaml:"recall_at_10_min"`
	P95Max           float64 `yaml:"p95_ms_max"`
	CostMax          float64 `yaml:"cost_max"`
	AutoTuneEnabled  bool    `yaml:"autotune_enabled"`
	AutoTuneCooldown time.Duration `yaml:"autotune_cooldown"`
	BreachSoftWindow int     `yaml:"breach_soft_window"`
	BreachHardWindow int     `yaml:"breach_hard_window"`
}

// ObservabilityConfig holds metrics/logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	runTag := "default"
	if v := os.Getenv("RUN_TAG"); v != "" {
		runTag = v
	}
	runsDir := "./runs"
	if v := os.Getenv("RUNS_DIR"); v != "" {
		runsDir = v
	}
	return Config{
		SchemaVersion: "1",
		RunTag:        runTag,
		API: APIConfig{
			ListenAddr:     "127.0.0.1:8080",
			ShutdownGrace:  10 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Store: StoreConfig{
			RunsDir: runsDir,
		},
		JobManager: JobManagerConfig{
			AllowedKinds:   []string{"fiqa-fast", "canary", "ab", "sweep", "bandit-round"},
			FingerprintTTL: 5 * time.Minute,
			CancelGrace:    10 * time.Second,
			LogTailMax:     2000,
		},
		Controller: ControllerConfig{
			TargetP95Ms:   100,
			BaseValue:     16,
			AIMDThreshold: 1.2,
			AIMDIncrease:  0.05,
			AIMDDecrease:  0.7,
			AIMDCooldown:  30 * time.Second,
			PIDKp:         0.5,
			PIDKi:         0.1,
			PIDKd:         0.05,
			PIDMaxAdjust:  0.3,
			PIDDeadband:   0.02,
		},
		Router: RouterConfig{
			TopKThreshold:      32,
			CPUThreshold:       0.85,
			SamplingPct:        0.05,
			LatencyWeight:      0.7,
			PricePer1kDense:    0.02,
			PricePer1kRich:     0.08,
			DecisionHistory:    500,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		LoadGen: LoadGenConfig{
			QPS:            20,
			Concurrency:    8,
			WindowSec:      60,
			Rounds:         2,
			RecallSample:   0.1,
			BackendTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			BucketWidth:      5 * time.Second,
			WindowWidth:      60 * time.Second,
			MinSamplesForP95: 3,
		},
		Bandit: BanditConfig{
			Arms:                []string{"fast", "balanced", "quality"},
			Algo:                "ucb1",
			MinSamplesSelect:    15,
			MinSamplesReward:    30,
			Epsilon:             0.1,
			EpsilonDecay:        0.99,
			Alpha:               0.3,
			DriftThreshold:      0.1,
			RewardWeightRecall:  1.0,
			RewardWeightLatency: 0.7,
			RewardWeightError:   1.2,
			RewardWeightCost:    0.3,
		},
		SLA: SLAConfig{
			RecallMin:        0.94,
			P95Max:           1800,
			CostMax:          5e-5,
			AutoTuneEnabled:  true,
			AutoTuneCooldown: 10 * time.Minute,
			BreachSoftWindow: 20,
			BreachHardWindow: 50,
		},
		Obs: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a single
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Store.RunsDir == "" {
		errs = append(errs, "store.runs_dir must not be empty")
	}
	if len(cfg.JobManager.AllowedKinds) == 0 {
		errs = append(errs, "job_manager.allowed_kinds must not be empty")
	}
	if cfg.JobManager.LogTailMax < 1 {
		errs = append(errs, fmt.Sprintf("job_manager.log_tail_max must be >= 1, got %d", cfg.JobManager.LogTailMax))
	}
	if cfg.Controller.AIMDDecrease <= 0 || cfg.Controller.AIMDDecrease >= 1 {
		errs = append(errs, fmt.Sprintf("controller.aimd_decrease_factor must be in (0,1), got %f", cfg.Controller.AIMDDecrease))
	}
	if cfg.Controller.PIDMaxAdjust <= 0 {
		errs = append(errs, "controller.pid_max_adjustment must be > 0")
	}
	if cfg.Router.TopKThreshold < 1 {
		errs = append(errs, "router.topk_threshold must be >= 1")
	}
	if cfg.Router.SamplingPct < 0 || cfg.Router.SamplingPct > 1 {
		errs = append(errs, fmt.Sprintf("router.sampling_pct must be in [0,1], got %f", cfg.Router.SamplingPct))
	}
	if cfg.LoadGen.QPS <= 0 {
		errs = append(errs, "load_generator.qps must be > 0")
	}
	if cfg.LoadGen.Concurrency < 1 {
		errs = append(errs, "load_generator.concurrency must be >= 1")
	}
	if cfg.Metrics.BucketWidth <= 0 || cfg.Metrics.WindowWidth <= 0 {
		errs = append(errs, "metrics.bucket_width and window_width must be > 0")
	}
	if cfg.Metrics.WindowWidth%cfg.Metrics.BucketWidth != 0 {
		errs = append(errs, "metrics.window_width must be an exact multiple of bucket_width")
	}
	if len(cfg.Bandit.Arms) == 0 {
		errs = append(errs, "bandit.arms must not be empty")
	}
	if cfg.Bandit.Algo != "ucb1" && cfg.Bandit.Algo != "epsilon_greedy" {
		errs = append(errs, fmt.Sprintf("bandit.algo must be ucb1 or epsilon_greedy, got %q", cfg.Bandit.Algo))
	}
	if cfg.Bandit.MinSamplesSelect < 1 || cfg.Bandit.MinSamplesReward < 1 {
		errs = append(errs, "bandit.min_samples_select and min_samples_reward must be >= 1")
	}
	if cfg.Bandit.Alpha < 0 || cfg.Bandit.Alpha > 1 {
		errs = append(errs, fmt.Sprintf("bandit.alpha must be in [0,1], got %f", cfg.Bandit.Alpha))
	}
	if cfg.SLA.RecallMin < 0.30 || cfg.SLA.RecallMin > 0.99 {
		errs = append(errs, fmt.Sprintf("sla.recall_at_10_min must be in [0.30, 0.99], got %f", cfg.SLA.RecallMin))
	}
	if cfg.SLA.P95Max < 50 {
		errs = append(errs, fmt.Sprintf("sla.p95_ms_max must be >= 50, got %f", cfg.SLA.P95Max))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
