// Package controllers implements the AIMD and PID-lite adaptive tuning
// loops (spec §4.5). Both are pure functions of history and config — they
// perform no I/O and never block.
package controllers

import (
	"fmt"
	"time"
)

// Metrics is one observation fed to a Controller.
type Metrics struct {
	P95Ms      float64
	QPS        float64
	ErrRate    float64
	QueueDepth int
	Now        time.Time
}

// Action classifies what a Recommendation did relative to the prior state.
type Action string

const (
	Increase Action = "increase"
	Decrease Action = "decrease"
	Hold     Action = "hold"
)

// Recommendation is the output of a controller update (spec §4.5).
type Recommendation struct {
	Concurrency int
	BatchSize   int
	Action      Action
	Reason      string
	Confidence  float64
}

// Controller is the shared interface both AIMD and PID-lite implement, so
// the Dispatcher (and POST /ops/control/policy) can swap policy at runtime
// without the orchestrator knowing which one is active.
type Controller interface {
	Update(m Metrics) Recommendation
	Reset()
}

const (
	baseConcurrency = 20
	baseBatchSize   = 10
	minMultiplier   = 0.1
	maxMultiplier   = 2.0
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func paramsFromMultiplier(mult float64) (concurrency, batchSize int) {
	concurrency = int(float64(baseConcurrency) * mult)
	if concurrency < 1 {
		concurrency = 1
	}
	batchSize = int(float64(baseBatchSize) * mult)
	if batchSize < 1 {
		batchSize = 1
	}
	return
}

// AIMDConfig holds the AIMD constants (spec §4.5).
type AIMDConfig struct {
	TargetP95Ms    float64
	ThresholdFactor float64 // default 1.2
	IncreaseStep   float64 // default 0.05
	DecreaseFactor float64 // default 0.7
	Cooldown       time.Duration // default 30s
}

// AIMD is the additive-increase/multiplicative-decrease controller.
type AIMD struct {
	cfg              AIMDConfig
	currentMultiplier float64
	lastDecreaseAt   time.Time
	decisions        int
}

// NewAIMD constructs an AIMD controller with multiplier 1.0.
func NewAIMD(cfg AIMDConfig) *AIMD {
	return &AIMD{cfg: cfg, currentMultiplier: 1.0}
}

// Update implements Controller (grounded on
// original_source/backend_core/flow_control.py AIMDController.update).
func (c *AIMD) Update(m Metrics) Recommendation {
	c.decisions++
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	inCooldown := !c.lastDecreaseAt.IsZero() && now.Sub(c.lastDecreaseAt) < c.cfg.Cooldown
	threshold := c.cfg.TargetP95Ms * c.cfg.ThresholdFactor

	var action Action
	var reason string
	var confidence float64

	switch {
	case m.P95Ms > threshold:
		if !inCooldown {
			c.lastDecreaseAt = now
			c.currentMultiplier *= c.cfg.DecreaseFactor
			action = Decrease
			reason = fmt.Sprintf("p95=%.1fms > %.1fms", m.P95Ms, threshold)
			confidence = 0.9
		} else {
			action = Hold
			remaining := c.cfg.Cooldown - now.Sub(c.lastDecreaseAt)
			reason = fmt.Sprintf("cooldown (%.0fs remaining)", remaining.Seconds())
			confidence = 0.5
		}
	case m.P95Ms < c.cfg.TargetP95Ms*0.8:
		c.currentMultiplier *= 1.0 + c.cfg.IncreaseStep
		action = Increase
		reason = fmt.Sprintf("p95=%.1fms < %.1fms", m.P95Ms, c.cfg.TargetP95Ms)
		confidence = 0.85
	default:
		action = Hold
		reason = fmt.Sprintf("p95=%.1fms in acceptable range", m.P95Ms)
		confidence = 0.7
	}

	c.currentMultiplier = clamp(c.currentMultiplier, minMultiplier, maxMultiplier)
	concurrency, batchSize := paramsFromMultiplier(c.currentMultiplier)

	return Recommendation{
		Concurrency: concurrency,
		BatchSize:   batchSize,
		Action:      action,
		Reason:      reason,
		Confidence:  confidence,
	}
}

// Reset restores the AIMD controller to its initial state.
func (c *AIMD) Reset() {
	c.currentMultiplier = 1.0
	c.lastDecreaseAt = time.Time{}
	c.decisions = 0
}

// PIDConfig holds the PID-lite constants (spec §4.5).
type PIDConfig struct {
	TargetP95Ms  float64
	Kp, Ki, Kd   float64
	MaxAdjustment float64 // default 0.3
	Deadband     float64 // default 0.02
}

// PID is the proportional-integral-derivative-lite controller.
type PID struct {
	cfg               PIDConfig
	integral          float64
	lastError         float64
	lastTime          time.Time
	currentMultiplier float64
	decisions         int
}

// NewPID constructs a PID controller with multiplier 1.0.
func NewPID(cfg PIDConfig) *PID {
	return &PID{cfg: cfg, currentMultiplier: 1.0}
}

// Update implements Controller (grounded on
// original_source/backend_core/flow_control.py PIDController.update).
func (c *PID) Update(m Metrics) Recommendation {
	c.decisions++
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	errVal := (c.cfg.TargetP95Ms - m.P95Ms) / c.cfg.TargetP95Ms

	var dt float64
	if c.lastTime.IsZero() {
		dt = 1.0
	} else {
		dt = now.Sub(c.lastTime).Seconds()
		if dt < 0.1 {
			dt = 0.1
		}
	}

	c.integral += errVal * dt
	c.integral = clamp(c.integral, -2.0, 2.0)

	derivative := (errVal - c.lastError) / dt

	output := c.cfg.Kp*errVal + c.cfg.Ki*c.integral + c.cfg.Kd*derivative
	output = clamp(output, -c.cfg.MaxAdjustment, c.cfg.MaxAdjustment)

	c.currentMultiplier *= 1.0 + output
	c.currentMultiplier = clamp(c.currentMultiplier, minMultiplier, maxMultiplier)

	c.lastError = errVal
	c.lastTime = now

	var action Action
	var reason string
	var confidence float64
	switch {
	case output > c.cfg.Deadband:
		action = Increase
		reason = fmt.Sprintf("PID: error=%.3f, output=+%.3f", errVal, output)
		confidence = 0.85
	case output < -c.cfg.Deadband:
		action = Decrease
		reason = fmt.Sprintf("PID: error=%.3f, output=%.3f", errVal, output)
		confidence = 0.9
	default:
		action = Hold
		reason = fmt.Sprintf("PID: error=%.3f, stable", errVal)
		confidence = 0.7
	}

	concurrency, batchSize := paramsFromMultiplier(c.currentMultiplier)
	return Recommendation{
		Concurrency: concurrency,
		BatchSize:   batchSize,
		Action:      action,
		Reason:      reason,
		Confidence:  confidence,
	}
}

// Reset restores the PID controller to its initial state.
func (c *PID) Reset() {
	c.integral = 0
	c.lastError = 0
	c.lastTime = time.Time{}
	c.currentMultiplier = 1.0
	c.decisions = 0
}

// Policy names a controller implementation, swappable at runtime via
// POST /ops/control/policy.
type Policy string

const (
	PolicyAIMD Policy = "aimd"
	PolicyPID  Policy = "pid"
)

// Dispatcher owns the active controller and lets the Ops API swap policies
// without the orchestrator needing to know which implementation is live
// (grounded on original_source/backend_core/flow_control.py FlowController).
type Dispatcher struct {
	policy     Policy
	controller Controller
	aimdCfg    AIMDConfig
	pidCfg     PIDConfig
}

// NewDispatcher builds a Dispatcher starting on the given policy.
func NewDispatcher(policy Policy, aimdCfg AIMDConfig, pidCfg PIDConfig) (*Dispatcher, error) {
	d := &Dispatcher{aimdCfg: aimdCfg, pidCfg: pidCfg}
	if err := d.SetPolicy(policy); err != nil {
		return nil, err
	}
	return d, nil
}

// SetPolicy swaps the active controller implementation, resetting state.
func (d *Dispatcher) SetPolicy(policy Policy) error {
	switch policy {
	case PolicyAIMD:
		d.controller = NewAIMD(d.aimdCfg)
	case PolicyPID:
		d.controller = NewPID(d.pidCfg)
	default:
		return fmt.Errorf("controllers: unknown policy %q", policy)
	}
	d.policy = policy
	return nil
}

// Policy returns the currently active policy name.
func (d *Dispatcher) Policy() Policy { return d.policy }

// SetTargetP95Ms updates the latency target on both controller configs and
// rebuilds the active controller against it (config hot-reload path).
func (d *Dispatcher) SetTargetP95Ms(targetMs float64) error {
	d.aimdCfg.TargetP95Ms = targetMs
	d.pidCfg.TargetP95Ms = targetMs
	return d.SetPolicy(d.policy)
}

// Update delegates to the active controller.
func (d *Dispatcher) Update(m Metrics) Recommendation { return d.controller.Update(m) }
