package controllers

import (
	"testing"
	"time"
)

func TestAIMD_DecreaseThenCooldown(t *testing.T) {
	cfg := AIMDConfig{TargetP95Ms: 100, ThresholdFactor: 1.2, IncreaseStep: 0.05, DecreaseFactor: 0.7, Cooldown: 30 * time.Second}
	c := NewAIMD(cfg)
	now := time.Now()

	first := c.Update(Metrics{P95Ms: 200, Now: now})
	if first.Action != Decrease {
		t.Fatalf("first action = %v, want decrease", first.Action)
	}

	second := c.Update(Metrics{P95Ms: 200, Now: now.Add(time.Second)})
	if second.Action != Hold {
		t.Fatalf("second action = %v, want hold (cooldown)", second.Action)
	}
}

func TestAIMD_MultiplierStaysClamped(t *testing.T) {
	cfg := AIMDConfig{TargetP95Ms: 100, ThresholdFactor: 1.2, IncreaseStep: 0.5, DecreaseFactor: 0.01, Cooldown: 0}
	c := NewAIMD(cfg)
	now := time.Now()
	for i := 0; i < 50; i++ {
		now = now.Add(time.Minute)
		rec := c.Update(Metrics{P95Ms: 10, Now: now}) // always healthy -> repeated increase
		concurrency := rec.Concurrency
		if concurrency > baseConcurrency*2+1 {
			t.Fatalf("concurrency exceeded max multiplier bound: %d", concurrency)
		}
	}
	if c.currentMultiplier > maxMultiplier {
		t.Errorf("multiplier = %f, want <= %f", c.currentMultiplier, maxMultiplier)
	}
}

func TestPID_DeadbandHolds(t *testing.T) {
	cfg := PIDConfig{TargetP95Ms: 100, Kp: 0.0, Ki: 0.0, Kd: 0.0, MaxAdjustment: 0.3, Deadband: 0.02}
	c := NewPID(cfg)
	rec := c.Update(Metrics{P95Ms: 100, Now: time.Now()})
	if rec.Action != Hold {
		t.Fatalf("action = %v, want hold when PID gains are zero", rec.Action)
	}
}

func TestPID_OutputClamped(t *testing.T) {
	cfg := PIDConfig{TargetP95Ms: 100, Kp: 10, Ki: 10, Kd: 10, MaxAdjustment: 0.3, Deadband: 0.02}
	c := NewPID(cfg)
	now := time.Now()
	rec := c.Update(Metrics{P95Ms: 1000, Now: now}) // huge error
	if rec.Action != Decrease {
		t.Fatalf("action = %v, want decrease under large positive error deficit", rec.Action)
	}
	if c.currentMultiplier < minMultiplier || c.currentMultiplier > maxMultiplier {
		t.Errorf("multiplier = %f out of bounds", c.currentMultiplier)
	}
}

func TestDispatcher_SwapsPolicy(t *testing.T) {
	d, err := NewDispatcher(PolicyAIMD, AIMDConfig{TargetP95Ms: 100, ThresholdFactor: 1.2, DecreaseFactor: 0.7, Cooldown: time.Second}, PIDConfig{TargetP95Ms: 100, MaxAdjustment: 0.3, Deadband: 0.02})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if d.Policy() != PolicyAIMD {
		t.Fatalf("Policy() = %v, want aimd", d.Policy())
	}
	if err := d.SetPolicy(PolicyPID); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if d.Policy() != PolicyPID {
		t.Fatalf("Policy() = %v, want pid", d.Policy())
	}
	if err := d.SetPolicy("bogus"); err == nil {
		t.Fatal("SetPolicy(bogus) should error")
	}
}

func TestDispatcher_SetTargetP95MsRebuildsActiveController(t *testing.T) {
	d, err := NewDispatcher(PolicyAIMD,
		AIMDConfig{TargetP95Ms: 100, ThresholdFactor: 1.2, DecreaseFactor: 0.7, Cooldown: time.Second},
		PIDConfig{TargetP95Ms: 100, MaxAdjustment: 0.3, Deadband: 0.02})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	if err := d.SetTargetP95Ms(200); err != nil {
		t.Fatalf("SetTargetP95Ms: %v", err)
	}
	if d.aimdCfg.TargetP95Ms != 200 || d.pidCfg.TargetP95Ms != 200 {
		t.Errorf("aimdCfg/pidCfg TargetP95Ms not updated: %+v %+v", d.aimdCfg, d.pidCfg)
	}
	if d.Policy() != PolicyAIMD {
		t.Errorf("Policy() = %v, want aimd (SetTargetP95Ms should preserve the active policy)", d.Policy())
	}
}
