// Package sla implements the SLA Evaluator & Winner Picker (spec §4.10),
// supplemented with the sliding-window soft/hard breach monitor from
// original_source/modules/metrics/sla_monitor.py and the auto-tune margin
// arithmetic from original_source/scripts/update_sla_from_results.py.
package sla

import (
	"sort"
	"time"
)

// Color is a traffic-light sub-verdict.
type Color string

const (
	Green  Color = "green"
	Yellow Color = "yellow"
	Red    Color = "red"
)

// Verdict is the overall PASS/WARN/FAIL result (spec §4.10).
type Verdict string

const (
	Pass Verdict = "PASS"
	Warn Verdict = "WARN"
	Fail Verdict = "FAIL"
)

// Measurement is one configuration's measured outcome, input to Evaluate
// (spec §4.10).
type Measurement struct {
	PValue      float64
	Buckets     int
	DeltaRecall float64
	DeltaP95Ms  float64
	SafetyRate  float64
	ApplyRate   float64
	CostPerQuery float64
}

// Result bundles the three sub-verdicts and the overall verdict.
type Result struct {
	Quality Color
	SLA     Color
	Cost    Color
	Overall Verdict
}

// qualityColor implements the Quality sub-verdict (spec §4.10): green iff
// p_value < 0.05, buckets >= 10, and deltaRecall >= -0.01; degrades to
// yellow when only the statistical-significance bar is missed, and to red
// when recall has regressed meaningfully.
func qualityColor(m Measurement) Color {
	if m.DeltaRecall < -0.02 {
		return Red
	}
	if m.PValue < 0.05 && m.Buckets >= 10 && m.DeltaRecall >= -0.01 {
		return Green
	}
	return Yellow
}

// slaColor implements the SLA sub-verdict (spec §4.10): green when
// deltaP95 <= 5ms and safety_rate >= 0.99 and apply_rate >= 0.95; red when
// safety_rate < 0.95 or deltaP95 > 20ms (apply_rate alone never gives red);
// yellow otherwise.
func slaColor(m Measurement) Color {
	if m.SafetyRate < 0.95 || m.DeltaP95Ms > 20 {
		return Red
	}
	if m.DeltaP95Ms <= 5 && m.SafetyRate >= 0.99 && m.ApplyRate >= 0.95 {
		return Green
	}
	return Yellow
}

// costColor implements the Cost sub-verdict (spec §4.10).
func costColor(m Measurement) Color {
	switch {
	case m.CostPerQuery <= 5e-5:
		return Green
	case m.CostPerQuery <= 1e-4:
		return Yellow
	default:
		return Red
	}
}

// Evaluate computes the full Result for one configuration measurement
// (spec §4.10): PASS iff all green, FAIL iff any red, else WARN.
func Evaluate(m Measurement) Result {
	q, s, c := qualityColor(m), slaColor(m), costColor(m)
	overall := Pass
	switch {
	case q == Red || s == Red || c == Red:
		overall = Fail
	case q == Yellow || s == Yellow || c == Yellow:
		overall = Warn
	}
	return Result{Quality: q, SLA: s, Cost: c, Overall: overall}
}

// Candidate is one configuration's aggregate outcome, input to winner
// selection (spec §4.10).
type Candidate struct {
	Name      string
	RecallAt10 float64
	P95Ms     float64
	Cost      float64
	QPS       float64
}

// WinnerKind names which winner category was computed.
type WinnerKind string

const (
	WinnerQuality  WinnerKind = "quality"
	WinnerLatency  WinnerKind = "latency"
	WinnerBalanced WinnerKind = "balanced"
)

// Winners holds the three named winners over a candidate set (spec
// §4.10). A nil pointer means no eligible candidate existed (e.g. Latency
// when every candidate has p95_ms == 0).
type Winners struct {
	Quality  *Candidate
	Latency  *Candidate
	Balanced *Candidate
}

// PickWinners computes quality/latency/balanced winners over candidates
// (spec §4.10): quality maximizes recall@10 tiebreaking on min p95;
// latency minimizes p95 among candidates with p95>0, tiebreaking on max
// recall@10; balanced maximizes recall@10 - 0.0005*p95_ms.
func PickWinners(candidates []Candidate) Winners {
	var w Winners
	if len(candidates) == 0 {
		return w
	}

	quality := append([]Candidate(nil), candidates...)
	sort.Slice(quality, func(i, j int) bool {
		if quality[i].RecallAt10 != quality[j].RecallAt10 {
			return quality[i].RecallAt10 > quality[j].RecallAt10
		}
		return quality[i].P95Ms < quality[j].P95Ms
	})
	q := quality[0]
	w.Quality = &q

	var latencyEligible []Candidate
	for _, c := range candidates {
		if c.P95Ms > 0 {
			latencyEligible = append(latencyEligible, c)
		}
	}
	if len(latencyEligible) > 0 {
		sort.Slice(latencyEligible, func(i, j int) bool {
			if latencyEligible[i].P95Ms != latencyEligible[j].P95Ms {
				return latencyEligible[i].P95Ms < latencyEligible[j].P95Ms
			}
			return latencyEligible[i].RecallAt10 > latencyEligible[j].RecallAt10
		})
		l := latencyEligible[0]
		w.Latency = &l
	}

	balanced := append([]Candidate(nil), candidates...)
	score := func(c Candidate) float64 { return c.RecallAt10 - 0.0005*c.P95Ms }
	sort.Slice(balanced, func(i, j int) bool { return score(balanced[i]) > score(balanced[j]) })
	b := balanced[0]
	w.Balanced = &b

	return w
}

// AcceptSweepCandidate applies the stricter winner pass used on sweeps
// (spec §4.10): acceptance gates recall@10 >= 0.94 and p95_ms <= 1800; when
// comparing against a hybrid baseline, additionally require deltaRecall >=
// 0.01 and deltaP95Ms <= 200.
func AcceptSweepCandidate(c Candidate, baseline *Candidate) bool {
	if c.RecallAt10 < 0.94 || c.P95Ms > 1800 {
		return false
	}
	if baseline == nil {
		return true
	}
	deltaRecall := c.RecallAt10 - baseline.RecallAt10
	deltaP95 := c.P95Ms - baseline.P95Ms
	return deltaRecall >= 0.01 && deltaP95 <= 200
}

// Policy is the persisted SLA policy auto-tune operates on (spec §4.10).
type Policy struct {
	RecallAt10Min float64
	P95MsMax      float64
	CostMax       float64
}

// AutoTune recomputes Policy from the latest accepted winner (spec §4.10,
// grounded on update_sla_from_results.py): recall_at_10_min =
// clamp(0.9*recall, 0.30, 0.99); p95_ms_max = max(50, 1.10*p95); cost_max
// is preserved unless overrideCostMax is non-nil.
func AutoTune(current Policy, winner Candidate, overrideCostMax *float64) Policy {
	next := Policy{
		RecallAt10Min: clampF(0.9*winner.RecallAt10, 0.30, 0.99),
		P95MsMax:      maxF(50.0, 1.10*winner.P95Ms),
		CostMax:       current.CostMax,
	}
	if overrideCostMax != nil {
		next.CostMax = *overrideCostMax
	}
	return next
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// BreachLevel is the sliding-window breach level (supplemented from
// sla_monitor.py, not part of the per-run PASS/WARN/FAIL verdict above).
type BreachLevel string

const (
	BreachNone BreachLevel = "none"
	BreachSoft BreachLevel = "soft"
	BreachHard BreachLevel = "hard"
)

// BreachTargets configures the sliding-window monitor (sla_monitor.py
// SlaTargets).
type BreachTargets struct {
	P95TargetMs  float64
	P99HardMs    float64
	WindowSeconds int
	MinSamples   int
	Enabled      bool
}

type breachSample struct {
	ts        time.Time
	latencyMs float64
}

// BreachMonitor is a sliding-window latency monitor distinct from the
// per-run verdict: it watches live traffic and flags soft/hard SLA
// breaches continuously. It is standalone; nothing else in this module
// consumes its result.
type BreachMonitor struct {
	targets BreachTargets
	buf     []breachSample
}

// NewBreachMonitor constructs a BreachMonitor.
func NewBreachMonitor(targets BreachTargets) *BreachMonitor {
	return &BreachMonitor{targets: targets}
}

// Feed records one latency sample, pruning anything older than
// WindowSeconds. No-op when the monitor is disabled (sla_monitor.py feed).
func (b *BreachMonitor) Feed(latencyMs float64, ts time.Time) {
	if !b.targets.Enabled {
		return
	}
	b.buf = append(b.buf, breachSample{ts: ts, latencyMs: latencyMs})
	cutoff := ts.Add(-time.Duration(b.targets.WindowSeconds) * time.Second)
	i := 0
	for i < len(b.buf) && b.buf[i].ts.Before(cutoff) {
		i++
	}
	b.buf = b.buf[i:]
}

// Evaluate returns the current breach level, p95, p99, and sample count
// (sla_monitor.py evaluate). Returns (none, 0, 0, 0) when disabled and
// (none, 0, 0, n) when under-sampled.
func (b *BreachMonitor) Evaluate() (BreachLevel, float64, float64, int) {
	if !b.targets.Enabled {
		return BreachNone, 0, 0, 0
	}
	n := len(b.buf)
	if n < b.targets.MinSamples {
		return BreachNone, 0, 0, n
	}
	vals := make([]float64, n)
	for i, s := range b.buf {
		vals[i] = s.latencyMs
	}
	sort.Float64s(vals)
	p95 := percentileOf(vals, 0.95)
	p99 := percentileOf(vals, 0.99)
	if p99 >= b.targets.P99HardMs {
		return BreachHard, p95, p99, n
	}
	if p95 >= b.targets.P95TargetMs {
		return BreachSoft, p95, p99, n
	}
	return BreachNone, p95, p99, n
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	// Nearest-rank: the ceil(p*n)-th smallest value, as in metricsagg.
	rank := p * float64(len(sorted))
	idx := int(rank)
	if float64(idx) == rank {
		idx--
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
