// Package bandit implements the arm selector and reward updater (spec
// §4.9), grounded line-for-line on
// original_source/scripts/bandit/select.py (_pick_under_sampled,
// _ucb1_select, _epsilon_select) and
// original_source/scripts/bandit/reward.py (compute_reward, _update_state).
package bandit

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// Metrics is the raw measurement set fed into reward computation (spec
// §4.9).
type Metrics struct {
	Recall       float64
	P95Ms        float64
	ErrorRate    float64
	CostPerQuery float64
}

// ComputeReward implements reward.py's compute_reward: recall is clamped
// to [0,1], p95/target_p95 is clamped to [0,2], and the penalties are
// subtracted with their configured weights.
func ComputeReward(m Metrics, w Weights, targetP95 float64) float64 {
	recallNorm := clamp(m.Recall, 0, 1)

	target := targetP95
	if target <= 0 {
		target = m.P95Ms
	}
	if target <= 0 {
		target = 1.0
	}
	p95Norm := clamp(m.P95Ms/target, 0, 2)

	errorNorm := math.Max(0, m.ErrorRate)
	costNorm := math.Max(0, m.CostPerQuery)

	return w.Recall*recallNorm - w.Latency*p95Norm - w.Error*errorNorm - w.Cost*costNorm
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DriftStatus is the per-arm drift self-audit verdict (spec §4.9).
type DriftStatus string

const (
	DriftOK      DriftStatus = "OK"
	DriftDrift   DriftStatus = "DRIFT"
	DriftMissing DriftStatus = "missing"
)

const driftThreshold = 0.1

// ArmState is the persisted per-arm bookkeeping (spec §4.9), mirroring
// reward.py's bandit_state.json entry shape.
type ArmState struct {
	Name        string
	Counts      int
	AvgReward   *float64
	Streak      int
	LastReward  *float64
	LastMetrics *Metrics
	LastUpdated time.Time
}

// SelectionKind names why an arm was picked (spec §4.9).
type SelectionKind string

const (
	MinSampleRoundRobin SelectionKind = "min_sample_round_robin"
	UCB1                SelectionKind = "ucb1"
	EpsilonGreedy       SelectionKind = "epsilon_greedy"
)

// Selection is the result of Select (spec §4.9).
type Selection struct {
	Arm     string
	Kind    SelectionKind
	Indices map[string]float64
	N       int
	Roll    float64
}

// Config holds the catalog and tuning knobs for the Selector (spec §4.9).
// MinSamplesSelect gates round-robin inclusion (select.py default 15);
// MinSamplesReward gates EMA weighting in Update (reward.py default 30) —
// these are deliberately distinct knobs, not the same value reused.
type Config struct {
	Arms             []string
	MinSamplesSelect int
	MinSamplesReward int
	Alpha            float64 // EMA smoothing factor, reward.py BANDIT_ALPHA default 0.3
	Epsilon          float64
	EpsDecay         float64
	TargetP95Ms      float64
	Weights          Weights
}

// Selector holds mutable per-arm state and makes selection/update calls
// against it. Not safe for concurrent use; callers serialize access (the
// orchestrator drives one round at a time).
type Selector struct {
	cfg   Config
	state map[string]*ArmState
	rng   *rand.Rand
}

// NewSelector constructs a Selector with a fresh zero state for every
// configured arm.
func NewSelector(cfg Config, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Selector{cfg: cfg, state: make(map[string]*ArmState), rng: rng}
	for _, a := range cfg.Arms {
		s.state[a] = &ArmState{Name: a}
	}
	return s
}

func (s *Selector) pickUnderSampled() string {
	type cand struct {
		name   string
		counts int
	}
	var under []cand
	for _, a := range s.cfg.Arms {
		if s.state[a].Counts < s.cfg.MinSamplesSelect {
			under = append(under, cand{a, s.state[a].Counts})
		}
	}
	if len(under) == 0 {
		return ""
	}
	sort.Slice(under, func(i, j int) bool {
		if under[i].counts != under[j].counts {
			return under[i].counts < under[j].counts
		}
		return under[i].name < under[j].name
	})
	return under[0].name
}

func (s *Selector) ucb1Select() (string, map[string]float64, int) {
	total := 0
	for _, a := range s.cfg.Arms {
		if c := s.state[a].Counts; c > 0 {
			total += c
		}
	}
	indices := make(map[string]float64, len(s.cfg.Arms))
	best, bestIdx := "", math.Inf(-1)
	for _, a := range s.cfg.Arms {
		n := s.state[a].Counts
		var idx float64
		if n <= 0 || total == 0 {
			idx = math.Inf(1)
		} else {
			avg := 0.0
			if s.state[a].AvgReward != nil {
				avg = *s.state[a].AvgReward
			}
			bonus := math.Sqrt(2.0 * math.Log(float64(total)) / float64(n))
			idx = avg + bonus
		}
		indices[a] = idx
		if idx > bestIdx {
			bestIdx = idx
			best = a
		}
	}
	return best, indices, total
}

func (s *Selector) epsilonSelect() (string, map[string]float64, float64) {
	eps := clamp(s.cfg.Epsilon, 0, 1)
	roll := s.rng.Float64()
	indices := make(map[string]float64, len(s.cfg.Arms))
	for _, a := range s.cfg.Arms {
		avg := 0.0
		if s.state[a].AvgReward != nil {
			avg = *s.state[a].AvgReward
		}
		indices[a] = avg
	}

	if roll < eps {
		picked := s.cfg.Arms[s.rng.Intn(len(s.cfg.Arms))]
		return picked, indices, roll
	}

	best, bestAvg, bestCounts := "", math.Inf(-1), math.MaxInt64
	for _, a := range s.cfg.Arms {
		avg := indices[a]
		counts := s.state[a].Counts
		if avg > bestAvg || (avg == bestAvg && counts < bestCounts) {
			best, bestAvg, bestCounts = a, avg, counts
		}
	}
	return best, indices, roll
}

// Select chooses the next arm to run: an under-sampled arm first (round
// robin), else dispatches to UCB1 or ε-greedy per useUCB1 (spec §4.9).
func (s *Selector) Select(useUCB1 bool) Selection {
	if arm := s.pickUnderSampled(); arm != "" {
		indices := make(map[string]float64, len(s.cfg.Arms))
		for _, a := range s.cfg.Arms {
			if s.state[a].AvgReward != nil {
				indices[a] = *s.state[a].AvgReward
			}
		}
		return Selection{Arm: arm, Kind: MinSampleRoundRobin, Indices: indices}
	}
	if useUCB1 {
		arm, indices, n := s.ucb1Select()
		return Selection{Arm: arm, Kind: UCB1, Indices: indices, N: n}
	}
	arm, indices, roll := s.epsilonSelect()
	return Selection{Arm: arm, Kind: EpsilonGreedy, Indices: indices, Roll: roll}
}

// Update applies the EMA reward update for arm (spec §4.9, reward.py
// _update_state): weight = alpha * min(1, samples/min_samples); first
// observation initializes avg_reward to reward directly. winner is nil
// when streak tracking doesn't apply to this update.
func (s *Selector) Update(arm string, reward float64, samples int, winner *bool, metrics Metrics) {
	st, ok := s.state[arm]
	if !ok {
		st = &ArmState{Name: arm}
		s.state[arm] = st
	}

	effectiveSamples := samples
	if effectiveSamples < 1 {
		effectiveSamples = 1
	}
	minSamples := s.cfg.MinSamplesReward
	if minSamples < 1 {
		minSamples = 1
	}
	alpha := clamp(s.cfg.Alpha, 0, 1)

	st.Counts += effectiveSamples

	if st.AvgReward == nil {
		newAvg := reward
		st.AvgReward = &newAvg
	} else {
		weight := alpha * math.Min(1.0, float64(effectiveSamples)/float64(minSamples))
		newAvg := (1.0-weight)*(*st.AvgReward) + weight*reward
		st.AvgReward = &newAvg
	}

	st.LastReward = &reward
	st.LastUpdated = time.Now().UTC()
	mCopy := metrics
	st.LastMetrics = &mCopy

	if winner != nil {
		if *winner {
			st.Streak++
		} else {
			st.Streak = 0
		}
	}
}

// ComputeReward scores m using the selector's own configured weights and
// target p95, so callers don't have to thread Config fields back out to
// compute a reward consistent with Drift's own recomputation.
func (s *Selector) ComputeReward(m Metrics) float64 {
	return ComputeReward(m, s.cfg.Weights, s.cfg.TargetP95Ms)
}

// Drift recomputes "instant reward" from the arm's last recorded metrics
// and compares it to the stored avg_reward, flagging DRIFT when the
// absolute delta exceeds driftThreshold (spec §4.9).
func (s *Selector) Drift(arm string) DriftStatus {
	st, ok := s.state[arm]
	if !ok || st.LastMetrics == nil || st.AvgReward == nil {
		return DriftMissing
	}
	instant := ComputeReward(*st.LastMetrics, s.cfg.Weights, s.cfg.TargetP95Ms)
	if math.Abs(instant-*st.AvgReward) > driftThreshold {
		return DriftDrift
	}
	return DriftOK
}

// Arms returns the selector's configured arm catalog.
func (s *Selector) Arms() []string {
	return append([]string(nil), s.cfg.Arms...)
}

// State returns a copy of the current state for arm, or nil if unknown.
func (s *Selector) State(arm string) *ArmState {
	st, ok := s.state[arm]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}
