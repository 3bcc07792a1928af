package sla

import (
	"bytes"
	"testing"
)

func TestRenderParetoChart_RejectsFewerThanTwoCandidates(t *testing.T) {
	if _, err := RenderParetoChart([]Candidate{{Name: "only-one"}}); err == nil {
		t.Fatal("expected error for fewer than 2 candidates")
	}
}

func TestRenderParetoChart_ProducesPNGBytes(t *testing.T) {
	candidates := []Candidate{
		{Name: "phase-a", RecallAt10: 0.90, P95Ms: 120},
		{Name: "phase-b", RecallAt10: 0.95, P95Ms: 180},
	}
	png, err := RenderParetoChart(candidates)
	if err != nil {
		t.Fatalf("RenderParetoChart: %v", err)
	}
	if len(png) == 0 {
		t.Fatal("expected non-empty PNG bytes")
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("output does not look like a PNG")
	}
}

func TestRenderABDiffChart_ProducesPNGBytes(t *testing.T) {
	baseline := Candidate{Name: "baseline", RecallAt10: 0.90}
	challenger := Candidate{Name: "challenger", RecallAt10: 0.95}

	png, err := RenderABDiffChart(baseline, challenger)
	if err != nil {
		t.Fatalf("RenderABDiffChart: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("output does not look like a PNG")
	}
}
