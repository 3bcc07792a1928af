package sla

import (
	"bytes"
	"fmt"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// RenderParetoChart renders a recall@10 vs p95_ms scatter over candidates,
// one point per candidate, labeled by name. Requires at least 2 candidates
// to be a meaningful Pareto front.
func RenderParetoChart(candidates []Candidate) ([]byte, error) {
	if len(candidates) < 2 {
		return nil, fmt.Errorf("sla: need at least 2 candidates for a pareto chart, got %d", len(candidates))
	}

	xValues := make([]float64, len(candidates))
	yValues := make([]float64, len(candidates))
	for i, c := range candidates {
		xValues[i] = c.P95Ms
		yValues[i] = c.RecallAt10
	}

	series := chart.ContinuousSeries{
		Name: "recall@10 vs p95_ms",
		Style: chart.Style{
			StrokeWidth: 1,
			DotWidth:    4,
			DotColor:    drawing.ColorFromHex("2563eb"),
		},
		XValues: xValues,
		YValues: yValues,
	}

	graph := chart.Chart{
		Title:  "Pareto front: recall@10 vs p95_ms",
		Width:  900,
		Height: 500,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 10},
		},
		XAxis: chart.XAxis{Name: "p95_ms"},
		YAxis: chart.YAxis{Name: "recall@10"},
		Series: []chart.Series{series},
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("sla: pareto chart render failed: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderABDiffChart renders a two-bar comparison of a single metric
// (recall@10) between a baseline candidate and a challenger, for
// ab_diff.png in the reports tree.
func RenderABDiffChart(baseline, challenger Candidate) ([]byte, error) {
	bar := chart.BarChart{
		Title:  "A/B recall@10 comparison",
		Width:  600,
		Height: 400,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		Bars: []chart.Value{
			{Label: baseline.Name, Value: baseline.RecallAt10, Style: chart.Style{FillColor: drawing.ColorFromHex("94a3b8")}},
			{Label: challenger.Name, Value: challenger.RecallAt10, Style: chart.Style{FillColor: drawing.ColorFromHex("2563eb")}},
		},
	}

	var buf bytes.Buffer
	if err := bar.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("sla: ab diff chart render failed: %w", err)
	}
	return buf.Bytes(), nil
}
