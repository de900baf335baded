// Package plot renders training curves to standalone HTML pages.
package plot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// DefaultWindow is the moving-average width drawn over the reward curve.
const DefaultWindow = 10

const (
	RewardsFile = "rewards.html"
	LossesFile  = "losses.html"
)

// MovingAverage returns the trailing means of xs over k points. The result
// has len(xs)-k+1 entries, or none when xs is shorter than k.
func MovingAverage(xs []float64, k int) []float64 {
	if k <= 0 || len(xs) < k {
		return nil
	}
	out := make([]float64, 0, len(xs)-k+1)
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= k {
			sum -= xs[i-k]
		}
		if i >= k-1 {
			out = append(out, sum/float64(k))
		}
	}
	return out
}

// Rewards writes the per-episode reward curve and its k-point moving
// average. The average is aligned with the episode that closes each window.
func Rewards(w io.Writer, rewards []float64, k int) error {
	line := newLine("Episode reward", "episode", len(rewards))
	line.AddSeries("reward", lineData(rewards, 0, len(rewards)))
	if ma := MovingAverage(rewards, k); ma != nil {
		line.AddSeries(fmt.Sprintf("moving average (%d)", k), lineData(ma, k-1, len(rewards)))
	}
	return render(w, line)
}

// Losses writes one chart per update curve.
func Losses(w io.Writer, policyLosses, valueLosses, entropies []float64) error {
	var lines []components.Charter
	for _, c := range []struct {
		title string
		ys    []float64
	}{
		{"Policy loss", policyLosses},
		{"Value loss", valueLosses},
		{"Policy entropy", entropies},
	} {
		line := newLine(c.title, "update", len(c.ys))
		line.AddSeries(c.title, lineData(c.ys, 0, len(c.ys)))
		lines = append(lines, line)
	}
	return render(w, lines...)
}

// WriteFiles renders both pages into dir and returns their paths.
func WriteFiles(dir string, rewards, policyLosses, valueLosses, entropies []float64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}
	pages := []struct {
		name   string
		render func(io.Writer) error
	}{
		{RewardsFile, func(w io.Writer) error { return Rewards(w, rewards, DefaultWindow) }},
		{LossesFile, func(w io.Writer) error { return Losses(w, policyLosses, valueLosses, entropies) }},
	}

	paths := make([]string, 0, len(pages))
	for _, p := range pages {
		path := filepath.Join(dir, p.name)
		if err := writeFile(path, p.render); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, render func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	return f.Close()
}

func newLine(title, xName string, n int) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithInitializationOpts(opts.Initialization{Theme: "shine"}),
		charts.WithXAxisOpts(opts.XAxis{Name: xName}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	xs := make([]string, n)
	for i := range xs {
		xs[i] = fmt.Sprintf("%d", i+1)
	}
	line.SetXAxis(xs)
	return line
}

// lineData places ys on an axis of n points starting at offset; the points
// before offset are left empty.
func lineData(ys []float64, offset, n int) []opts.LineData {
	items := make([]opts.LineData, n)
	for i := range items {
		items[i] = opts.LineData{Value: "-"}
	}
	for i, y := range ys {
		items[offset+i] = opts.LineData{Value: y}
	}
	return items
}

func render(w io.Writer, cs ...components.Charter) error {
	page := components.NewPage()
	page.AddCharts(cs...)
	return page.Render(w)
}
