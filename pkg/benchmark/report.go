// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Report collects the results of a set of benchmarks. It is safe for concurrent use.
type Report struct {
	// RunID uniquely identifies the set of runs, and is included in the CSV output.
	RunID string

	mu      sync.Mutex
	results []*Result
}

// NewReport creates an empty report with a new RunID.
func NewReport() *Report {
	return &Report{RunID: uuid.NewString()}
}

// Add results to the report.
func (r *Report) Add(results ...*Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
}

// Results returns the results added so far.
func (r *Report) Results() []*Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.results)
}

// paramKeys returns the union of the params keys of all results, sorted.
func paramKeys(results []*Result) []string {
	keys := make(map[string]struct{})
	for _, result := range results {
		for key := range result.Params {
			keys[key] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(keys))
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Microsecond).String()
	default:
		return d.String()
	}
}

// Table renders the results as a table, one row per result.
func (r *Report) Table() string {
	results := r.Results()
	keys := paramKeys(results)
	headers := []string{"Benchmark"}
	headers = append(headers, keys...)
	headers = append(headers, "Rounds", "Median", "StdDev", "Min", "IQR", "IO", "Bandwidth")
	numLeftAligned := 1 + len(keys)

	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col < numLeftAligned {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		}).
		Headers(headers...)
	for _, result := range results {
		row := []string{result.Name}
		for _, key := range keys {
			row = append(row, result.Params[key])
		}
		ioBytes, bandwidth := "-", "-"
		if result.IOBytes > 0 {
			ioBytes = humanize.IBytes(uint64(result.IOBytes))
			bandwidth = humanize.SIWithDigits(result.Bandwidth(), 2, "B/s")
		}
		row = append(row,
			humanize.Comma(int64(result.Rounds())),
			formatDuration(result.Median()),
			formatDuration(result.StdDev()),
			formatDuration(result.Min()),
			formatDuration(result.IQR()),
			ioBytes, bandwidth)
		table.Row(row...)
	}
	return table.String()
}

// DataFrame returns the results as a dataframe, one row per result, with one column per param.
// Durations are in nanoseconds.
func (r *Report) DataFrame() dataframe.DataFrame {
	results := r.Results()
	keys := paramKeys(results)
	n := len(results)
	runIDs, names := make([]string, n), make([]string, n)
	params := make([][]string, len(keys))
	for ii := range params {
		params[ii] = make([]string, n)
	}
	rounds := make([]int, n)
	median, mean, stddev, minimum, maximum, iqr := make([]int, n), make([]int, n), make([]int, n),
		make([]int, n), make([]int, n), make([]int, n)
	ioBytes := make([]int, n)
	bandwidth := make([]float64, n)
	for ii, result := range results {
		runIDs[ii] = r.RunID
		names[ii] = result.Name
		for jj, key := range keys {
			params[jj][ii] = result.Params[key]
		}
		rounds[ii] = result.Rounds()
		median[ii] = int(result.Median())
		mean[ii] = int(result.Mean())
		stddev[ii] = int(result.StdDev())
		minimum[ii] = int(result.Min())
		maximum[ii] = int(result.Max())
		iqr[ii] = int(result.IQR())
		ioBytes[ii] = int(result.IOBytes)
		bandwidth[ii] = result.Bandwidth()
	}
	columns := []series.Series{
		series.New(runIDs, series.String, "run_id"),
		series.New(names, series.String, "name"),
	}
	for jj, key := range keys {
		columns = append(columns, series.New(params[jj], series.String, key))
	}
	columns = append(columns,
		series.New(rounds, series.Int, "rounds"),
		series.New(median, series.Int, "median_ns"),
		series.New(mean, series.Int, "mean_ns"),
		series.New(stddev, series.Int, "stddev_ns"),
		series.New(minimum, series.Int, "min_ns"),
		series.New(maximum, series.Int, "max_ns"),
		series.New(iqr, series.Int, "iqr_ns"),
		series.New(ioBytes, series.Int, "io_bytes"),
		series.New(bandwidth, series.Float, "bandwidth_bytes_per_sec"),
	)
	return dataframe.New(columns...)
}

// WriteCSV writes the results in CSV format, with a header. See DataFrame for the columns.
func (r *Report) WriteCSV(w io.Writer) error {
	df := r.DataFrame()
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to build dataframe of results")
	}
	if err := df.WriteCSV(w); err != nil {
		return errors.Wrapf(err, "failed to write results CSV")
	}
	return nil
}

// seriesLabel identifies the plot line of a result: its name and params, except "size".
func seriesLabel(result *Result) string {
	parts := []string{result.Name}
	for _, key := range slices.Sorted(maps.Keys(result.Params)) {
		if key == "size" {
			continue
		}
		parts = append(parts, result.Params[key])
	}
	return strings.Join(parts, "/")
}

// Plot the bandwidth (GB/s) as a function of IO bytes, with one line per benchmark and params
// (other than "size"), and saves it to path. The image format is given by the path extension
// (e.g. ".png", ".svg").
//
// Results without IOBytes are not plotted.
func (r *Report) Plot(path string) error {
	lines := make(map[string]plotter.XYs)
	for _, result := range r.Results() {
		if result.IOBytes <= 0 || result.Bandwidth() <= 0 {
			continue
		}
		label := seriesLabel(result)
		lines[label] = append(lines[label], plotter.XY{X: float64(result.IOBytes), Y: result.Bandwidth() / 1e9})
	}
	if len(lines) == 0 {
		return errors.Errorf("no results with IOBytes to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Bandwidth (run %s)", r.RunID)
	p.X.Label.Text = "IO bytes"
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Y.Label.Text = "GB/s"
	p.Y.Min = 0
	p.Legend.Top = true
	var lineArgs []any
	for _, label := range slices.Sorted(maps.Keys(lines)) {
		xys := lines[label]
		slices.SortFunc(xys, func(a, b plotter.XY) int { return cmp.Compare(a.X, b.X) })
		lineArgs = append(lineArgs, label, xys)
	}
	if err := plotutil.AddLinePoints(p, lineArgs...); err != nil {
		return errors.Wrapf(err, "failed to create plot lines")
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}
