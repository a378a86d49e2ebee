// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fusebench validates and benchmarks the fusion cases against their eager and jit baselines.
//
// Example:
//
//	fusebench -cases=softmax_bwd -dtypes=bf16,f32 -sizes=1024x1024,4096x4096 -csv=results.csv -plot=results.png
//
// Each selected case runs over the grid of sizes, dtypes, reduction axes and executors. Failures are
// logged and the program exits with a non-zero status if any case failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/fusebench/pkg/benchmark"
	"github.com/gomlx/fusebench/pkg/cases"
	"github.com/gomlx/fusebench/pkg/core/dtypes"
	"github.com/gomlx/fusebench/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagCases     = flag.String("cases", "", "Comma-separated list of cases to run. Default is all registered cases.")
	flagDTypes    = xslices.Flag("dtypes", cases.FloatDTypes, "Comma-separated list of dtypes.", dtypes.FromName)
	flagSizes     = xslices.Flag("sizes", nil, "Comma-separated list of input sizes formatted as \"AxB\". Default is the full grid of sizes.", parseSize)
	flagExecutors = xslices.Flag("executors", cases.Executors, "Comma-separated list of executors: fusion, eager or jit.", cases.ParseExecutor)

	flagDisableValidation   = flag.Bool("disable_validation", false, "Skip the validation of the fusion outputs.")
	flagDisableBenchmarking = flag.Bool("disable_benchmarking", false, "Skip the timing, only validate.")
	flagRounds              = flag.Int("rounds", 10, "Number of timed rounds per benchmark.")
	flagWarmup              = flag.Int("warmup", 1, "Number of warmup rounds per benchmark.")
	flagMaxTime             = flag.Duration("max_time", 0, "If > 0, stop timing a benchmark after this time, once a minimum of 3 rounds ran.")
	flagSeed                = flag.Uint64("seed", 42, "Seed of the random inputs.")
	flagParallelism         = flag.Int("parallelism", 0, "Parallelism of the executors. If 0 uses the number of CPUs, 1 disables parallelism.")
	flagCSV                 = flag.String("csv", "", "If set, saves the results to the given CSV file.")
	flagPlot                = flag.String("plot", "", "If set, saves a plot of the bandwidth per size to the given PNG file.")
	flagNoProgress          = flag.Bool("no_progress", false, "Disable the progress bar.")
)

func parseSize(s string) ([]int, error) {
	sizes, err := cases.ParseSizes(s)
	if err != nil {
		return nil, err
	}
	if len(sizes) != 1 {
		return nil, errors.Errorf("invalid size %q", s)
	}
	return sizes[0], nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Colors and the progress bar only if attached to a terminal.
	profile := termenv.NewOutput(os.Stdout).EnvColorProfile()
	lipgloss.SetColorProfile(profile)

	selected, err := selectCases(*flagCases)
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	report, numFailures := runAll(ctx, selected, options(), !*flagNoProgress && profile != termenv.Ascii)
	if !*flagDisableBenchmarking && len(report.Results()) > 0 {
		fmt.Println(report.Table())
	}
	if *flagCSV != "" {
		f := must.M1(os.Create(*flagCSV))
		must.M(report.WriteCSV(f))
		must.M(f.Close())
		fmt.Printf("Results saved to %q\n", *flagCSV)
	}
	if *flagPlot != "" && !*flagDisableBenchmarking {
		must.M(report.Plot(*flagPlot))
		fmt.Printf("Plot saved to %q\n", *flagPlot)
	}
	if numFailures > 0 {
		klog.Errorf("%d benchmark(s) failed", numFailures)
		os.Exit(1)
	}
}

// selectCases returns the cases named in the comma-separated list, or all cases if it is empty.
func selectCases(names string) ([]cases.Case, error) {
	if strings.TrimSpace(names) == "" {
		return cases.All(), nil
	}
	var selected []cases.Case
	for _, name := range strings.Split(names, ",") {
		c, err := cases.Lookup(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		selected = append(selected, c)
	}
	return selected, nil
}

// options from the flags.
func options() cases.Options {
	opts := cases.DefaultOptions()
	opts.DisableValidation = *flagDisableValidation
	opts.DisableBenchmarking = *flagDisableBenchmarking
	opts.Seed = *flagSeed
	if *flagParallelism > 0 {
		opts.Parallelism = *flagParallelism
	}
	opts.Harness.Rounds = *flagRounds
	opts.Harness.WarmupRounds = *flagWarmup
	opts.Harness.MaxTime = *flagMaxTime
	return opts
}

// runAll runs the grid of each case and returns the report and the number of failed runs.
func runAll(ctx context.Context, selected []cases.Case, opts cases.Options, showProgress bool) (*benchmark.Report, int) {
	sizes := *flagSizes
	if len(sizes) == 0 {
		sizes = cases.InputSizes(2)
	}
	type job struct {
		c cases.Case
		p cases.Params
	}
	var jobs []job
	for _, c := range selected {
		for _, p := range c.Grid(sizes, *flagDTypes, *flagExecutors) {
			jobs = append(jobs, job{c, p})
		}
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(jobs),
			progressbar.OptionSetDescription("Benchmarks"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	report := benchmark.NewReport()
	var numFailures int
	for _, j := range jobs {
		if ctx.Err() != nil {
			klog.Errorf("interrupted, skipping the remaining benchmarks")
			numFailures++
			break
		}
		if bar != nil {
			bar.Describe(fmt.Sprintf("%s[%s]", j.c.Name(), j.p))
		}
		result, err := j.c.Run(ctx, j.p, opts)
		if err != nil {
			klog.Errorf("%+v", err)
			numFailures++
		} else {
			report.Add(result)
			klog.V(1).Infof("%s", result)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return report, numFailures
}
