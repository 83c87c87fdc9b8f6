package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/quality"
	"replayGuard/internal/strategy/analytics"
	"replayGuard/internal/validation"
)

func newQualityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Detect gaps and anomalies and report completeness per instrument",
		RunE:  runQuality,
	}
	cmd.Flags().StringSlice("instruments", nil, "Instruments to analyze (default: all configured)")
	cmd.Flags().String("from", "", "Window start, RFC3339 (default: first bar)")
	cmd.Flags().String("to", "", "Window end, RFC3339 (default: last bar)")
	return cmd
}

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay the quality-annotated series through the cost-aware simulator",
		RunE:  runBacktest,
	}
	cmd.Flags().StringSlice("instruments", nil, "Instruments to replay (default: all configured)")
	cmd.Flags().String("export", "", "Directory for the trade log and equity curve CSV files")
	return cmd
}

func newOptimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Search the configured strategy parameter ranges",
		RunE:  runOptimize,
	}
	cmd.Flags().StringSlice("instruments", nil, "Instruments to replay (default: all configured)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compare a persisted backtest run with live metrics and stress-test its trades",
		RunE:  runValidate,
	}
	cmd.Flags().String("run", "", "ID of the backtest run to validate")
	cmd.Flags().String("live", "", "YAML file with live-trading metrics")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("live")
	return cmd
}

func runQuality(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	instruments, _ := cmd.Flags().GetStringSlice("instruments")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	window, err := parseWindow(from, to)
	if err != nil {
		return err
	}
	series, err := rt.service.LoadSeries(instruments)
	if err != nil {
		return err
	}

	rt.logger.Info(ctx, "Starting quality run", map[string]interface{}{"instruments": len(series)})
	outcome, runErr := rt.service.Quality(ctx, series, window)
	if outcome != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Quality run %s\n", outcome.RunID)
		for _, inst := range sortedNames(outcome.Reports) {
			printReport(out, outcome.Reports[inst])
		}
	}
	return runErr
}

func runBacktest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	instruments, _ := cmd.Flags().GetStringSlice("instruments")
	exportDir, _ := cmd.Flags().GetString("export")

	series, err := rt.service.LoadSeries(instruments)
	if err != nil {
		return err
	}

	rt.logger.Info(ctx, "Starting backtest", map[string]interface{}{"instruments": len(series)})
	outcome, err := rt.service.Backtest(ctx, series)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backtest run %s: %d bars over %d instruments\n",
		outcome.RunID, outcome.Result.Bars, len(outcome.Result.Instruments))
	printMetrics(out, outcome.Metrics)
	costs := outcome.Metrics.Costs
	fmt.Fprintf(out, "Costs: spread %.4f slippage %.4f commission %.4f\n",
		costs.Spread, costs.Slippage, costs.Commission)

	if exportDir != "" {
		files, err := rt.service.ExportBacktest(outcome, exportDir)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintf(out, "Wrote %s\n", f)
		}
	}
	return nil
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	instruments, _ := cmd.Flags().GetStringSlice("instruments")

	series, err := rt.service.LoadSeries(instruments)
	if err != nil {
		return err
	}

	rt.logger.Info(ctx, "Starting optimization", map[string]interface{}{"instruments": len(series)})
	outcome, optErr := rt.service.Optimize(ctx, series)
	if outcome == nil {
		return optErr
	}

	out := cmd.OutOrStdout()
	result := outcome.Result
	failed := 0
	for _, t := range result.Trace {
		if !t.OK() {
			failed++
		}
	}
	fmt.Fprintf(out, "Optimization run %s: %d trials (%d failed), cancelled=%t\n",
		outcome.RunID, len(result.Trace), failed, result.Cancelled)
	if result.Best != nil {
		fmt.Fprintf(out, "Best trial #%d score %.4f\n", result.Best.Index, result.Best.Score)
		names := make([]string, 0, len(result.Best.Params))
		for name := range result.Best.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %-20s %g\n", name, result.Best.Params[name])
		}
		printMetrics(out, result.Best.Metrics)
	}
	if result.Cancelled {
		rt.logger.Warn(ctx, "Optimization interrupted; partial trace was persisted", map[string]interface{}{"runID": outcome.RunID})
	}
	return optErr
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID, _ := cmd.Flags().GetString("run")
	livePath, _ := cmd.Flags().GetString("live")

	live, err := validation.LoadLiveMetrics(livePath)
	if err != nil {
		return err
	}

	rt.logger.Info(ctx, "Starting drift validation", map[string]interface{}{"backtestRunID": runID})
	outcome, err := rt.service.Validate(ctx, runID, live)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	report := outcome.Report
	fmt.Fprintf(out, "Validation run %s against backtest %s\n", outcome.RunID, runID)
	fmt.Fprintf(out, "%-16s %12s %12s %10s %10s  %s\n", "metric", "backtest", "live", "delta", "tolerance", "ok")
	for _, r := range report.Results {
		fmt.Fprintf(out, "%-16s %12.4f %12.4f %10.4f %10.4f  %t\n",
			r.Metric, r.BacktestValue, r.LiveValue, r.RelativeDelta, r.Tolerance, r.WithinTolerance)
	}
	if report.Stress != nil {
		fmt.Fprintf(out, "Stress survival %.3f (worst method %s, %d samples)\n",
			report.Stress.Survival, report.Stress.WorstMethod, report.Stress.Samples)
	}
	if !report.Passed {
		return fmt.Errorf("validation failed: %v", report.Breaches)
	}
	fmt.Fprintln(out, "Validation passed")
	return nil
}

func parseWindow(from, to string) (quality.Window, error) {
	var w quality.Window
	var err error
	if from != "" {
		if w.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return w, fmt.Errorf("%w: invalid --from: %v", ports.ErrInvalidRequest, err)
		}
	}
	if to != "" {
		if w.End, err = time.Parse(time.RFC3339, to); err != nil {
			return w, fmt.Errorf("%w: invalid --to: %v", ports.ErrInvalidRequest, err)
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.End.After(w.Start) {
		return w, fmt.Errorf("%w: --to must be after --from", ports.ErrInvalidRequest)
	}
	w.Start, w.End = w.Start.UTC(), w.End.UTC()
	return w, nil
}

func printReport(out io.Writer, r *domain.CompletenessReport) {
	fmt.Fprintf(out, "%s: %.2f%% complete (%.1fh missing of %.1fh expected), %d gaps, %d anomalies\n",
		r.Instrument, r.CompletenessPct, r.MissingHours, r.TotalExpectedHours, len(r.Gaps), r.AnomalyCount)
	for _, g := range r.Gaps {
		review := ""
		if g.NeedsReview {
			review = " [review]"
		}
		fmt.Fprintf(out, "  %s -> %s  %-18s %6.1fh%s\n",
			g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.Classification, g.Duration.Hours(), review)
	}
}

func printMetrics(out io.Writer, m *analytics.RunMetrics) {
	if m == nil {
		return
	}
	fmt.Fprintf(out, "Trades %d  win rate %.2f%%  return %.2f%%  max drawdown %.2f%%  sharpe %.3f  profit factor %.2f\n",
		m.TotalTrades, m.WinRate*100, m.TotalReturn*100, m.MaxDrawdown*100, m.SharpeRatio, m.ProfitFactor)
}

func sortedNames(reports map[string]*domain.CompletenessReport) []string {
	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
