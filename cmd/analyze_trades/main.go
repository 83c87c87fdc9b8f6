package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"replayGuard/internal/domain"
	"replayGuard/internal/strategy/analytics"
	"replayGuard/internal/utils"
)

func main() {
	dir := flag.String("dir", "data", "Directory holding exported trade logs")
	initialEquity := flag.Float64("equity", 10000, "Initial equity of runs exported without an equity curve")
	flag.Parse()

	if err := run(os.Stdout, *dir, *initialEquity); err != nil {
		log.Fatalf("Error analyzing trade logs: %v", err)
	}
}

// exportedRun is one trades_<id>.csv with its optional equity_<id>.csv.
type exportedRun struct {
	file    string
	trades  []domain.TradeRecord
	metrics *analytics.RunMetrics
	// curveDD is the drawdown of the exported curve, -1 when no curve was exported.
	curveDD float64
}

func run(out io.Writer, dir string, initialEquity float64) error {
	// Find all exported trade logs
	files, err := findTradeFiles(dir, "trades_")
	if err != nil {
		return fmt.Errorf("finding trade files: %w", err)
	}
	if len(files) == 0 {
		fmt.Fprintln(out, "No trade logs found. Run `replayguard backtest --export <dir>` first.")
		return nil
	}

	var runs []exportedRun
	for _, file := range files {
		r, err := loadRun(file, initialEquity)
		if err != nil {
			log.Printf("Error reading %s: %v", file, err)
			continue
		}
		runs = append(runs, r)
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "File\tTrades\tWinRate\tReturn\tMaxDD\tCurveDD\tPF\tSpread\tSlippage\tCommission\t")
	for _, r := range runs {
		m := r.metrics
		curve := "n/a"
		if r.curveDD >= 0 {
			curve = fmt.Sprintf("%.2f", r.curveDD*100)
		}
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%s\t%.2f\t%.4f\t%.4f\t%.4f\t\n",
			filepath.Base(r.file),
			m.TotalTrades,
			m.WinRate*100,
			m.TotalReturn*100,
			m.MaxDrawdown*100,
			curve,
			m.ProfitFactor,
			m.Costs.Spread,
			m.Costs.Slippage,
			m.Costs.Commission,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n## Monthly Returns")
	for _, r := range runs {
		printMonthlyReturns(out, r)
	}

	fmt.Fprintln(out, "\n## Close Reason Analysis")
	for _, r := range runs {
		analyzeCloseReasons(out, r.file, r.trades)
	}
	return nil
}

// loadRun reads a trade log and, when present, the equity curve exported beside it. The
// curve's first point overrides initialEquity.
func loadRun(file string, initialEquity float64) (exportedRun, error) {
	trades, err := utils.ReadTradesFromCSV(file)
	if err != nil {
		return exportedRun{}, err
	}
	r := exportedRun{file: file, trades: trades, curveDD: -1}

	id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), "trades_"), ".csv")
	curve, err := utils.ReadEquityFromCSV(filepath.Join(filepath.Dir(file), "equity_"+id+".csv"))
	switch {
	case err == nil && len(curve) > 0:
		initialEquity = curve[0].Equity
		r.curveDD = analytics.MaxDrawdownOf(curve)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return exportedRun{}, err
	}
	r.metrics = analytics.AnalyzePerformance(trades, initialEquity, analytics.Span{})
	return r, nil
}

// findTradeFiles lists the CSV files in dir whose name starts with prefix.
func findTradeFiles(dir, prefix string) ([]string, error) {
	var files []string

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) && strings.HasSuffix(entry.Name(), ".csv") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// printMonthlyReturns prints net PnL per exit month.
func printMonthlyReturns(out io.Writer, r exportedRun) {
	fmt.Fprintf(out, "\nFile: %s\n", filepath.Base(r.file))
	for _, mr := range r.metrics.GetMonthlyReturns() {
		fmt.Fprintf(out, "%s\t%.2f\n", mr.Month.Format("2006-01"), mr.Return)
	}
}

// analyzeCloseReasons prints count and PnL per close reason, plus the share of PnL lost to costs.
func analyzeCloseReasons(out io.Writer, file string, trades []domain.TradeRecord) {
	counts := make(map[domain.CloseReason]int)
	pnl := make(map[domain.CloseReason]float64)
	var gross, costs float64

	for _, trade := range trades {
		counts[trade.CloseReason]++
		pnl[trade.CloseReason] += trade.PNL
		gross += trade.GrossPNL
		costs += trade.Costs.Total()
	}

	fmt.Fprintf(out, "\nFile: %s\n", filepath.Base(file))
	fmt.Fprintln(out, "Close Reason\tCount\tTotal PnL\tAvg PnL")

	reasons := make([]domain.CloseReason, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return string(reasons[i]) < string(reasons[j])
	})

	for _, reason := range reasons {
		count := counts[reason]
		fmt.Fprintf(out, "%s\t%d\t%.2f\t%.2f\n", reason, count, pnl[reason], pnl[reason]/float64(count))
	}

	fmt.Fprintf(out, "Gross PnL %.2f, costs %.2f", gross, costs)
	if gross > 0 {
		fmt.Fprintf(out, " (%.1f%% of gross)", costs/gross*100)
	}
	fmt.Fprintln(out)
}
