package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"replayGuard/internal/domain"
)

// MetricName identifies a RunMetrics field for drift comparison and optimizer objectives.
type MetricName string

const (
	MetricWinRate        MetricName = "win_rate"
	MetricTotalReturn    MetricName = "total_return"
	MetricMaxDrawdown    MetricName = "max_drawdown"
	MetricTradeFrequency MetricName = "trade_frequency"
	MetricSharpe         MetricName = "sharpe"
	MetricProfitFactor   MetricName = "profit_factor"
)

// MetricNames lists every comparable metric in report order.
var MetricNames = []MetricName{
	MetricWinRate,
	MetricTotalReturn,
	MetricMaxDrawdown,
	MetricTradeFrequency,
	MetricSharpe,
	MetricProfitFactor,
}

// MaxProfitFactor is reported when a run has winners and no losers.
const MaxProfitFactor = 999.0

// RunMetrics holds the performance summary of a replay or a live period.
type RunMetrics struct {
	// Basic Metrics
	TotalTrades   int     `json:"total_trades" yaml:"total_trades"`
	WinningTrades int     `json:"winning_trades" yaml:"winning_trades"`
	LosingTrades  int     `json:"losing_trades" yaml:"losing_trades"`
	WinRate       float64 `json:"win_rate" yaml:"win_rate"`
	TotalPnL      float64 `json:"total_pnl" yaml:"total_pnl"`
	TotalReturn   float64 `json:"total_return" yaml:"total_return"`
	MaxDrawdown   float64 `json:"max_drawdown" yaml:"max_drawdown"`
	// TradeFrequency is closed trades per calendar day of the run.
	TradeFrequency float64 `json:"trade_frequency" yaml:"trade_frequency"`
	SharpeRatio    float64 `json:"sharpe" yaml:"sharpe"`
	ProfitFactor   float64 `json:"profit_factor" yaml:"profit_factor"`
	FinalEquity    float64 `json:"final_equity" yaml:"final_equity"`

	// Advanced Metrics
	AverageWin           float64              `json:"average_win" yaml:"-"`
	AverageLoss          float64              `json:"average_loss" yaml:"-"`
	Expectancy           float64              `json:"expectancy" yaml:"-"`
	RiskRewardRatio      float64              `json:"risk_reward_ratio" yaml:"-"`
	MaxConsecutiveWins   int                  `json:"max_consecutive_wins" yaml:"-"`
	MaxConsecutiveLosses int                  `json:"max_consecutive_losses" yaml:"-"`
	AverageTradeDuration time.Duration        `json:"average_trade_duration" yaml:"-"`
	RecoveryFactor       float64              `json:"recovery_factor" yaml:"-"`
	Costs                domain.CostBreakdown `json:"costs" yaml:"-"`
	MonthlyReturns       map[string]float64   `json:"monthly_returns,omitempty" yaml:"-"`
	Drawdowns            []Drawdown           `json:"drawdowns,omitempty" yaml:"-"`
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	StartValue float64       `json:"start_value"`
	EndValue   float64       `json:"end_value"`
	Depth      float64       `json:"depth"`
	Duration   time.Duration `json:"duration"`
}

// Span is the calendar period a run covers. A zero span is taken from the trades.
type Span struct {
	Start, End time.Time
}

// Days returns the span length in days.
func (s Span) Days() float64 {
	return s.End.Sub(s.Start).Hours() / 24
}

// AnalyzePerformance computes run metrics from a trade log. Equity is walked in exit order,
// the same order the ledger books closes.
func AnalyzePerformance(trades []domain.TradeRecord, initialEquity float64, span Span) *RunMetrics {
	metrics := &RunMetrics{
		FinalEquity:    initialEquity,
		MonthlyReturns: make(map[string]float64),
	}
	if len(trades) == 0 || initialEquity <= 0 {
		return metrics
	}

	ordered := append([]domain.TradeRecord(nil), trades...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExitTime.Before(ordered[j].ExitTime)
	})
	if span.Start.IsZero() || span.End.IsZero() {
		span = tradeSpan(ordered)
	}

	var (
		equity                 = initialEquity
		peak                   = initialEquity
		current                *Drawdown
		wins, losses           int
		maxWins, maxLosses     int
		grossProfit, grossLoss float64
		totalDuration          time.Duration
		returns                = make([]float64, 0, len(ordered))
	)

	for _, trade := range ordered {
		metrics.TotalTrades++
		if trade.PNL > 0 {
			metrics.WinningTrades++
			grossProfit += trade.PNL
			wins++
			losses = 0
		} else {
			metrics.LosingTrades++
			grossLoss -= trade.PNL
			losses++
			wins = 0
		}
		maxWins = max(maxWins, wins)
		maxLosses = max(maxLosses, losses)

		equity += trade.PNL
		metrics.TotalPnL += trade.PNL
		metrics.Costs = metrics.Costs.Add(trade.Costs)
		metrics.MonthlyReturns[trade.ExitTime.Format("2006-01")] += trade.PNL
		totalDuration += trade.ExitTime.Sub(trade.EntryTime)
		returns = append(returns, trade.ReturnPct)

		if equity > peak {
			peak = equity
			if current != nil {
				current.EndTime = trade.ExitTime
				current.EndValue = equity
				current.Duration = current.EndTime.Sub(current.StartTime)
				metrics.Drawdowns = append(metrics.Drawdowns, *current)
				current = nil
			}
			continue
		}
		depth := (peak - equity) / peak
		if depth == 0 {
			continue
		}
		if current == nil {
			current = &Drawdown{StartTime: trade.ExitTime, StartValue: peak, Depth: depth}
		} else {
			current.Depth = math.Max(current.Depth, depth)
		}
		metrics.MaxDrawdown = math.Max(metrics.MaxDrawdown, depth)
	}

	if current != nil {
		current.EndTime = ordered[len(ordered)-1].ExitTime
		current.EndValue = equity
		current.Duration = current.EndTime.Sub(current.StartTime)
		metrics.Drawdowns = append(metrics.Drawdowns, *current)
	}

	n := float64(metrics.TotalTrades)
	metrics.FinalEquity = equity
	metrics.WinRate = float64(metrics.WinningTrades) / n
	metrics.TotalReturn = (equity - initialEquity) / initialEquity
	metrics.MaxConsecutiveWins = maxWins
	metrics.MaxConsecutiveLosses = maxLosses
	metrics.AverageTradeDuration = totalDuration / time.Duration(metrics.TotalTrades)
	if days := span.Days(); days > 0 {
		metrics.TradeFrequency = n / days
	}
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = grossProfit / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = -grossLoss / float64(metrics.LosingTrades)
	}

	switch {
	case grossLoss > 0:
		metrics.ProfitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		metrics.ProfitFactor = MaxProfitFactor
	}
	if metrics.AverageLoss != 0 {
		metrics.RiskRewardRatio = metrics.AverageWin / -metrics.AverageLoss
	}
	metrics.Expectancy = metrics.WinRate*metrics.AverageWin + (1-metrics.WinRate)*metrics.AverageLoss
	metrics.SharpeRatio = sharpe(returns)
	if metrics.MaxDrawdown > 0 {
		metrics.RecoveryFactor = metrics.TotalPnL / (initialEquity * metrics.MaxDrawdown)
	}
	return metrics
}

// MaxDrawdownOf returns the largest peak-to-trough decline of an equity curve as a fraction.
func MaxDrawdownOf(curve []domain.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak, worst := curve[0].Equity, 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			worst = math.Max(worst, (peak-p.Equity)/peak)
		}
	}
	return worst
}

// Value returns the named metric.
func (m *RunMetrics) Value(name MetricName) (float64, error) {
	switch name {
	case MetricWinRate:
		return m.WinRate, nil
	case MetricTotalReturn:
		return m.TotalReturn, nil
	case MetricMaxDrawdown:
		return m.MaxDrawdown, nil
	case MetricTradeFrequency:
		return m.TradeFrequency, nil
	case MetricSharpe:
		return m.SharpeRatio, nil
	case MetricProfitFactor:
		return m.ProfitFactor, nil
	}
	return 0, fmt.Errorf("unknown metric %q", name)
}

// Values returns every comparable metric keyed by name.
func (m *RunMetrics) Values() map[MetricName]float64 {
	out := make(map[MetricName]float64, len(MetricNames))
	for _, name := range MetricNames {
		v, _ := m.Value(name)
		out[name] = v
	}
	return out
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *RunMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{
			Month:  date,
			Return: profit,
		})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// sharpe is the mean per-trade return over its sample standard deviation, unannualised.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}

func tradeSpan(ordered []domain.TradeRecord) Span {
	s := Span{Start: ordered[0].EntryTime, End: ordered[len(ordered)-1].ExitTime}
	for _, t := range ordered {
		if t.EntryTime.Before(s.Start) {
			s.Start = t.EntryTime
		}
	}
	return s
}
