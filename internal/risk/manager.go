// Package risk holds the portfolio-level accumulator that gates every entry of a run.
package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"replayGuard/internal/ports"
)

// RiskConfig holds the portfolio gates.
type RiskConfig struct {
	// MaxTradesPerDay counts entries per instrument per UTC day.
	MaxTradesPerDay  int `yaml:"max_trades_per_day" default:"3" validate:"gte=1"`
	MaxOpenPositions int `yaml:"max_open_positions" default:"3" validate:"gte=1"`
	// MaxExposurePct caps aggregate open notional as a percent of equity.
	MaxExposurePct float64 `yaml:"max_exposure_pct" default:"50" validate:"gt=0,lte=100"`
	// MaxDrawdown halts new entries once equity is this fraction below its peak. 0 disables.
	MaxDrawdown float64 `yaml:"max_drawdown" default:"0" validate:"gte=0,lt=1"`
}

// DefaultRiskConfig returns the standard gates.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{MaxTradesPerDay: 3, MaxOpenPositions: 3, MaxExposurePct: 50}
}

// Validate rejects out-of-range gates.
func (c RiskConfig) Validate() error {
	var errs []string
	if c.MaxTradesPerDay < 1 {
		errs = append(errs, fmt.Sprintf("max trades per day must be >= 1, got %d", c.MaxTradesPerDay))
	}
	if c.MaxOpenPositions < 1 {
		errs = append(errs, fmt.Sprintf("max open positions must be >= 1, got %d", c.MaxOpenPositions))
	}
	if c.MaxExposurePct <= 0 || c.MaxExposurePct > 100 {
		errs = append(errs, fmt.Sprintf("max exposure must be within (0,100] percent, got %v", c.MaxExposurePct))
	}
	if c.MaxDrawdown < 0 || c.MaxDrawdown >= 1 {
		errs = append(errs, fmt.Sprintf("max drawdown must be within [0,1), got %v", c.MaxDrawdown))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: risk: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// RiskStats is a snapshot of the accumulator.
type RiskStats struct {
	Equity          float64
	PeakEquity      float64
	CurrentDrawdown float64
	TotalExposure   float64
	OpenPositions   int
	RealizedPnL     float64
	Reservations    int
	Rejections      int
}

// minCapacity treats float residue left by scaled-down grants as a full book.
const minCapacity = 1e-6

type dayKey struct {
	instrument string
	day        string
}

// RiskManager is the single authoritative accumulator of equity and exposure for one run.
// Every method is safe for concurrent use.
type RiskManager struct {
	mu     sync.Mutex
	config RiskConfig
	stats  RiskStats
	daily  map[dayKey]int
}

// NewRiskManager creates a risk manager starting at initialEquity.
func NewRiskManager(config RiskConfig, initialEquity float64) (*RiskManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if initialEquity <= 0 {
		return nil, fmt.Errorf("%w: initial equity must be positive", ports.ErrConfigurationError)
	}
	return &RiskManager{
		config: config,
		stats:  RiskStats{Equity: initialEquity, PeakEquity: initialEquity},
		daily:  make(map[dayKey]int),
	}, nil
}

// Reserve checks every gate and reserves exposure for a new position in one step.
// The granted notional is the request scaled down to the remaining exposure capacity.
func (r *RiskManager) Reserve(ctx context.Context, instrument string, ts time.Time, notional float64) (float64, error) {
	if notional <= 0 {
		return 0, fmt.Errorf("%w: notional must be positive", ports.ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dayKey{instrument: instrument, day: ts.UTC().Format("2006-01-02")}
	switch {
	case r.config.MaxDrawdown > 0 && r.stats.CurrentDrawdown >= r.config.MaxDrawdown:
		r.stats.Rejections++
		return 0, fmt.Errorf("%w: drawdown %.4f", ports.ErrDrawdownLimit, r.stats.CurrentDrawdown)
	case r.stats.OpenPositions >= r.config.MaxOpenPositions:
		r.stats.Rejections++
		return 0, fmt.Errorf("%w: %d open", ports.ErrMaxConcurrentPosition, r.stats.OpenPositions)
	case r.daily[key] >= r.config.MaxTradesPerDay:
		r.stats.Rejections++
		return 0, fmt.Errorf("%w: %s on %s", ports.ErrDailyTradeLimit, instrument, key.day)
	}

	capacity := r.exposureCap() - r.stats.TotalExposure
	if capacity <= minCapacity {
		r.stats.Rejections++
		return 0, fmt.Errorf("%w: exposure %.2f of equity %.2f", ports.ErrExposureLimit, r.stats.TotalExposure, r.stats.Equity)
	}
	granted := notional
	if granted > capacity {
		granted = capacity
	}

	r.stats.TotalExposure += granted
	r.stats.OpenPositions++
	r.stats.Reservations++
	r.daily[key]++
	return granted, nil
}

// Release frees the exposure of a closed position and books its realized pnl.
func (r *RiskManager) Release(ctx context.Context, notional, pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalExposure -= notional
	if r.stats.TotalExposure < 1e-9 {
		r.stats.TotalExposure = 0
	}
	r.stats.OpenPositions--
	r.stats.RealizedPnL += pnl
	r.stats.Equity += pnl
	if r.stats.Equity > r.stats.PeakEquity {
		r.stats.PeakEquity = r.stats.Equity
	}
	r.stats.CurrentDrawdown = 0
	if r.stats.PeakEquity > 0 {
		r.stats.CurrentDrawdown = (r.stats.PeakEquity - r.stats.Equity) / r.stats.PeakEquity
	}
}

// Equity returns the current realized equity.
func (r *RiskManager) Equity() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Equity
}

// ExposureCap returns the aggregate notional currently allowed.
func (r *RiskManager) ExposureCap() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exposureCap()
}

func (r *RiskManager) exposureCap() float64 {
	return r.config.MaxExposurePct / 100 * r.stats.Equity
}

// GetStats returns a copy of the current statistics.
func (r *RiskManager) GetStats() RiskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
