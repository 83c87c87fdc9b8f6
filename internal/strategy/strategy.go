// Package strategy implements the moving-average ribbon signal engine.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
)

// Config holds parameters for the ribbon strategy.
type Config struct {
	FastPeriod        int     `yaml:"fast_period" default:"8" validate:"gte=2"`
	MediumPeriod      int     `yaml:"medium_period" default:"21" validate:"gtfield=FastPeriod"`
	SlowPeriod        int     `yaml:"slow_period" default:"55" validate:"gtfield=MediumPeriod"`
	MomentumPeriod    int     `yaml:"momentum_period" default:"10" validate:"gte=1"`
	MomentumThreshold float64 `yaml:"momentum_threshold" default:"0.02" validate:"gte=0"` // rate of change, percent
	RSIPeriod         int     `yaml:"rsi_period" default:"14" validate:"gte=2"`
	RSIOverbought     float64 `yaml:"rsi_overbought" default:"75" validate:"gt=50,lte=100"`
	RSIOversold       float64 `yaml:"rsi_oversold" default:"25" validate:"gte=0,lt=50"`
	ATRPeriod         int     `yaml:"atr_period" default:"14" validate:"gte=1"`
	MinSignalStrength float64 `yaml:"min_signal_strength" default:"0.35" validate:"gte=0,lte=1"`
	// SeparationScale is the total ribbon spread, as a fraction of the slow average, that scores 1.
	SeparationScale float64 `yaml:"separation_scale" default:"0.002" validate:"gt=0"`
	// MomentumScale is the absolute rate of change, percent, that scores 1.
	MomentumScale float64 `yaml:"momentum_scale" default:"0.5" validate:"gt=0"`
	// SeparationWeight is the share of confidence from ribbon separation; momentum gets the rest.
	SeparationWeight float64 `yaml:"separation_weight" default:"0.5" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the standard ribbon parameters.
func DefaultConfig() Config {
	return Config{
		FastPeriod:        8,
		MediumPeriod:      21,
		SlowPeriod:        55,
		MomentumPeriod:    10,
		MomentumThreshold: 0.02,
		RSIPeriod:         14,
		RSIOverbought:     75,
		RSIOversold:       25,
		ATRPeriod:         14,
		MinSignalStrength: 0.35,
		SeparationScale:   0.002,
		MomentumScale:     0.5,
		SeparationWeight:  0.5,
	}
}

// Validate rejects out-of-range parameters instead of clamping them.
func (c Config) Validate() error {
	var errs []string
	if c.FastPeriod < 2 || c.MediumPeriod <= c.FastPeriod || c.SlowPeriod <= c.MediumPeriod {
		errs = append(errs, fmt.Sprintf("ribbon periods must satisfy 2 <= fast < medium < slow, got %d/%d/%d",
			c.FastPeriod, c.MediumPeriod, c.SlowPeriod))
	}
	if c.MomentumPeriod < 1 || c.RSIPeriod < 2 || c.ATRPeriod < 1 {
		errs = append(errs, "momentum, RSI and ATR periods must be positive")
	}
	if c.MomentumThreshold < 0 {
		errs = append(errs, "momentum threshold must be >= 0")
	}
	if c.RSIOversold < 0 || c.RSIOversold >= 50 || c.RSIOverbought <= 50 || c.RSIOverbought > 100 {
		errs = append(errs, "RSI bounds must satisfy 0 <= oversold < 50 < overbought <= 100")
	}
	if c.MinSignalStrength < 0 || c.MinSignalStrength > 1 {
		errs = append(errs, fmt.Sprintf("min signal strength must be within [0,1], got %v", c.MinSignalStrength))
	}
	if c.SeparationScale <= 0 || c.MomentumScale <= 0 {
		errs = append(errs, "confidence scales must be positive")
	}
	if c.SeparationWeight < 0 || c.SeparationWeight > 1 {
		errs = append(errs, "separation weight must be within [0,1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: strategy: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// Lookback returns the number of candles needed before every indicator is warm.
func (c Config) Lookback() int {
	n := c.SlowPeriod
	for _, p := range []int{c.MomentumPeriod + 1, c.RSIPeriod + 1, c.ATRPeriod + 1} {
		if p > n {
			n = p
		}
	}
	return n
}

var paramSetters = map[string]func(*Config, float64){
	"fast_period":         func(c *Config, v float64) { c.FastPeriod = int(math.Round(v)) },
	"medium_period":       func(c *Config, v float64) { c.MediumPeriod = int(math.Round(v)) },
	"slow_period":         func(c *Config, v float64) { c.SlowPeriod = int(math.Round(v)) },
	"momentum_period":     func(c *Config, v float64) { c.MomentumPeriod = int(math.Round(v)) },
	"momentum_threshold":  func(c *Config, v float64) { c.MomentumThreshold = v },
	"rsi_period":          func(c *Config, v float64) { c.RSIPeriod = int(math.Round(v)) },
	"rsi_overbought":      func(c *Config, v float64) { c.RSIOverbought = v },
	"rsi_oversold":        func(c *Config, v float64) { c.RSIOversold = v },
	"atr_period":          func(c *Config, v float64) { c.ATRPeriod = int(math.Round(v)) },
	"min_signal_strength": func(c *Config, v float64) { c.MinSignalStrength = v },
	"separation_scale":    func(c *Config, v float64) { c.SeparationScale = v },
	"momentum_scale":      func(c *Config, v float64) { c.MomentumScale = v },
	"separation_weight":   func(c *Config, v float64) { c.SeparationWeight = v },
}

// ParamNames lists the parameter keys accepted by WithParams.
func ParamNames() []string {
	out := make([]string, 0, len(paramSetters))
	for k := range paramSetters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WithParams returns a copy with the known keys applied. Unknown keys are ignored so a
// single parameter set can also carry ledger settings. The result is validated.
func (c Config) WithParams(params map[string]float64) (Config, error) {
	out := c
	for k, v := range params {
		if set, ok := paramSetters[k]; ok {
			set(&out, v)
		}
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Confidence scores ribbon separation and momentum magnitude into [0,1].
func (c Config) Confidence(fast, medium, slow, momentum float64) float64 {
	if slow <= 0 {
		return 0
	}
	sep := math.Min(1, (math.Abs(fast-medium)+math.Abs(medium-slow))/slow/c.SeparationScale)
	mom := math.Min(1, math.Abs(momentum)/c.MomentumScale)
	return c.SeparationWeight*sep + (1-c.SeparationWeight)*mom
}

// Decision is the outcome of evaluating one snapshot against the current state.
type Decision struct {
	Direction domain.Direction
	Entry     bool
	Reason    domain.CloseReason
}

// Decide applies the ribbon state machine to a snapshot. It is pure.
func (c Config) Decide(state domain.Direction, snap domain.IndicatorSnapshot) Decision {
	if !snap.Warm {
		return Decision{Direction: domain.Flat}
	}

	alignedUp := snap.Fast > snap.Medium && snap.Medium > snap.Slow
	alignedDown := snap.Fast < snap.Medium && snap.Medium < snap.Slow
	strong := snap.Confidence >= c.MinSignalStrength

	longEntry := alignedUp &&
		snap.PrevClose <= snap.PrevFast && snap.Close > snap.Fast &&
		snap.Momentum > c.MomentumThreshold &&
		snap.RSI < c.RSIOverbought &&
		strong
	shortEntry := alignedDown &&
		snap.PrevClose >= snap.PrevFast && snap.Close < snap.Fast &&
		snap.Momentum < -c.MomentumThreshold &&
		snap.RSI > c.RSIOversold &&
		strong

	switch {
	case longEntry && state != domain.Long:
		return Decision{Direction: domain.Long, Entry: true}
	case shortEntry && state != domain.Short:
		return Decision{Direction: domain.Short, Entry: true}
	case state == domain.Long && !alignedUp:
		return Decision{Direction: domain.Flat, Reason: domain.CloseReasonMisalignment}
	case state == domain.Short && !alignedDown:
		return Decision{Direction: domain.Flat, Reason: domain.CloseReasonMisalignment}
	}
	return Decision{Direction: state}
}
