// Package costs prices execution: spread, sampled slippage and commission.
package costs

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
)

// SessionFactor scales the spread during the UTC hours [StartHour, EndHour).
// A window with EndHour <= StartHour wraps midnight.
type SessionFactor struct {
	StartHour int     `yaml:"start_hour"`
	EndHour   int     `yaml:"end_hour"`
	Factor    float64 `yaml:"factor"`
}

func (s SessionFactor) contains(hour int) bool {
	if s.EndHour > s.StartHour {
		return hour >= s.StartHour && hour < s.EndHour
	}
	return hour >= s.StartHour || hour < s.EndHour
}

// InstrumentCosts are the cost parameters of one instrument.
type InstrumentCosts struct {
	// BaseSpread is the full bid/ask spread in price units at a session factor of 1.
	BaseSpread       float64         `yaml:"base_spread"`
	InstrumentFactor float64         `yaml:"instrument_factor" default:"1"`
	SessionFactors   []SessionFactor `yaml:"session_factors"`
	// DefaultFactor applies outside every session window.
	DefaultFactor float64 `yaml:"default_factor" default:"1"`

	CommissionRate float64 `yaml:"commission_rate"` // fraction of notional per fill
	MinCommission  float64 `yaml:"min_commission"`

	SlippageBps          float64 `yaml:"slippage_bps"`          // mean slippage in calm, liquid conditions
	VolatilityMultiplier float64 `yaml:"volatility_multiplier"` // per 1% ATR/price
	LiquidityMultiplier  float64 `yaml:"liquidity_multiplier"`  // per unit of median/volume above 1
	SlippageDispersion   float64 `yaml:"slippage_dispersion"`   // lognormal sigma in calm conditions
}

// FXSessionFactors is the usual FX liquidity profile: wide around the 22:00 UTC
// rollover and the Sydney/Tokyo open, tight in the London/New York overlap.
func FXSessionFactors() []SessionFactor {
	return []SessionFactor{
		{StartHour: 21, EndHour: 23, Factor: 2.5},
		{StartHour: 23, EndHour: 7, Factor: 1.4},
		{StartHour: 7, EndHour: 8, Factor: 1.2},
		{StartHour: 12, EndHour: 16, Factor: 0.8},
	}
}

// Validate rejects out-of-range parameters.
func (c InstrumentCosts) Validate() error {
	var errs []string
	if c.BaseSpread < 0 {
		errs = append(errs, "base_spread must be >= 0")
	}
	if c.InstrumentFactor <= 0 {
		errs = append(errs, "instrument_factor must be > 0")
	}
	if c.DefaultFactor <= 0 {
		errs = append(errs, "default_factor must be > 0")
	}
	for i, s := range c.SessionFactors {
		if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 24 || s.StartHour == s.EndHour {
			errs = append(errs, fmt.Sprintf("session_factors[%d] has invalid hours", i))
		}
		if s.Factor <= 0 {
			errs = append(errs, fmt.Sprintf("session_factors[%d].factor must be > 0", i))
		}
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		errs = append(errs, "commission_rate must be within [0,1)")
	}
	if c.MinCommission < 0 {
		errs = append(errs, "min_commission must be >= 0")
	}
	if c.SlippageBps < 0 || c.VolatilityMultiplier < 0 || c.LiquidityMultiplier < 0 || c.SlippageDispersion < 0 {
		errs = append(errs, "slippage parameters must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%v", errs)
	}
	return nil
}

// Model is an immutable cost table. Use NewQuoter for sampling.
type Model struct {
	instruments map[string]InstrumentCosts
}

// NewModel validates and copies the per-instrument cost table.
func NewModel(instruments map[string]InstrumentCosts) (*Model, error) {
	m := &Model{instruments: make(map[string]InstrumentCosts, len(instruments))}
	for name, c := range instruments {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: costs for %s: %v", ports.ErrConfigurationError, name, err)
		}
		c.SessionFactors = append([]SessionFactor(nil), c.SessionFactors...)
		m.instruments[name] = c
	}
	return m, nil
}

// Instruments lists the instruments with cost parameters.
func (m *Model) Instruments() []string {
	out := make([]string, 0, len(m.instruments))
	for k := range m.instruments {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Model) lookup(instrument string) (InstrumentCosts, error) {
	c, ok := m.instruments[instrument]
	if !ok {
		return InstrumentCosts{}, &ports.CostModelUnavailableError{Instrument: instrument}
	}
	return c, nil
}

// SessionFactor returns the spread multiplier in effect at ts.
func (m *Model) SessionFactor(instrument string, ts time.Time) (float64, error) {
	c, err := m.lookup(instrument)
	if err != nil {
		return 0, err
	}
	hour := ts.UTC().Hour()
	for _, s := range c.SessionFactors {
		if s.contains(hour) {
			return s.Factor, nil
		}
	}
	return c.DefaultFactor, nil
}

// Spread returns the full spread in price units at ts.
func (m *Model) Spread(instrument string, ts time.Time) (float64, error) {
	c, err := m.lookup(instrument)
	if err != nil {
		return 0, err
	}
	f, err := m.SessionFactor(instrument, ts)
	if err != nil {
		return 0, err
	}
	return c.BaseSpread * f * c.InstrumentFactor, nil
}

// Commission returns the commission charged on one fill of the given notional.
func (m *Model) Commission(instrument string, notional float64) (float64, error) {
	c, err := m.lookup(instrument)
	if err != nil {
		return 0, err
	}
	return math.Max(c.CommissionRate*math.Abs(notional), c.MinCommission), nil
}

// MarketState is the local market context a fill happens in.
type MarketState struct {
	Price        float64
	ATR          float64
	Volume       float64
	MedianVolume float64
}

// Quote is the price impact of one fill, in price units. Both fields are >= 0 and
// always move the fill against the trader.
type Quote struct {
	Spread   float64 // full spread; a fill crosses half of it
	Slippage float64
}

// Adverse returns the total price move of a fill away from the signal price.
func (q Quote) Adverse() float64 { return q.Spread/2 + q.Slippage }

// FillPrice applies the quote to a signal price for the given side.
func (q Quote) FillPrice(signal float64, side domain.OrderSide) float64 {
	if side == domain.Buy {
		return signal + q.Adverse()
	}
	return signal - q.Adverse()
}

// Quoter samples slippage from a seeded source. It is not safe for concurrent use;
// each run owns its own.
type Quoter struct {
	model *Model
	rng   *rand.Rand
}

// NewQuoter creates a Quoter with a deterministic random source.
func (m *Model) NewQuoter(seed int64) *Quoter {
	return &Quoter{model: m, rng: rand.New(rand.NewSource(seed))}
}

// Model returns the cost table behind the quoter.
func (q *Quoter) Model() *Model { return q.model }

// Quote prices one fill at ts.
func (q *Quoter) Quote(instrument string, ts time.Time, side domain.OrderSide, state MarketState) (Quote, error) {
	c, err := q.model.lookup(instrument)
	if err != nil {
		return Quote{}, err
	}
	spread, err := q.model.Spread(instrument, ts)
	if err != nil {
		return Quote{}, err
	}
	if state.Price <= 0 {
		return Quote{}, fmt.Errorf("%w: %s: non-positive price %v", ports.ErrInvalidRequest, instrument, state.Price)
	}

	mean, sigma := slippageParams(c, state)
	// Lognormal with the given mean: exp(sigma*Z - sigma^2/2) has expectation 1.
	bps := mean * math.Exp(sigma*q.rng.NormFloat64()-sigma*sigma/2)
	return Quote{Spread: spread, Slippage: state.Price * bps / 10000}, nil
}

// slippageParams returns the mean slippage in bps and the lognormal dispersion.
// Both rise with volatility and with volume below its median.
func slippageParams(c InstrumentCosts, state MarketState) (mean, sigma float64) {
	volPct := 0.0
	if state.ATR > 0 {
		volPct = 100 * state.ATR / state.Price
	}
	volFactor := 1 + c.VolatilityMultiplier*volPct

	liqFactor := 1.0
	if state.MedianVolume > 0 {
		ratio := 10.0
		if state.Volume > 0 {
			ratio = math.Min(state.MedianVolume/state.Volume, 10)
		}
		liqFactor = 1 + c.LiquidityMultiplier*math.Max(0, ratio-1)
	}

	mean = c.SlippageBps * volFactor * liqFactor
	sigma = c.SlippageDispersion * math.Sqrt(volFactor*liqFactor)
	return mean, sigma
}
