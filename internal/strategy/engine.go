package strategy

import (
	"context"
	"errors"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/strategy/indicators"
)

// Engine is the per-instrument ribbon state machine. It is not safe for concurrent use;
// different instruments use different engines.
type Engine struct {
	cfg        Config
	instrument string
	logger     ports.Logger

	fast, medium, slow *indicators.EMAStream
	momentum           *indicators.MomentumStream
	rsi                *indicators.RSIStream
	atr                *indicators.ATRStream

	bars      int
	prevClose float64
	state     domain.Direction
}

// NewEngine creates an engine for one instrument.
func NewEngine(cfg Config, instrument string, logger ports.Logger) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger is required for strategy engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		instrument: instrument,
		logger:     logger,
		fast:       indicators.NewEMAStream(cfg.FastPeriod),
		medium:     indicators.NewEMAStream(cfg.MediumPeriod),
		slow:       indicators.NewEMAStream(cfg.SlowPeriod),
		momentum:   indicators.NewMomentumStream(cfg.MomentumPeriod),
		rsi:        indicators.NewRSIStream(cfg.RSIPeriod),
		atr:        indicators.NewATRStream(cfg.ATRPeriod),
		state:      domain.Flat,
	}, nil
}

// Instrument returns the engine's instrument.
func (e *Engine) Instrument() string { return e.instrument }

// State returns the direction the engine believes the ledger holds.
func (e *Engine) State() domain.Direction { return e.state }

// Sync sets the state from the ledger after fills the engine did not decide,
// such as stop/target exits or gate rejections.
func (e *Engine) Sync(dir domain.Direction) { e.state = dir }

// Rewarm discards indicator history. The position state is kept.
func (e *Engine) Rewarm(ctx context.Context) {
	e.fast.Reset()
	e.medium.Reset()
	e.slow.Reset()
	e.momentum.Reset()
	e.rsi.Reset()
	e.atr.Reset()
	e.bars, e.prevClose = 0, 0
	e.logger.Debug(ctx, "Indicators reset after outage", map[string]interface{}{"instrument": e.instrument})
}

// ATR returns the current average true range, 0 until warm.
func (e *Engine) ATR() float64 {
	if !e.atr.Ready() {
		return 0
	}
	return e.atr.Value()
}

// OnCandle updates the indicators and emits one event for the bar. While the
// indicators are warming up the event is FLAT without a close reason.
// suppressEntry turns any entry into a hold, for bars flagged as anomalous.
func (e *Engine) OnCandle(ctx context.Context, c domain.Candle, suppressEntry bool) domain.SignalEvent {
	prevFast, prevClose := e.fast.Value(), e.prevClose

	fast := e.fast.Update(c)
	medium := e.medium.Update(c)
	slow := e.slow.Update(c)
	mom := e.momentum.Update(c)
	rsi := e.rsi.Update(c)
	atr := e.atr.Update(c)
	e.bars++
	e.prevClose = c.Close

	snap := domain.IndicatorSnapshot{
		Close:     c.Close,
		PrevClose: prevClose,
		Fast:      fast,
		Medium:    medium,
		Slow:      slow,
		PrevFast:  prevFast,
		Momentum:  mom,
		RSI:       rsi,
		ATR:       atr,
		Warm:      e.bars > e.cfg.Lookback(),
	}
	snap.Confidence = e.cfg.Confidence(fast, medium, slow, mom)

	ev := domain.SignalEvent{Instrument: e.instrument, Timestamp: c.Timestamp, State: snap}
	if !snap.Warm {
		if e.bars == 1 {
			e.logger.Debug(ctx, "Warming up indicators", map[string]interface{}{
				"instrument": e.instrument,
				"required":   e.cfg.Lookback() + 1,
			})
		}
		ev.Direction = domain.Flat
		return ev
	}

	d := e.cfg.Decide(e.state, snap)
	if d.Entry && suppressEntry {
		e.logger.Debug(ctx, "Entry suppressed on anomalous bar", map[string]interface{}{
			"instrument": e.instrument,
			"timestamp":  c.Timestamp,
			"direction":  d.Direction,
		})
		d = Decision{Direction: e.state}
	}
	ev.Direction, ev.Entry, ev.Reason = d.Direction, d.Entry, d.Reason
	ev.Confidence = snap.Confidence
	if d.Entry || d.Reason != "" {
		e.state = d.Direction
	}
	return ev
}
