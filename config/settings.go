package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"replayGuard/internal/calendar"
	"replayGuard/internal/costs"
	"replayGuard/internal/ports"
	"replayGuard/internal/quality"
	"replayGuard/internal/risk"
	"replayGuard/internal/strategy"
	"replayGuard/internal/strategy/backtesting"
	"replayGuard/internal/strategy/optimization"
	"replayGuard/internal/validation"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Report YAML keys rather than Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// InstrumentSettings configures one instrument.
type InstrumentSettings struct {
	Session     string        `yaml:"session" default:"fx" validate:"oneof=fx metals continuous"`
	BarInterval time.Duration `yaml:"bar_interval" default:"1h" validate:"gt=0"`
	// Holidays adds recurring full-day closures as MM-DD.
	Holidays []string `yaml:"holidays"`
	// Data is the candle CSV of the instrument.
	Data  string                `yaml:"data"`
	Costs costs.InstrumentCosts `yaml:"costs"`
}

// QualitySettings holds the gap detector and anomaly scanner thresholds.
type QualitySettings struct {
	// CalendarMode "session" splits gaps against session closures, "wallclock" ignores them.
	CalendarMode     string        `yaml:"calendar_mode" default:"session" validate:"oneof=session wallclock"`
	SpacingMultiple  float64       `yaml:"spacing_multiple" default:"1" validate:"gte=1"`
	MinGap           time.Duration `yaml:"min_gap" default:"4h" validate:"gt=0"`
	HighSeverity     time.Duration `yaml:"high_severity" default:"48h" validate:"gtfield=MinGap"`
	AnomalyWindow    int           `yaml:"anomaly_window" default:"24" validate:"gte=3"`
	AnomalyMinPoints int           `yaml:"anomaly_min_points" default:"12" validate:"gte=3,ltefield=AnomalyWindow"`
	MADThreshold     float64       `yaml:"mad_threshold" default:"5" validate:"gt=0"`
	SpikeRatio       float64       `yaml:"spike_ratio" default:"8" validate:"gt=1"`
	Workers          int           `yaml:"workers" default:"4" validate:"gte=1"`
}

// BacktestSettings holds replay settings outside the strategy, ledger and risk sections.
type BacktestSettings struct {
	VolumeWindow int `yaml:"volume_window" default:"24" validate:"gte=1"`
	Workers      int `yaml:"workers" default:"4" validate:"gte=1"`
}

// Settings is the domain configuration read from the YAML settings file.
type Settings struct {
	Instruments map[string]*InstrumentSettings `yaml:"instruments" validate:"required,min=1,dive,required"`
	Quality     QualitySettings                `yaml:"quality"`
	Strategy    strategy.Config                `yaml:"strategy"`
	Ledger      backtesting.LedgerConfig       `yaml:"ledger"`
	Risk        risk.RiskConfig                `yaml:"risk"`
	Backtest    BacktestSettings               `yaml:"backtest"`
	Optimizer   optimization.OptimizerConfig   `yaml:"optimizer"`
	Drift       validation.Config              `yaml:"drift"`
}

// LoadSettings reads, defaults and validates the settings file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading settings: %v", ports.ErrConfigurationError, err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes YAML settings. Defaults are set before decoding, so a key present in
// the file always keeps its value, zero included. Unknown keys and out-of-range values are rejected.
func ParseSettings(data []byte) (*Settings, error) {
	s := &Settings{}
	if err := defaults.Set(s); err != nil {
		return nil, fmt.Errorf("%w: applying defaults: %v", ports.ErrConfigurationError, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: settings file is empty", ports.ErrConfigurationError)
		}
		return nil, fmt.Errorf("%w: decoding settings: %v", ports.ErrConfigurationError, err)
	}
	if err := s.decodeInstruments(data); err != nil {
		return nil, err
	}
	if len(s.Drift.Tolerances) == 0 {
		s.Drift.Tolerances = validation.DefaultConfig().Tolerances
	}
	if len(s.Drift.Methods) == 0 {
		s.Drift.Methods = validation.AllMethods
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// decodeInstruments decodes each instrument again over a defaulted value. Map entries are
// allocated by the decoder, so the first pass only serves to reject unknown keys.
func (s *Settings) decodeInstruments(data []byte) error {
	var raw struct {
		Instruments map[string]yaml.Node `yaml:"instruments"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: decoding instruments: %v", ports.ErrConfigurationError, err)
	}
	for name, node := range raw.Instruments {
		if s.Instruments[name] == nil {
			continue
		}
		inst := &InstrumentSettings{}
		if err := defaults.Set(inst); err != nil {
			return fmt.Errorf("%w: applying defaults to %s: %v", ports.ErrConfigurationError, name, err)
		}
		if err := node.Decode(inst); err != nil {
			return fmt.Errorf("%w: decoding instrument %s: %v", ports.ErrConfigurationError, name, err)
		}
		s.Instruments[name] = inst
	}
	return nil
}

// Validate runs the tag rules and then every component's own range checks.
// All failures are reported together.
func (s *Settings) Validate() error {
	var errs []string

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	for _, name := range s.InstrumentNames() {
		inst := s.Instruments[name]
		if inst == nil {
			continue
		}
		if err := inst.Costs.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("instruments.%s.costs: %v", name, err))
		}
		if _, err := parseHolidays(inst.Holidays); err != nil {
			errs = append(errs, fmt.Sprintf("instruments.%s.holidays: %v", name, err))
		}
	}

	checks := []func() error{s.Strategy.Validate, s.Ledger.Validate, s.Risk.Validate, s.Drift.Validate}
	if len(s.Optimizer.ParameterRanges) > 0 {
		checks = append(checks, s.Optimizer.Validate)
		tunable := backtesting.AllParamNames()
		for _, r := range s.Optimizer.ParameterRanges {
			if r.Name != "" && !slices.Contains(tunable, r.Name) {
				errs = append(errs, fmt.Sprintf("optimizer.ranges: unknown parameter %q (tunable: %s)", r.Name, strings.Join(tunable, ", ")))
			}
		}
	}
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, strings.TrimPrefix(err.Error(), ports.ErrConfigurationError.Error()+": "))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: settings validation failed: %s", ports.ErrConfigurationError, strings.Join(dedupe(errs), "; "))
	}
	return nil
}

// InstrumentNames returns the configured instruments in sorted order.
func (s *Settings) InstrumentNames() []string {
	names := make([]string, 0, len(s.Instruments))
	for k := range s.Instruments {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Calendar builds the session calendar of every configured instrument.
func (s *Settings) Calendar() (*calendar.Calendar, error) {
	sessions := make(map[string]calendar.SessionWindow, len(s.Instruments))
	for name, inst := range s.Instruments {
		var w calendar.SessionWindow
		switch inst.Session {
		case "metals":
			w = calendar.Metals(inst.BarInterval)
		case "continuous":
			w = calendar.Continuous(inst.BarInterval)
		default:
			w = calendar.FX(inst.BarInterval)
		}
		extra, err := parseHolidays(inst.Holidays)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ports.ErrConfigurationError, name, err)
		}
		w.Holidays = append(w.Holidays, extra...)
		sessions[name] = w
	}
	return calendar.New(sessions)
}

// CostModel builds the cost table of every configured instrument.
func (s *Settings) CostModel() (*costs.Model, error) {
	table := make(map[string]costs.InstrumentCosts, len(s.Instruments))
	for name, inst := range s.Instruments {
		table[name] = inst.Costs
	}
	return costs.NewModel(table)
}

// DetectorConfig returns the gap detector thresholds.
func (s *Settings) DetectorConfig() quality.DetectorConfig {
	return quality.DetectorConfig{
		SpacingMultiple:      s.Quality.SpacingMultiple,
		MinGap:               s.Quality.MinGap,
		HighSeverity:         s.Quality.HighSeverity,
		ApplySessionCalendar: s.Quality.CalendarMode == "session",
	}
}

// ScannerConfig returns the anomaly scanner bounds.
func (s *Settings) ScannerConfig() quality.ScannerConfig {
	return quality.ScannerConfig{
		WindowSize:    s.Quality.AnomalyWindow,
		MinDataPoints: s.Quality.AnomalyMinPoints,
		MADThreshold:  s.Quality.MADThreshold,
		SpikeRatio:    s.Quality.SpikeRatio,
	}
}

// BacktestConfig returns the replay configuration.
func (s *Settings) BacktestConfig() backtesting.BacktestConfig {
	return backtesting.BacktestConfig{
		Strategy:     s.Strategy,
		Ledger:       s.Ledger,
		Risk:         s.Risk,
		VolumeWindow: s.Backtest.VolumeWindow,
		Workers:      s.Backtest.Workers,
	}
}

func parseHolidays(raw []string) ([]calendar.Holiday, error) {
	out := make([]calendar.Holiday, 0, len(raw))
	for _, h := range raw {
		t, err := time.Parse("01-02", h)
		if err != nil {
			return nil, fmt.Errorf("holiday %q is not MM-DD", h)
		}
		out = append(out, calendar.Holiday{Month: t.Month(), Day: t.Day()})
	}
	return out, nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Settings.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "ltefield":
		return fmt.Sprintf("%s must not exceed %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
