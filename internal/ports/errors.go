package ports

import (
	"errors"
	"fmt"
	"time"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Replay Errors
	ErrDataOrdering          = errors.New("candle series is not strictly increasing")
	ErrInsufficientHistory   = errors.New("insufficient history for indicator lookback")
	ErrCostModelUnavailable  = errors.New("cost model unavailable for instrument")
	ErrUnknownInstrument     = errors.New("instrument has no configured session calendar")
	ErrNoTrials              = errors.New("optimizer produced no successful trial")
	ErrExposureLimit         = errors.New("exposure limit reached")
	ErrMaxConcurrentPosition = errors.New("maximum concurrent positions reached")
	ErrDailyTradeLimit       = errors.New("daily trade limit reached for instrument")
	ErrDrawdownLimit         = errors.New("drawdown limit reached, new entries halted")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
)

// DataOrderingError reports the first out-of-order or duplicate candle of an instrument.
type DataOrderingError struct {
	Instrument string
	Index      int
	Previous   time.Time
	Current    time.Time
}

func (e *DataOrderingError) Error() string {
	if e.Current.Equal(e.Previous) {
		return fmt.Sprintf("%s: duplicate candle at index %d (%s)", e.Instrument, e.Index, e.Current.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s: candle at index %d (%s) is not after %s", e.Instrument, e.Index,
		e.Current.Format(time.RFC3339), e.Previous.Format(time.RFC3339))
}

func (e *DataOrderingError) Unwrap() error { return ErrDataOrdering }

// CostModelUnavailableError is returned when an instrument has no cost parameters.
type CostModelUnavailableError struct {
	Instrument string
}

func (e *CostModelUnavailableError) Error() string {
	return fmt.Sprintf("no cost parameters for instrument %q", e.Instrument)
}

func (e *CostModelUnavailableError) Unwrap() error { return ErrCostModelUnavailable }
