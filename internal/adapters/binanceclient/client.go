package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// maxLimit is the largest page the klines endpoint serves.
	maxLimit = 1500
)

// Client implements ports.CandleSource using the go-binance futures REST API.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	now           func() time.Time
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	// BaseURL overrides the production/testnet endpoint when set.
	BaseURL string
	Logger  ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Debug(context.Background(), "APIKey or SecretKey is empty, using public endpoints only")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL})

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1001, -1007, -1008: // Internal error, backend timeout, server busy
			mappedErr = ports.ErrExchangeUnavailable
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015: // Signature or API-key rejected
			mappedErr = ports.ErrAuthenticationFailed
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1120, -1121, -1127, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetCandles fetches every closed candle for an instrument between start and end, paging
// through the klines endpoint. Candles are stamped with the bar open time in UTC; a bar that
// has not closed yet is left out.
func (c *Client) GetCandles(ctx context.Context, instrument, interval string, start, end time.Time) ([]domain.Candle, error) {
	op := "GetCandles"
	if !end.After(start) {
		return nil, fmt.Errorf("%s: end %s is not after start %s: %w", op, end, start, ports.ErrInvalidRequest)
	}

	var candles []domain.Candle
	from := start
	now := c.now()

	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(instrument).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, bk := range klines {
			if time.UnixMilli(bk.CloseTime).After(now) {
				continue
			}
			candle, err := translateBinanceKline(bk, instrument)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
			}
			candles = append(candles, candle)
		}
		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime + 1)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
	}

	c.logger.Debug(ctx, "Candles fetched", map[string]interface{}{
		"instrument": instrument, "interval": interval, "count": len(candles),
	})
	return candles, nil
}

func translateBinanceKline(bk *futures.Kline, instrument string) (domain.Candle, error) {
	if bk == nil {
		return domain.Candle{}, errors.New("received nil historical kline")
	}
	var open, high, low, cls, vol float64
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open price", bk.Open, &open},
		{"high price", bk.High, &high},
		{"low price", bk.Low, &low},
		{"close price", bk.Close, &cls},
		{"volume", bk.Volume, &vol},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("parsing %s '%s': %w", f.name, f.raw, err)
		}
		*f.dst = v
	}

	return domain.Candle{
		Instrument: instrument,
		Timestamp:  time.UnixMilli(bk.OpenTime).UTC(),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		Volume:     vol,
	}, nil
}
