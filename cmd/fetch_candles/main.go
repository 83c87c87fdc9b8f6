package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"replayGuard/config"
	"replayGuard/internal/adapters/binanceclient"
	"replayGuard/internal/adapters/logger"
	"replayGuard/internal/ports"
	"replayGuard/internal/utils"
)

func main() {
	symbol := flag.String("symbol", "ETHUSDT", "Binance futures symbol")
	interval := flag.String("interval", "1h", "Bar interval")
	days := flag.Int("days", 90, "Days of history to fetch")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewZeroLogger(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	end := time.Now().UTC().Truncate(time.Hour)
	start := end.AddDate(0, 0, -*days)

	filename, err := fetch(ctx, binanceClient, appLogger, *symbol, *interval, start, end, cfg.DataDir)
	if err != nil {
		log.Fatalf("Error fetching candles: %v", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
}

// fetch downloads [start, end) from src and writes it as a candle CSV under dir.
func fetch(ctx context.Context, src ports.CandleSource, logger ports.Logger, symbol, interval string, start, end time.Time, dir string) (string, error) {
	logger.Info(ctx, "Fetching candles", map[string]interface{}{
		"symbol": symbol, "interval": interval, "start": start, "end": end,
	})
	candles, err := src.GetCandles(ctx, symbol, interval, start, end)
	if err != nil {
		logger.Error(ctx, err, "Error fetching candles")
		return "", err
	}
	if len(candles) == 0 {
		return "", fmt.Errorf("%w: no candles for %s %s", ports.ErrInvalidRequest, symbol, interval)
	}
	logger.Info(ctx, "Fetched candles", map[string]interface{}{"count": len(candles)})

	filename := filepath.Join(dir, fmt.Sprintf("%s_%s_%s_to_%s.csv",
		symbol, interval, start.Format("20060102"), end.Format("20060102")))
	if err := utils.WriteCandlesToCSV(candles, filename); err != nil {
		logger.Error(ctx, err, "Error writing CSV")
		return "", err
	}
	return filename, nil
}
