package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"replayGuard/internal/domain"
)

var candleHeader = []string{"timestamp", "instrument", "open", "high", "low", "close", "volume", "bid", "ask"}

var tradeHeader = []string{
	"id", "position_id", "instrument", "direction", "size",
	"entry_signal_price", "entry_price", "exit_signal_price", "exit_price",
	"entry_time", "exit_time", "gross_pnl", "pnl", "return_pct", "equity_at_entry",
	"spread_cost", "slippage_cost", "commission", "close_reason",
}

// timestamp column aliases accepted on read
var timestampColumns = []string{"timestamp", "time", "open_time", "datetime", "date"}

// ReadCandlesFromCSV loads one instrument's candles from a CSV file.
// The instrument argument is used when the file has no instrument column.
func ReadCandlesFromCSV(filename, instrument string) ([]domain.Candle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	candles, err := ReadCandles(file, instrument)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return candles, nil
}

// ReadCandles parses a header-led candle CSV. Columns are located by name, so extra columns
// are ignored and bid/ask are optional.
func ReadCandles(r io.Reader, instrument string) ([]domain.Candle, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty candle file")
		}
		return nil, err
	}
	cols := indexColumns(header)

	tsCol := -1
	for _, name := range timestampColumns {
		if i, ok := cols[name]; ok {
			tsCol = i
			break
		}
	}
	if tsCol < 0 {
		return nil, fmt.Errorf("missing timestamp column (one of %s)", strings.Join(timestampColumns, ", "))
	}
	for _, name := range []string{"open", "high", "low", "close"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing %s column", name)
		}
	}

	var candles []domain.Candle
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		ts, err := parseTimestamp(record[tsCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c := domain.Candle{Instrument: instrument, Timestamp: ts}
		if i, ok := cols["instrument"]; ok && record[i] != "" {
			c.Instrument = record[i]
		} else if i, ok := cols["symbol"]; ok && record[i] != "" {
			c.Instrument = record[i]
		}

		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close},
			{"volume", &c.Volume}, {"bid", &c.Bid}, {"ask", &c.Ask},
		}
		for _, f := range fields {
			i, ok := cols[f.name]
			if !ok || record[i] == "" {
				continue
			}
			v, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: parsing %s '%s': %w", line, f.name, record[i], err)
			}
			*f.dst = v
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// WriteCandlesToCSV writes candles in the layout ReadCandles reads.
func WriteCandlesToCSV(candles []domain.Candle, filename string) error {
	return writeFile(filename, func(w *csv.Writer) error {
		if err := w.Write(candleHeader); err != nil {
			return err
		}
		for _, c := range candles {
			if err := w.Write([]string{
				c.Timestamp.UTC().Format(time.RFC3339),
				c.Instrument,
				formatFloat(c.Open),
				formatFloat(c.High),
				formatFloat(c.Low),
				formatFloat(c.Close),
				formatFloat(c.Volume),
				formatFloat(c.Bid),
				formatFloat(c.Ask),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteTradesToCSV exports a trade log with its cost breakdown.
func WriteTradesToCSV(trades []domain.TradeRecord, filename string) error {
	return writeFile(filename, func(w *csv.Writer) error {
		if err := w.Write(tradeHeader); err != nil {
			return err
		}
		for _, t := range trades {
			if err := w.Write([]string{
				strconv.FormatInt(t.ID, 10),
				strconv.FormatInt(t.PositionID, 10),
				t.Instrument,
				string(t.Direction),
				formatFloat(t.Size),
				formatFloat(t.EntrySignalPrice),
				formatFloat(t.EntryPrice),
				formatFloat(t.ExitSignalPrice),
				formatFloat(t.ExitPrice),
				t.EntryTime.UTC().Format(time.RFC3339),
				t.ExitTime.UTC().Format(time.RFC3339),
				formatFloat(t.GrossPNL),
				formatFloat(t.PNL),
				formatFloat(t.ReturnPct),
				formatFloat(t.EquityAtEntry),
				formatFloat(t.Costs.Spread),
				formatFloat(t.Costs.Slippage),
				formatFloat(t.Costs.Commission),
				string(t.CloseReason),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadTradesFromCSV loads a trade log written by WriteTradesToCSV.
func ReadTradesFromCSV(filename string) ([]domain.TradeRecord, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty trade file", filename)
	}
	cols := indexColumns(records[0])
	for _, name := range tradeHeader {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%s: missing %s column", filename, name)
		}
	}

	trades := make([]domain.TradeRecord, 0, len(records)-1)
	for n, record := range records[1:] {
		p := fieldParser{record: record, cols: cols}
		t := domain.TradeRecord{
			ID:               p.int("id"),
			PositionID:       p.int("position_id"),
			Instrument:       record[cols["instrument"]],
			Direction:        domain.Direction(record[cols["direction"]]),
			Size:             p.float("size"),
			EntrySignalPrice: p.float("entry_signal_price"),
			EntryPrice:       p.float("entry_price"),
			ExitSignalPrice:  p.float("exit_signal_price"),
			ExitPrice:        p.float("exit_price"),
			EntryTime:        p.time("entry_time"),
			ExitTime:         p.time("exit_time"),
			GrossPNL:         p.float("gross_pnl"),
			PNL:              p.float("pnl"),
			ReturnPct:        p.float("return_pct"),
			EquityAtEntry:    p.float("equity_at_entry"),
			Costs: domain.CostBreakdown{
				Spread:     p.float("spread_cost"),
				Slippage:   p.float("slippage_cost"),
				Commission: p.float("commission"),
			},
			CloseReason: domain.CloseReason(record[cols["close_reason"]]),
		}
		if p.err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", filename, n+2, p.err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// WriteEquityToCSV exports an equity curve.
func WriteEquityToCSV(points []domain.EquityPoint, filename string) error {
	return writeFile(filename, func(w *csv.Writer) error {
		if err := w.Write([]string{"time", "equity"}); err != nil {
			return err
		}
		for _, p := range points {
			if err := w.Write([]string{p.Time.UTC().Format(time.RFC3339), formatFloat(p.Equity)}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadEquityFromCSV loads an equity curve written by WriteEquityToCSV.
func ReadEquityFromCSV(filename string) ([]domain.EquityPoint, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty equity file", filename)
	}
	cols := indexColumns(records[0])
	for _, name := range []string{"time", "equity"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%s: missing %s column", filename, name)
		}
	}

	points := make([]domain.EquityPoint, 0, len(records)-1)
	for n, record := range records[1:] {
		p := fieldParser{record: record, cols: cols}
		pt := domain.EquityPoint{Time: p.time("time"), Equity: p.float("equity")}
		if p.err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", filename, n+2, p.err)
		}
		points = append(points, pt)
	}
	return points, nil
}

func writeFile(filename string, fn func(w *csv.Writer) error) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := fn(writer); err != nil {
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return cols
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// parseTimestamp accepts RFC 3339, common naive layouts (read as UTC) and unix seconds or
// milliseconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp '%s'", s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// fieldParser records the first parse failure of a row.
type fieldParser struct {
	record []string
	cols   map[string]int
	err    error
}

func (p *fieldParser) float(name string) float64 {
	v, err := strconv.ParseFloat(p.record[p.cols[name]], 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parsing %s: %w", name, err)
	}
	return v
}

func (p *fieldParser) int(name string) int64 {
	v, err := strconv.ParseInt(p.record[p.cols[name]], 10, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parsing %s: %w", name, err)
	}
	return v
}

func (p *fieldParser) time(name string) time.Time {
	v, err := parseTimestamp(p.record[p.cols[name]])
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parsing %s: %w", name, err)
	}
	return v
}
