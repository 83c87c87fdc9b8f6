package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
)

// Repository implements ports.RunRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/replay_guard.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %v", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %v", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		metrics TEXT NOT NULL DEFAULT '{}',
		passed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		trade_no INTEGER NOT NULL,
		position_id INTEGER NOT NULL,
		instrument TEXT NOT NULL,
		direction TEXT NOT NULL,
		size REAL NOT NULL,
		entry_signal_price REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_signal_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		gross_pnl REAL NOT NULL,
		pnl REAL NOT NULL,
		return_pct REAL NOT NULL,
		equity_at_entry REAL NOT NULL,
		spread_cost REAL NOT NULL,
		slippage_cost REAL NOT NULL,
		commission REAL NOT NULL,
		close_reason TEXT NOT NULL,
		UNIQUE (run_id, trade_no)
	);

	CREATE TABLE IF NOT EXISTS equity_points (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		time TIMESTAMP NOT NULL,
		equity REAL NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS completeness_reports (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		instrument TEXT NOT NULL,
		window_start TIMESTAMP NOT NULL,
		window_end TIMESTAMP NOT NULL,
		expected_hours REAL NOT NULL,
		missing_hours REAL NOT NULL,
		completeness_pct REAL NOT NULL,
		anomaly_count INTEGER NOT NULL,
		ambiguous_gaps INTEGER NOT NULL,
		PRIMARY KEY (run_id, instrument)
	);

	CREATE TABLE IF NOT EXISTS gap_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		instrument TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		duration_hours REAL NOT NULL,
		classification TEXT NOT NULL,
		needs_review INTEGER NOT NULL,
		prev_bar TIMESTAMP NOT NULL,
		next_bar TIMESTAMP NOT NULL,
		expected_bars INTEGER NOT NULL,
		closure_hours REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		instrument TEXT NOT NULL,
		time TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		median REAL NOT NULL,
		score REAL NOT NULL,
		severity TEXT NOT NULL,
		reason TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS drift_results (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		metric TEXT NOT NULL,
		live_value REAL NOT NULL,
		backtest_value REAL NOT NULL,
		relative_delta REAL NOT NULL,
		tolerance REAL NOT NULL,
		within_tolerance INTEGER NOT NULL,
		PRIMARY KEY (run_id, metric)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_run_exit ON trades (run_id, exit_time);
	CREATE INDEX IF NOT EXISTS idx_gap_records_run_instrument ON gap_records (run_id, instrument, start_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// CreateRun stores a run header.
func (r *Repository) CreateRun(ctx context.Context, run *ports.RunRecord) error {
	const query = `
	INSERT INTO runs (id, kind, started_at, finished_at, params, metrics, passed)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.Kind, run.StartedAt.UTC(), run.FinishedAt.UTC(), orEmptyJSON(run.Params), orEmptyJSON(run.Metrics), run.Passed)
	if err != nil {
		return wrapExecError(err, fmt.Sprintf("failed to insert run %s", run.ID))
	}
	r.logger.Debug(ctx, "Run created", map[string]interface{}{"runID": run.ID, "kind": run.Kind})
	return nil
}

// FindRun retrieves a run header by ID.
func (r *Repository) FindRun(ctx context.Context, id string) (*ports.RunRecord, error) {
	const query = `
	SELECT id, kind, started_at, finished_at, params, metrics, passed
	FROM runs WHERE id = ?`

	run := &ports.RunRecord{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Kind, &run.StartedAt, &run.FinishedAt, &run.Params, &run.Metrics, &run.Passed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Run not found by ID", map[string]interface{}{"runID": id})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query run %s: %w: %v", id, ports.ErrQueryFailed, err)
	}
	return run, nil
}

// SaveReports stores completeness reports with their gap and anomaly records in one transaction.
func (r *Repository) SaveReports(ctx context.Context, runID string, reports []*domain.CompletenessReport) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		reportStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO completeness_reports (run_id, instrument, window_start, window_end, expected_hours,
		                                  missing_hours, completeness_pct, anomaly_count, ambiguous_gaps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer reportStmt.Close()
		gapStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gap_records (run_id, instrument, start_time, end_time, duration_hours, classification,
		                         needs_review, prev_bar, next_bar, expected_bars, closure_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer gapStmt.Close()
		anomalyStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO anomalies (run_id, instrument, time, kind, value, median, score, severity, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer anomalyStmt.Close()

		for _, rep := range reports {
			if _, err := reportStmt.ExecContext(ctx, runID, rep.Instrument, rep.WindowStart.UTC(), rep.WindowEnd.UTC(),
				rep.TotalExpectedHours, rep.MissingHours, rep.CompletenessPct, rep.AnomalyCount, rep.AmbiguousGaps); err != nil {
				return wrapExecError(err, fmt.Sprintf("failed to insert report for %s", rep.Instrument))
			}
			for _, g := range rep.Gaps {
				c := g.CoverageContext
				if _, err := gapStmt.ExecContext(ctx, runID, g.Instrument, g.Start.UTC(), g.End.UTC(), g.Duration.Hours(),
					string(g.Classification), g.NeedsReview, c.PrevBar.UTC(), c.NextBar.UTC(), c.ExpectedBars, c.ClosureHours); err != nil {
					return wrapExecError(err, fmt.Sprintf("failed to insert gap for %s", g.Instrument))
				}
			}
			for _, a := range rep.Anomalies {
				if _, err := anomalyStmt.ExecContext(ctx, runID, a.Instrument, a.Timestamp.UTC(), string(a.Kind),
					a.Value, a.Median, a.Score, a.Severity, a.Reason); err != nil {
					return wrapExecError(err, fmt.Sprintf("failed to insert anomaly for %s", a.Instrument))
				}
			}
		}
		return nil
	})
}

// FindGapsByRun retrieves gap records of a run for one instrument ordered by start.
func (r *Repository) FindGapsByRun(ctx context.Context, runID, instrument string) ([]domain.GapRecord, error) {
	const query = `
	SELECT instrument, start_time, end_time, classification, needs_review, prev_bar, next_bar,
	       expected_bars, closure_hours
	FROM gap_records WHERE run_id = ? AND instrument = ?
	ORDER BY start_time`

	rows, err := r.db.QueryContext(ctx, query, runID, instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to query gaps of run %s: %w: %v", runID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	gaps := make([]domain.GapRecord, 0)
	for rows.Next() {
		var g domain.GapRecord
		var cls string
		c := &g.CoverageContext
		if err := rows.Scan(&g.Instrument, &g.Start, &g.End, &cls, &g.NeedsReview, &c.PrevBar, &c.NextBar,
			&c.ExpectedBars, &c.ClosureHours); err != nil {
			return nil, fmt.Errorf("failed to scan gap record: %w", err)
		}
		g.Classification = domain.GapClassification(cls)
		g.Duration = g.End.Sub(g.Start)
		c.Elapsed = c.NextBar.Sub(c.PrevBar)
		gaps = append(gaps, g)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating gap rows: %w", err)
	}
	return gaps, nil
}

// SaveTrades appends trade records to a run.
func (r *Repository) SaveTrades(ctx context.Context, runID string, trades []domain.TradeRecord) (int, error) {
	written := 0
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (run_id, trade_no, position_id, instrument, direction, size, entry_signal_price,
		                    entry_price, exit_signal_price, exit_price, entry_time, exit_time, gross_pnl, pnl,
		                    return_pct, equity_at_entry, spread_cost, slippage_cost, commission, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range trades {
			if _, err := stmt.ExecContext(ctx, runID, t.ID, t.PositionID, t.Instrument, string(t.Direction), t.Size,
				t.EntrySignalPrice, t.EntryPrice, t.ExitSignalPrice, t.ExitPrice, t.EntryTime.UTC(), t.ExitTime.UTC(),
				t.GrossPNL, t.PNL, t.ReturnPct, t.EquityAtEntry, t.Costs.Spread, t.Costs.Slippage, t.Costs.Commission,
				string(t.CloseReason)); err != nil {
				return wrapExecError(err, fmt.Sprintf("failed to insert trade %d of run %s", t.ID, runID))
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug(ctx, "Trades saved", map[string]interface{}{"runID": runID, "count": written})
	return written, nil
}

// FindTradesByRun retrieves the trade log of a run ordered by exit time.
func (r *Repository) FindTradesByRun(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	const query = `
	SELECT trade_no, position_id, instrument, direction, size, entry_signal_price, entry_price,
	       exit_signal_price, exit_price, entry_time, exit_time, gross_pnl, pnl, return_pct,
	       equity_at_entry, spread_cost, slippage_cost, commission, close_reason
	FROM trades WHERE run_id = ?
	ORDER BY exit_time, trade_no`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades of run %s: %w: %v", runID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]domain.TradeRecord, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindTradesByRun: %w", err)
		}
		trades = append(trades, *t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// SaveEquityCurve stores the equity curve of a run.
func (r *Repository) SaveEquityCurve(ctx context.Context, runID string, points []domain.EquityPoint) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO equity_points (run_id, seq, time, equity) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, p := range points {
			if _, err := stmt.ExecContext(ctx, runID, i, p.Time.UTC(), p.Equity); err != nil {
				return wrapExecError(err, fmt.Sprintf("failed to insert equity point %d of run %s", i, runID))
			}
		}
		return nil
	})
}

// FindEquityCurve retrieves the equity curve of a run in order.
func (r *Repository) FindEquityCurve(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT time, equity FROM equity_points WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity of run %s: %w: %v", runID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	points := make([]domain.EquityPoint, 0)
	for rows.Next() {
		var p domain.EquityPoint
		if err := rows.Scan(&p.Time, &p.Equity); err != nil {
			return nil, fmt.Errorf("failed to scan equity point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// SaveDriftResults stores drift comparison rows.
func (r *Repository) SaveDriftResults(ctx context.Context, runID string, results []domain.DriftResult) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO drift_results (run_id, metric, live_value, backtest_value, relative_delta, tolerance, within_tolerance)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range results {
			if _, err := stmt.ExecContext(ctx, runID, d.Metric, d.LiveValue, d.BacktestValue, d.RelativeDelta,
				d.Tolerance, d.WithinTolerance); err != nil {
				return wrapExecError(err, fmt.Sprintf("failed to insert drift result %s of run %s", d.Metric, runID))
			}
		}
		return nil
	})
}

// FindDriftResults retrieves the drift rows of a run ordered by metric.
func (r *Repository) FindDriftResults(ctx context.Context, runID string) ([]domain.DriftResult, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT metric, live_value, backtest_value, relative_delta, tolerance, within_tolerance
	FROM drift_results WHERE run_id = ? ORDER BY metric`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query drift of run %s: %w: %v", runID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	results := make([]domain.DriftResult, 0)
	for rows.Next() {
		var d domain.DriftResult
		if err := rows.Scan(&d.Metric, &d.LiveValue, &d.BacktestValue, &d.RelativeDelta, &d.Tolerance, &d.WithinTolerance); err != nil {
			return nil, fmt.Errorf("failed to scan drift result: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %v", ports.ErrDBConnection, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w: %v", ports.ErrQueryFailed, err)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.TradeRecord struct.
func scanTrade(s scanner) (*domain.TradeRecord, error) {
	t := &domain.TradeRecord{}
	var direction, closeReason string
	err := s.Scan(
		&t.ID, &t.PositionID, &t.Instrument, &direction, &t.Size, &t.EntrySignalPrice, &t.EntryPrice,
		&t.ExitSignalPrice, &t.ExitPrice, &t.EntryTime, &t.ExitTime, &t.GrossPNL, &t.PNL, &t.ReturnPct,
		&t.EquityAtEntry, &t.Costs.Spread, &t.Costs.Slippage, &t.Costs.Commission, &closeReason)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	t.CloseReason = domain.CloseReason(closeReason)
	return t, nil
}

// wrapExecError maps constraint violations to ErrDuplicateEntry and everything else to ErrQueryFailed.
func wrapExecError(err error, msg string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("%s: %w: unknown run", msg, ports.ErrNotFound)
		}
		return fmt.Errorf("%s: %w: %v", msg, ports.ErrDuplicateEntry, err)
	}
	return fmt.Errorf("%s: %w: %v", msg, ports.ErrQueryFailed, err)
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
