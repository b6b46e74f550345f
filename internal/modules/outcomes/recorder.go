// Package outcomes persists realized trade results and derives per-engine
// performance statistics from them.
package outcomes

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/domain"
)

const outcomesSchema = `
CREATE TABLE IF NOT EXISTS pick_outcomes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id    TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    option_type TEXT NOT NULL,
    engine      TEXT NOT NULL DEFAULT '',
    contracts   INTEGER NOT NULL,
    entry_price REAL NOT NULL,
    exit_price  REAL NOT NULL,
    pnl         REAL NOT NULL,
    pnl_pct     REAL NOT NULL,
    max_gain_pct REAL NOT NULL DEFAULT 0,
    max_loss_pct REAL NOT NULL DEFAULT 0,
    days        INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL,
    opened_at   INTEGER NOT NULL,
    closed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_engine ON pick_outcomes(engine);
CREATE INDEX IF NOT EXISTS idx_outcomes_closed ON pick_outcomes(closed_at);
`

const outcomesColumns = `id, trade_id, symbol, option_type, engine, contracts, entry_price, exit_price, pnl, pnl_pct, max_gain_pct, max_loss_pct, days, reason, opened_at, closed_at`

// Recorder persists outcomes in a dedicated results database
type Recorder struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRecorder opens (or creates) the outcomes database at the given path
func NewRecorder(path string, log zerolog.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcomes database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping outcomes database: %w", err)
	}
	if _, err := db.Exec(outcomesSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize outcomes schema: %w", err)
	}

	return &Recorder{
		db:  db,
		log: log.With().Str("repo", "outcomes").Logger(),
	}, nil
}

// Close closes the underlying database
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record appends one realized outcome
func (r *Recorder) Record(o *domain.Outcome) error {
	res, err := r.db.Exec(`
		INSERT INTO pick_outcomes
		(trade_id, symbol, option_type, engine, contracts, entry_price, exit_price,
		 pnl, pnl_pct, max_gain_pct, max_loss_pct, days, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TradeID, o.Symbol, string(o.OptionType), o.Engine, o.Contracts,
		o.EntryPrice, o.ExitPrice, o.PnL, o.PnLPct, o.MaxGainPct, o.MaxLossPct,
		o.Days, string(o.Reason), o.OpenedAt.Unix(), o.ClosedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", o.TradeID, err)
	}
	o.ID, _ = res.LastInsertId()

	r.log.Info().
		Str("trade_id", o.TradeID).
		Str("reason", string(o.Reason)).
		Float64("pnl", o.PnL).
		Msg("Outcome recorded")

	return nil
}

// ListRecent returns the most recently closed outcomes
func (r *Recorder) ListRecent(limit int) ([]domain.Outcome, error) {
	rows, err := r.db.Query(
		"SELECT "+outcomesColumns+" FROM pick_outcomes ORDER BY closed_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// PnLSeries returns all realized PnL values, optionally filtered by engine.
// An empty engine returns everything.
func (r *Recorder) PnLSeries(engine string) ([]float64, error) {
	query := "SELECT pnl FROM pick_outcomes"
	args := []interface{}{}
	if engine != "" {
		query += " WHERE engine = ?"
		args = append(args, engine)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pnl series: %w", err)
	}
	defer rows.Close()

	var series []float64
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return nil, fmt.Errorf("failed to scan pnl row: %w", err)
		}
		series = append(series, pnl)
	}
	return series, rows.Err()
}

// Engines returns the distinct engines with recorded outcomes
func (r *Recorder) Engines() ([]string, error) {
	rows, err := r.db.Query("SELECT DISTINCT engine FROM pick_outcomes ORDER BY engine")
	if err != nil {
		return nil, fmt.Errorf("failed to query engines: %w", err)
	}
	defer rows.Close()

	var engines []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan engine row: %w", err)
		}
		engines = append(engines, e)
	}
	return engines, rows.Err()
}

// PruneOlderThan deletes outcomes closed before the cutoff
func (r *Recorder) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM pick_outcomes WHERE closed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune outcomes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanOutcomes(rows *sql.Rows) ([]domain.Outcome, error) {
	var outcomes []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		var optionType, reason string
		var openedAt, closedAt int64

		err := rows.Scan(
			&o.ID, &o.TradeID, &o.Symbol, &optionType, &o.Engine, &o.Contracts,
			&o.EntryPrice, &o.ExitPrice, &o.PnL, &o.PnLPct,
			&o.MaxGainPct, &o.MaxLossPct, &o.Days, &reason,
			&openedAt, &closedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}

		o.OptionType = domain.OptionType(optionType)
		o.Reason = domain.CloseReason(reason)
		o.OpenedAt = time.Unix(openedAt, 0)
		o.ClosedAt = time.Unix(closedAt, 0)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
