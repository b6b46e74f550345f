// Package recurrence tracks pick reappearance across scans and converts
// recurrence counts into score boost factors.
package recurrence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS pick_recurrence (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT NOT NULL,
    option_type TEXT NOT NULL,
    scan_date   TEXT NOT NULL,
    engine      TEXT NOT NULL DEFAULT '',
    base_score  REAL NOT NULL DEFAULT 0,
    rank        INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(symbol, option_type, scan_date)
);
CREATE INDEX IF NOT EXISTS idx_recurrence_window
    ON pick_recurrence(symbol, option_type, scan_date);
`

// Repository provides access to the pick recurrence store
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new recurrence repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "recurrence").Logger(),
	}
}

// InitSchema creates the recurrence table if it does not exist
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize recurrence schema: %w", err)
	}
	return nil
}

// Record stores one observation of a pick on a scan date.
// Re-recording the same (symbol, option_type, scan_date) is idempotent:
// the row is replaced, so multiple sessions on one day count once.
func (r *Repository) Record(c domain.Candidate) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO pick_recurrence (symbol, option_type, scan_date, engine, base_score)
		VALUES (?, ?, ?, ?, ?)`,
		c.Symbol, string(c.OptionType), c.ScanDate, c.Engine, c.BaseScore,
	)
	if err != nil {
		return fmt.Errorf("failed to record recurrence for %s: %w", c.Key(), err)
	}
	return nil
}

// SetRank stores the rank a pick earned in today's ordering. Ranks are set
// after ranking completes, so unranked observations keep rank 0.
func (r *Repository) SetRank(symbol string, optionType domain.OptionType, scanDate string, rank int) error {
	_, err := r.db.Exec(`
		UPDATE pick_recurrence SET rank = ?
		WHERE symbol = ? AND option_type = ? AND scan_date = ?`,
		rank, symbol, string(optionType), scanDate,
	)
	if err != nil {
		return fmt.Errorf("failed to set rank for %s:%s: %w", symbol, optionType, err)
	}
	return nil
}

// CountInWindow returns the number of distinct scan dates on which the pick
// appeared within the lookback window ending at asOf (inclusive on both ends).
func (r *Repository) CountInWindow(symbol string, optionType domain.OptionType, asOf string, windowDays int) (int, error) {
	cutoff, err := windowStart(asOf, windowDays)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.QueryRow(`
		SELECT COUNT(*) FROM pick_recurrence
		WHERE symbol = ? AND option_type = ? AND scan_date >= ? AND scan_date <= ?`,
		symbol, string(optionType), cutoff, asOf,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recurrence for %s:%s: %w", symbol, optionType, err)
	}
	return count, nil
}

// History returns the scan dates on which a pick appeared, most recent first
func (r *Repository) History(symbol string, optionType domain.OptionType, limit int) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT scan_date FROM pick_recurrence
		WHERE symbol = ? AND option_type = ?
		ORDER BY scan_date DESC LIMIT ?`,
		symbol, string(optionType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recurrence history: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan recurrence row: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// PruneOlderThan deletes observations with scan dates before the cutoff.
// Returns the number of rows removed.
func (r *Repository) PruneOlderThan(cutoffDate string) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM pick_recurrence WHERE scan_date < ?`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("failed to prune recurrence rows: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("removed", n).Str("cutoff", cutoffDate).Msg("Pruned old recurrence rows")
	}
	return n, nil
}

// windowStart computes the first date inside a lookback window ending at asOf.
// The window is [asOf - windowDays, asOf], inclusive on both ends: a 7-day
// window over asOf=2026-08-28 starts at 2026-08-21.
func windowStart(asOf string, windowDays int) (string, error) {
	t, err := time.Parse("2006-01-02", asOf)
	if err != nil {
		return "", fmt.Errorf("invalid scan date %q: %w", asOf, err)
	}
	return t.AddDate(0, 0, -windowDays).Format("2006-01-02"), nil
}
