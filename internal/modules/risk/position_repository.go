// Package risk watches open positions and enforces the exit rules.
package risk

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/domain"
)

// ErrPositionNotFound is returned when no position matches the given trade ID.
var ErrPositionNotFound = errors.New("position not found")

const positionsSchema = `
CREATE TABLE IF NOT EXISTS positions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id       TEXT NOT NULL UNIQUE,
    symbol         TEXT NOT NULL,
    option_type    TEXT NOT NULL,
    strike         REAL NOT NULL,
    expiry         TEXT NOT NULL,
    engine         TEXT NOT NULL DEFAULT '',
    contracts      INTEGER NOT NULL,
    entry_price    REAL NOT NULL,
    partial_closed INTEGER NOT NULL DEFAULT 0,
    max_gain_pct   REAL NOT NULL DEFAULT 0,
    max_loss_pct   REAL NOT NULL DEFAULT 0,
    open           INTEGER NOT NULL DEFAULT 1,
    opened_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(open);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
`

const positionsColumns = `id, trade_id, symbol, option_type, strike, expiry, engine, contracts, entry_price, partial_closed, max_gain_pct, max_loss_pct, opened_at`

// PositionRepository handles position persistence on the trades ledger
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "position").Logger(),
	}
}

// InitSchema creates the positions table if it does not exist
func (r *PositionRepository) InitSchema() error {
	if _, err := r.db.Exec(positionsSchema); err != nil {
		return fmt.Errorf("failed to initialize positions schema: %w", err)
	}
	return nil
}

// Open records a new open position
func (r *PositionRepository) Open(p *domain.Position) error {
	res, err := r.db.Exec(`
		INSERT INTO positions
		(trade_id, symbol, option_type, strike, expiry, engine, contracts, entry_price, partial_closed, open, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?)`,
		p.TradeID, p.Symbol, string(p.OptionType), p.Strike, p.Expiry,
		p.Engine, p.Contracts, p.EntryPrice, p.OpenedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to open position %s: %w", p.TradeID, err)
	}
	p.ID, _ = res.LastInsertId()

	r.log.Info().
		Str("trade_id", p.TradeID).
		Str("symbol", p.Symbol).
		Int("contracts", p.Contracts).
		Float64("entry_price", p.EntryPrice).
		Msg("Position opened")

	return nil
}

// ListOpen returns all open positions, oldest first
func (r *PositionRepository) ListOpen() ([]domain.Position, error) {
	rows, err := r.db.Query(
		"SELECT " + positionsColumns + " FROM positions WHERE open = 1 ORDER BY opened_at ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetByTradeID retrieves a position by its trade ID
func (r *PositionRepository) GetByTradeID(tradeID string) (*domain.Position, error) {
	row := r.db.QueryRow("SELECT "+positionsColumns+" FROM positions WHERE trade_id = ?", tradeID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", tradeID, err)
	}
	return p, nil
}

// ReduceContracts shrinks a position after a partial close and marks the
// partial-profit level as taken.
func (r *PositionRepository) ReduceContracts(tradeID string, remaining int) error {
	_, err := r.db.Exec(`
		UPDATE positions SET contracts = ?, partial_closed = 1 WHERE trade_id = ?`,
		remaining, tradeID,
	)
	if err != nil {
		return fmt.Errorf("failed to reduce position %s: %w", tradeID, err)
	}
	return nil
}

// UpdateExcursion widens the recorded gain/loss extremes with the latest
// unrealized return. The extremes only ever grow outward.
func (r *PositionRepository) UpdateExcursion(tradeID string, returnPct float64) error {
	_, err := r.db.Exec(`
		UPDATE positions
		SET max_gain_pct = MAX(max_gain_pct, ?), max_loss_pct = MIN(max_loss_pct, ?)
		WHERE trade_id = ?`,
		returnPct, returnPct, tradeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update excursion for %s: %w", tradeID, err)
	}
	return nil
}

// Close marks a position fully closed
func (r *PositionRepository) Close(tradeID string) error {
	_, err := r.db.Exec(`UPDATE positions SET open = 0, contracts = 0 WHERE trade_id = ?`, tradeID)
	if err != nil {
		return fmt.Errorf("failed to close position %s: %w", tradeID, err)
	}
	r.log.Info().Str("trade_id", tradeID).Msg("Position closed")
	return nil
}

// PruneClosedBefore deletes closed positions opened before the cutoff
func (r *PositionRepository) PruneClosedBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM positions WHERE open = 0 AND opened_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune positions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanPosition(row *sql.Row) (*domain.Position, error) {
	var p domain.Position
	var optionType string
	var partialClosed int
	var openedAt int64

	err := row.Scan(
		&p.ID, &p.TradeID, &p.Symbol, &optionType, &p.Strike, &p.Expiry,
		&p.Engine, &p.Contracts, &p.EntryPrice, &partialClosed,
		&p.MaxGainPct, &p.MaxLossPct, &openedAt,
	)
	if err != nil {
		return nil, err
	}

	p.OptionType = domain.OptionType(optionType)
	p.PartialClosed = partialClosed != 0
	p.OpenedAt = time.Unix(openedAt, 0)
	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var optionType string
		var partialClosed int
		var openedAt int64

		err := rows.Scan(
			&p.ID, &p.TradeID, &p.Symbol, &optionType, &p.Strike, &p.Expiry,
			&p.Engine, &p.Contracts, &p.EntryPrice, &partialClosed,
			&p.MaxGainPct, &p.MaxLossPct, &openedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}

		p.OptionType = domain.OptionType(optionType)
		p.PartialClosed = partialClosed != 0
		p.OpenedAt = time.Unix(openedAt, 0)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
