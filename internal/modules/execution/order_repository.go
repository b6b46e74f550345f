// Package execution places orders for ranked picks and tracks them through
// their lifecycle.
package execution

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/domain"
)

// ErrInvalidTransition is returned when an order status update would violate
// the order lifecycle.
var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrOrderNotFound is returned when no order matches the given trade ID.
var ErrOrderNotFound = errors.New("order not found")

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id      TEXT NOT NULL UNIQUE,
    symbol        TEXT NOT NULL,
    option_type   TEXT NOT NULL,
    strike        REAL NOT NULL,
    expiry        TEXT NOT NULL,
    engine        TEXT NOT NULL DEFAULT '',
    contracts     INTEGER NOT NULL,
    limit_price   REAL NOT NULL,
    status        TEXT NOT NULL DEFAULT 'PENDING',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    broker_ref    TEXT,
    fail_reason   TEXT,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
`

// ordersColumns lists the columns scanned by scanOrder / scanOrderFromRows.
// Avoids SELECT * which breaks silently when the schema changes.
const ordersColumns = `id, trade_id, symbol, option_type, strike, expiry, engine, contracts, limit_price, status, attempt_count, broker_ref, fail_reason, created_at, updated_at`

// OrderRepository handles order persistence on the trades ledger
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "order").Logger(),
	}
}

// InitSchema creates the orders table if it does not exist
func (r *OrderRepository) InitSchema() error {
	if _, err := r.db.Exec(ordersSchema); err != nil {
		return fmt.Errorf("failed to initialize orders schema: %w", err)
	}
	return nil
}

// Create inserts a new order in PENDING state
func (r *OrderRepository) Create(order *domain.Order) error {
	now := time.Now().Unix()

	res, err := r.db.Exec(`
		INSERT INTO orders
		(trade_id, symbol, option_type, strike, expiry, engine, contracts,
		 limit_price, status, attempt_count, broker_ref, fail_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.TradeID,
		order.Symbol,
		string(order.OptionType),
		order.Strike,
		order.Expiry,
		order.Engine,
		order.Contracts,
		order.LimitPrice,
		string(domain.OrderPending),
		0,
		nullString(order.BrokerRef),
		nullString(order.FailReason),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", order.TradeID, err)
	}

	id, _ := res.LastInsertId()
	order.ID = id
	order.Status = domain.OrderPending
	order.AttemptCount = 0
	order.CreatedAt = time.Unix(now, 0)
	order.UpdatedAt = order.CreatedAt

	r.log.Info().
		Str("trade_id", order.TradeID).
		Str("symbol", order.Symbol).
		Int("contracts", order.Contracts).
		Float64("limit_price", order.LimitPrice).
		Msg("Order created")

	return nil
}

// Transition moves an order to a new status, enforcing the lifecycle.
// brokerRef and failReason overwrite the stored values when non-empty.
func (r *OrderRepository) Transition(tradeID string, next domain.OrderStatus, brokerRef, failReason string) error {
	order, err := r.GetByTradeID(tradeID)
	if err != nil {
		return err
	}
	if !order.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, order.Status, next, tradeID)
	}

	if brokerRef == "" {
		brokerRef = order.BrokerRef
	}
	if failReason == "" {
		failReason = order.FailReason
	}

	_, err = r.db.Exec(`
		UPDATE orders SET status = ?, broker_ref = ?, fail_reason = ?, updated_at = ?
		WHERE trade_id = ?`,
		string(next), nullString(brokerRef), nullString(failReason), time.Now().Unix(), tradeID,
	)
	if err != nil {
		return fmt.Errorf("failed to transition order %s to %s: %w", tradeID, next, err)
	}

	r.log.Info().
		Str("trade_id", tradeID).
		Str("from", string(order.Status)).
		Str("to", string(next)).
		Msg("Order transitioned")

	return nil
}

// IncrementAttempt bumps the submission attempt counter and returns the new count
func (r *OrderRepository) IncrementAttempt(tradeID string) (int, error) {
	_, err := r.db.Exec(`
		UPDATE orders SET attempt_count = attempt_count + 1, updated_at = ?
		WHERE trade_id = ?`,
		time.Now().Unix(), tradeID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempt for %s: %w", tradeID, err)
	}

	var count int
	err = r.db.QueryRow(`SELECT attempt_count FROM orders WHERE trade_id = ?`, tradeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt count for %s: %w", tradeID, err)
	}
	return count, nil
}

// SetLimitPrice records a refreshed limit price ahead of a resubmission
func (r *OrderRepository) SetLimitPrice(tradeID string, limitPrice float64) error {
	_, err := r.db.Exec(`UPDATE orders SET limit_price = ?, updated_at = ? WHERE trade_id = ?`,
		limitPrice, time.Now().Unix(), tradeID)
	if err != nil {
		return fmt.Errorf("failed to set limit price for %s: %w", tradeID, err)
	}
	return nil
}

// SetBrokerRef records the broker reference for a resubmitted order
func (r *OrderRepository) SetBrokerRef(tradeID, brokerRef string) error {
	_, err := r.db.Exec(`UPDATE orders SET broker_ref = ?, updated_at = ? WHERE trade_id = ?`,
		nullString(brokerRef), time.Now().Unix(), tradeID)
	if err != nil {
		return fmt.Errorf("failed to set broker ref for %s: %w", tradeID, err)
	}
	return nil
}

// GetByTradeID retrieves an order by its trade ID
func (r *OrderRepository) GetByTradeID(tradeID string) (*domain.Order, error) {
	row := r.db.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE trade_id = ?", tradeID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", tradeID, err)
	}
	return order, nil
}

// ListByStatus returns all orders in the given status, oldest first
func (r *OrderRepository) ListByStatus(status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := r.db.Query(
		"SELECT "+ordersColumns+" FROM orders WHERE status = ? ORDER BY created_at ASC",
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by status: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListRecent returns the most recently updated orders
func (r *OrderRepository) ListRecent(limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(
		"SELECT "+ordersColumns+" FROM orders ORDER BY updated_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ActiveForSymbol reports whether a non-terminal order exists for the symbol
func (r *OrderRepository) ActiveForSymbol(symbol string) (bool, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM orders
		WHERE symbol = ? AND status IN (?, ?)`,
		symbol, string(domain.OrderPending), string(domain.OrderSubmitted),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check active orders for %s: %w", symbol, err)
	}
	return count > 0, nil
}

// PruneOlderThan deletes terminal orders last updated before the cutoff
func (r *OrderRepository) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM orders
		WHERE updated_at < ? AND status IN (?, ?, ?)`,
		cutoff.Unix(),
		string(domain.OrderFilled), string(domain.OrderRejected), string(domain.OrderCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune orders: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// scanOrder scans a single order from a row
func scanOrder(row *sql.Row) (*domain.Order, error) {
	var o domain.Order
	var optionType string
	var status string
	var brokerRef, failReason sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&o.ID, &o.TradeID, &o.Symbol, &optionType, &o.Strike, &o.Expiry,
		&o.Engine, &o.Contracts, &o.LimitPrice, &status, &o.AttemptCount,
		&brokerRef, &failReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.OptionType = domain.OptionType(optionType)
	o.Status = domain.OrderStatus(status)
	o.BrokerRef = brokerRef.String
	o.FailReason = failReason.String
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	return &o, nil
}

// scanOrders scans orders from a multi-row result
func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var optionType string
		var status string
		var brokerRef, failReason sql.NullString
		var createdAt, updatedAt int64

		err := rows.Scan(
			&o.ID, &o.TradeID, &o.Symbol, &optionType, &o.Strike, &o.Expiry,
			&o.Engine, &o.Contracts, &o.LimitPrice, &status, &o.AttemptCount,
			&brokerRef, &failReason, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}

		o.OptionType = domain.OptionType(optionType)
		o.Status = domain.OrderStatus(status)
		o.BrokerRef = brokerRef.String
		o.FailReason = failReason.String
		o.CreatedAt = time.Unix(createdAt, 0)
		o.UpdatedAt = time.Unix(updatedAt, 0)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// nullString converts empty strings to NULL for optional columns
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
