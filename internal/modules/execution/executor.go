package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/events"
	"github.com/tzimas/metascan/internal/metrics"
)

// confirmTimeout bounds how long one submission waits for a terminal broker state
const confirmTimeout = 30 * time.Second

// pollInterval is the broker order-state polling cadence
const pollInterval = time.Second

// PositionOpener records a new holding when an order fills.
// Declared here to avoid a dependency on the risk module.
type PositionOpener interface {
	Open(p *domain.Position) error
}

// MarkSubscriber registers a filled contract with a live mark feed so the
// risk monitor sees streamed prices instead of falling back to REST quotes.
// Nil is allowed when no feed is wired.
type MarkSubscriber interface {
	Subscribe(symbol string, optionType domain.OptionType, strike float64, expiry string) error
}

// Result summarizes one pick's execution
type Result struct {
	TradeID string
	Symbol  string
	Status  domain.OrderStatus
	Err     error
}

// Executor turns ranked picks into broker orders, with bounded retries
// and a hard per-scan deadline.
type Executor struct {
	broker    domain.BrokerClient
	orders    *OrderRepository
	positions PositionOpener
	marks     MarkSubscriber
	bus       *events.Manager
	cfg       config.OrderConfig
	clock     domain.Clock
	log       zerolog.Logger

	// symbolLocks serializes order activity per symbol
	mu          sync.Mutex
	symbolLocks map[string]*sync.Mutex
}

// NewExecutor creates an order executor
func NewExecutor(
	broker domain.BrokerClient,
	orders *OrderRepository,
	positions PositionOpener,
	marks MarkSubscriber,
	bus *events.Manager,
	cfg config.OrderConfig,
	clock domain.Clock,
	log zerolog.Logger,
) *Executor {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Executor{
		broker:      broker,
		orders:      orders,
		positions:   positions,
		marks:       marks,
		bus:         bus,
		cfg:         cfg,
		clock:       clock,
		log:         log.With().Str("module", "execution").Logger(),
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// symbolLock returns the mutex guarding a symbol, creating it on first use
func (e *Executor) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.symbolLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.symbolLocks[symbol] = l
	}
	return l
}

// newTradeID builds an order identifier: MS-<timestamp>-<symbol>-<uuid fragment>
func (e *Executor) newTradeID(symbol string) string {
	ts := e.clock.Now().Format("20060102150405")
	frag := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("MS-%s-%s-%s", ts, symbol, frag)
}

// Execute places orders for all picks within the scan deadline.
// Picks launch in rank order but run concurrently, so one pick's retry
// backoff never delays the others. Same-symbol picks still serialize on
// the symbol lock.
func (e *Executor) Execute(ctx context.Context, picks []domain.RankedPick) []Result {
	deadline := time.Duration(e.cfg.ScanDeadlineSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]Result, len(picks))
	seen := make(map[string]bool, len(picks))
	var wg sync.WaitGroup
	for i, pick := range picks {
		// One order per (symbol, option type) per scan. The symbol lock only
		// serializes; it cannot catch a duplicate whose predecessor already
		// reached a terminal state.
		key := pick.Symbol + ":" + string(pick.OptionType)
		if seen[key] {
			e.log.Warn().Str("symbol", pick.Symbol).Str("option_type", string(pick.OptionType)).
				Msg("Duplicate pick in scan, skipping")
			results[i] = Result{Symbol: pick.Symbol, Err: fmt.Errorf("duplicate pick for %s %s in scan", pick.Symbol, pick.OptionType)}
			continue
		}
		seen[key] = true

		wg.Add(1)
		go func(i int, pick domain.RankedPick) {
			defer wg.Done()
			results[i] = e.ExecutePick(ctx, pick)
		}(i, pick)
	}
	wg.Wait()
	return results
}

// ExecutePick runs the full order lifecycle for one pick
func (e *Executor) ExecutePick(ctx context.Context, pick domain.RankedPick) Result {
	lock := e.symbolLock(pick.Symbol)
	lock.Lock()
	defer lock.Unlock()

	// A live order for the symbol forbids a second one
	if active, err := e.orders.ActiveForSymbol(pick.Symbol); err != nil {
		return Result{Symbol: pick.Symbol, Err: err}
	} else if active {
		e.log.Warn().Str("symbol", pick.Symbol).Msg("Active order exists for symbol, skipping pick")
		return Result{Symbol: pick.Symbol, Err: fmt.Errorf("active order exists for %s", pick.Symbol)}
	}

	order := &domain.Order{
		TradeID:    e.newTradeID(pick.Symbol),
		Symbol:     pick.Symbol,
		OptionType: pick.OptionType,
		Strike:     pick.Strike,
		Expiry:     pick.Expiry,
		Engine:     pick.Engine,
		Contracts:  e.cfg.ContractsPerTrade,
		LimitPrice: pick.AskPrice,
	}
	if err := e.orders.Create(order); err != nil {
		return Result{Symbol: pick.Symbol, Err: err}
	}

	status, err := e.runAttempts(ctx, order)
	return Result{TradeID: order.TradeID, Symbol: pick.Symbol, Status: status, Err: err}
}

// runAttempts submits the order up to MaxAttempts times with fixed backoff
// between attempts. Each submission counts as one attempt.
func (e *Executor) runAttempts(ctx context.Context, order *domain.Order) (domain.OrderStatus, error) {
	backoff := time.Duration(e.cfg.BackoffSeconds) * time.Second
	submitted := false

	for {
		if ctx.Err() != nil {
			return e.cancelForDeadline(order, submitted)
		}

		attempt, err := e.orders.IncrementAttempt(order.TradeID)
		if err != nil {
			return domain.OrderPending, err
		}

		status, err := e.attemptOnce(ctx, order, attempt, &submitted)
		if status.Terminal() {
			metrics.OrderAttempts.Observe(float64(attempt))
			return status, err
		}

		// Non-terminal means the attempt failed retryably
		if attempt >= e.cfg.MaxAttempts {
			e.log.Warn().
				Str("trade_id", order.TradeID).
				Int("attempts", attempt).
				Msg("Order attempts exhausted")
			metrics.OrderAttempts.Observe(float64(attempt))
			return e.abandon(order, fmt.Sprintf("attempts exhausted: %v", err))
		}

		e.log.Info().
			Str("trade_id", order.TradeID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying order after backoff")

		select {
		case <-ctx.Done():
			return e.cancelForDeadline(order, submitted)
		case <-time.After(backoff):
		}

		e.refreshLimit(ctx, order)
	}
}

// refreshLimit re-quotes the contract before a resubmission so the retry
// chases the current market, not the price at scan time. A failed quote
// keeps the previous limit.
func (e *Executor) refreshLimit(ctx context.Context, order *domain.Order) {
	quote, err := e.broker.GetQuote(ctx, order.Symbol, order.OptionType, order.Strike, order.Expiry)
	if err != nil || quote.Ask <= 0 {
		e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Quote refresh failed, keeping limit price")
		return
	}
	if quote.Ask == order.LimitPrice {
		return
	}
	if err := e.orders.SetLimitPrice(order.TradeID, quote.Ask); err != nil {
		e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Failed to persist refreshed limit price")
	}
	e.log.Info().
		Str("trade_id", order.TradeID).
		Float64("old_limit", order.LimitPrice).
		Float64("new_limit", quote.Ask).
		Msg("Limit price refreshed for retry")
	order.LimitPrice = quote.Ask
}

// attemptOnce performs one submission and confirmation cycle.
// A non-terminal returned status means the caller may retry.
func (e *Executor) attemptOnce(ctx context.Context, order *domain.Order, attempt int, submitted *bool) (domain.OrderStatus, error) {
	brokerOrder, err := e.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     order.Symbol,
		OptionType: order.OptionType,
		Strike:     order.Strike,
		Expiry:     order.Expiry,
		Contracts:  order.Contracts,
		LimitPrice: order.LimitPrice,
		ClientID:   order.TradeID,
	})
	if err != nil {
		if domain.IsRetryable(err) {
			e.log.Warn().Err(err).Str("trade_id", order.TradeID).Int("attempt", attempt).
				Msg("Order submission failed, retryable")
			return domain.OrderPending, err
		}
		return e.reject(order, submitted, err.Error())
	}

	if !*submitted {
		if err := e.orders.Transition(order.TradeID, domain.OrderSubmitted, brokerOrder.Ref, ""); err != nil {
			return domain.OrderPending, err
		}
		*submitted = true
	} else if err := e.orders.SetBrokerRef(order.TradeID, brokerOrder.Ref); err != nil {
		e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Failed to record new broker reference")
	}
	order.BrokerRef = brokerOrder.Ref
	e.bus.Emit(events.OrderSubmitted, "execution", map[string]interface{}{
		"trade_id":   order.TradeID,
		"symbol":     order.Symbol,
		"broker_ref": brokerOrder.Ref,
		"attempt":    attempt,
	})

	return e.confirm(ctx, order, brokerOrder)
}

// confirm polls the broker until the order reaches a terminal state or the
// confirmation window expires. An expired window cancels the broker order and
// reports a retryable timeout.
func (e *Executor) confirm(ctx context.Context, order *domain.Order, brokerOrder *domain.BrokerOrder) (domain.OrderStatus, error) {
	confirmCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	state := brokerOrder
	for {
		switch state.State {
		case domain.BrokerOrderFilled:
			return e.fill(order, state)
		case domain.BrokerOrderRejected:
			reason := state.Reason
			if reason == "" {
				reason = "rejected by broker"
			}
			if err := e.orders.Transition(order.TradeID, domain.OrderRejected, state.Ref, reason); err != nil {
				return domain.OrderSubmitted, err
			}
			e.bus.Emit(events.OrderFailed, "execution", map[string]interface{}{
				"trade_id": order.TradeID,
				"symbol":   order.Symbol,
				"reason":   reason,
			})
			return domain.OrderRejected, nil
		case domain.BrokerOrderCanceled, domain.BrokerOrderExpired:
			// Broker dropped it without a fill; worth another attempt
			return domain.OrderSubmitted, domain.ErrOrderTimeout
		}

		select {
		case <-confirmCtx.Done():
			// Pull the working order back before retrying
			if err := e.broker.CancelOrder(ctx, state.Ref); err != nil {
				e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Failed to cancel unconfirmed order")
			}
			return domain.OrderSubmitted, domain.ErrOrderTimeout
		case <-time.After(pollInterval):
		}

		next, err := e.broker.GetOrder(ctx, state.Ref)
		if err != nil {
			e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Order status poll failed")
			continue
		}
		state = next
	}
}

// fill records the FILLED transition and opens the resulting position
func (e *Executor) fill(order *domain.Order, state *domain.BrokerOrder) (domain.OrderStatus, error) {
	if err := e.orders.Transition(order.TradeID, domain.OrderFilled, state.Ref, ""); err != nil {
		return domain.OrderSubmitted, err
	}

	position := &domain.Position{
		TradeID:    order.TradeID,
		Symbol:     order.Symbol,
		OptionType: order.OptionType,
		Strike:     order.Strike,
		Expiry:     order.Expiry,
		Engine:     order.Engine,
		Contracts:  state.FilledQty,
		EntryPrice: state.FilledPrice,
		OpenedAt:   e.clock.Now(),
	}
	if position.Contracts == 0 {
		position.Contracts = order.Contracts
	}
	if position.EntryPrice == 0 {
		position.EntryPrice = order.LimitPrice
	}
	if err := e.positions.Open(position); err != nil {
		// Order is filled at the broker regardless; surface the bookkeeping failure
		e.log.Error().Err(err).Str("trade_id", order.TradeID).Msg("Failed to open position for filled order")
		return domain.OrderFilled, err
	}
	metrics.OpenPositions.Inc()

	if e.marks != nil {
		if err := e.marks.Subscribe(order.Symbol, order.OptionType, order.Strike, order.Expiry); err != nil {
			e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Failed to subscribe fill to mark feed")
		}
	}

	e.bus.Emit(events.OrderFilled, "execution", map[string]interface{}{
		"trade_id":   order.TradeID,
		"symbol":     order.Symbol,
		"contracts":  position.Contracts,
		"fill_price": position.EntryPrice,
	})
	e.bus.Emit(events.PositionOpened, "execution", map[string]interface{}{
		"trade_id": order.TradeID,
		"symbol":   order.Symbol,
	})

	e.log.Info().
		Str("trade_id", order.TradeID).
		Str("symbol", order.Symbol).
		Float64("fill_price", position.EntryPrice).
		Int("contracts", position.Contracts).
		Msg("Order filled")

	return domain.OrderFilled, nil
}

// reject records a non-retryable broker refusal as REJECTED. The refusal is
// the broker's answer to a submission, so an order that never reached
// SUBMITTED passes through it on the way down.
func (e *Executor) reject(order *domain.Order, submitted *bool, reason string) (domain.OrderStatus, error) {
	if !*submitted {
		if err := e.orders.Transition(order.TradeID, domain.OrderSubmitted, "", ""); err != nil {
			return domain.OrderPending, err
		}
		*submitted = true
	}
	if err := e.orders.Transition(order.TradeID, domain.OrderRejected, "", reason); err != nil {
		return domain.OrderSubmitted, err
	}
	e.bus.Emit(events.OrderFailed, "execution", map[string]interface{}{
		"trade_id": order.TradeID,
		"symbol":   order.Symbol,
		"reason":   reason,
	})
	return domain.OrderRejected, nil
}

// abandon marks an order CANCELLED once its retry budget is spent without a
// fill or a hard rejection, whether or not a submission was ever accepted.
func (e *Executor) abandon(order *domain.Order, reason string) (domain.OrderStatus, error) {
	if err := e.orders.Transition(order.TradeID, domain.OrderCancelled, "", reason); err != nil {
		return domain.OrderPending, err
	}
	e.bus.Emit(events.OrderFailed, "execution", map[string]interface{}{
		"trade_id": order.TradeID,
		"symbol":   order.Symbol,
		"reason":   reason,
	})
	return domain.OrderCancelled, nil
}

// cancelForDeadline cancels an order cut off by the scan deadline
func (e *Executor) cancelForDeadline(order *domain.Order, submitted bool) (domain.OrderStatus, error) {
	e.log.Warn().Str("trade_id", order.TradeID).Msg("Scan deadline reached, cancelling order")
	if submitted && order.BrokerRef != "" {
		// Best effort; the pending-order sync reconciles stragglers
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.broker.CancelOrder(cancelCtx, order.BrokerRef); err != nil {
			e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Broker cancel failed at deadline")
		}
	}
	if err := e.orders.Transition(order.TradeID, domain.OrderCancelled, "", "scan deadline exceeded"); err != nil {
		return domain.OrderPending, err
	}
	return domain.OrderCancelled, nil
}

// SyncPendingOrders reconciles SUBMITTED orders with the broker.
// Run before each scan so stale orders from interrupted runs resolve.
func (e *Executor) SyncPendingOrders(ctx context.Context) error {
	stale, err := e.orders.ListByStatus(domain.OrderSubmitted)
	if err != nil {
		return fmt.Errorf("failed to list submitted orders: %w", err)
	}

	for _, order := range stale {
		if order.BrokerRef == "" {
			if err := e.orders.Transition(order.TradeID, domain.OrderCancelled, "", "no broker reference"); err != nil {
				e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Failed to cancel refless order")
			}
			continue
		}

		state, err := e.broker.GetOrder(ctx, order.BrokerRef)
		if err != nil {
			e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Failed to sync order with broker")
			continue
		}

		switch state.State {
		case domain.BrokerOrderFilled:
			if _, err := e.fill(&order, state); err != nil {
				e.log.Error().Err(err).Str("trade_id", order.TradeID).Msg("Failed to record synced fill")
			}
		case domain.BrokerOrderRejected:
			_ = e.orders.Transition(order.TradeID, domain.OrderRejected, state.Ref, state.Reason)
		case domain.BrokerOrderCanceled, domain.BrokerOrderExpired:
			_ = e.orders.Transition(order.TradeID, domain.OrderCancelled, state.Ref, "resolved during sync")
		default:
			// Still working at the broker; pull it so the new scan starts clean
			if err := e.broker.CancelOrder(ctx, order.BrokerRef); err != nil {
				e.log.Warn().Err(err).Str("trade_id", order.TradeID).Msg("Failed to cancel stale order")
				continue
			}
			_ = e.orders.Transition(order.TradeID, domain.OrderCancelled, state.Ref, "stale order cancelled at sync")
		}
	}

	return nil
}
