package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/events"
	"github.com/tzimas/metascan/internal/metrics"
)

// OutcomeSink records realized results for closed positions and tranches.
// Declared here to avoid a dependency on the outcomes module.
type OutcomeSink interface {
	Record(o *domain.Outcome) error
}

// MarkSource serves cached option marks, typically fed by a market data
// stream. A miss falls back to a broker quote.
type MarkSource interface {
	Mark(symbol string, optionType domain.OptionType, strike float64, expiry string) (float64, bool)
}

// Monitor enforces the exit rules on open positions.
//
// Rules are checked in a fixed order per position: stop loss, take profit,
// partial profit, expiry. At most one rule fires per polling cycle.
type Monitor struct {
	broker    domain.BrokerClient
	positions *PositionRepository
	outcomes  OutcomeSink
	marks     MarkSource // optional
	bus       *events.Manager
	cfg       config.RiskConfig
	clock     domain.Clock
	log       zerolog.Logger
}

// NewMonitor creates a risk monitor
func NewMonitor(
	broker domain.BrokerClient,
	positions *PositionRepository,
	outcomes OutcomeSink,
	marks MarkSource,
	bus *events.Manager,
	cfg config.RiskConfig,
	clock domain.Clock,
	log zerolog.Logger,
) *Monitor {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Monitor{
		broker:    broker,
		positions: positions,
		outcomes:  outcomes,
		marks:     marks,
		bus:       bus,
		cfg:       cfg,
		clock:     clock,
		log:       log.With().Str("module", "risk").Logger(),
	}
}

// Run polls open positions until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.PollSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", interval).Msg("Risk monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Risk monitor stopped")
			return
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil {
				m.log.Error().Err(err).Msg("Risk check cycle failed")
			}
		}
	}
}

// CheckOnce evaluates every open position against the exit rules
func (m *Monitor) CheckOnce(ctx context.Context) error {
	positions, err := m.positions.ListOpen()
	if err != nil {
		return fmt.Errorf("failed to list open positions: %w", err)
	}
	metrics.OpenPositions.Set(float64(len(positions)))

	for i := range positions {
		if err := m.evaluate(ctx, &positions[i]); err != nil {
			m.log.Warn().Err(err).
				Str("trade_id", positions[i].TradeID).
				Msg("Position evaluation failed")
		}
	}
	return nil
}

// mark resolves the current option mark, preferring the stream cache
func (m *Monitor) mark(ctx context.Context, p *domain.Position) (float64, error) {
	if m.marks != nil {
		if mark, ok := m.marks.Mark(p.Symbol, p.OptionType, p.Strike, p.Expiry); ok && mark > 0 {
			return mark, nil
		}
	}
	quote, err := m.broker.GetQuote(ctx, p.Symbol, p.OptionType, p.Strike, p.Expiry)
	if err != nil {
		return 0, fmt.Errorf("failed to quote %s: %w", p.Symbol, err)
	}
	return quote.Mark, nil
}

// evaluate applies the exit rules to one position
func (m *Monitor) evaluate(ctx context.Context, p *domain.Position) error {
	mark, err := m.mark(ctx, p)
	if err != nil {
		return err
	}
	if mark <= 0 {
		return fmt.Errorf("no usable mark for %s", p.Symbol)
	}

	// Track excursion extremes before any exit rule fires so the final
	// outcome reflects the full path, including the closing tick.
	ret := mark/p.EntryPrice - 1
	if ret > p.MaxGainPct {
		p.MaxGainPct = ret
	}
	if ret < p.MaxLossPct {
		p.MaxLossPct = ret
	}
	if err := m.positions.UpdateExcursion(p.TradeID, ret); err != nil {
		m.log.Warn().Err(err).Str("trade_id", p.TradeID).Msg("Excursion update failed")
	}

	stopLevel := p.EntryPrice * (1 - m.cfg.StopLossPct)
	takeLevel := p.EntryPrice * m.cfg.TakeProfitMult
	partialLevel := p.EntryPrice * m.cfg.PartialProfitMult

	switch {
	case mark <= stopLevel:
		return m.closeAll(ctx, p, domain.CloseStopLoss)
	case mark >= takeLevel:
		return m.closeAll(ctx, p, domain.CloseTakeProfit)
	case mark >= partialLevel && !p.PartialClosed:
		return m.partialClose(ctx, p)
	case m.expired(p):
		return m.closeAll(ctx, p, domain.CloseExpiry)
	}
	return nil
}

// expired reports whether the contract's expiry date has arrived
func (m *Monitor) expired(p *domain.Position) bool {
	expiry, err := time.Parse("2006-01-02", p.Expiry)
	if err != nil {
		m.log.Warn().Str("trade_id", p.TradeID).Str("expiry", p.Expiry).Msg("Unparseable expiry date")
		return false
	}
	today := m.clock.Now().Format("2006-01-02")
	return today >= expiry.Format("2006-01-02")
}

// closeAll sells the entire position and records the outcome
func (m *Monitor) closeAll(ctx context.Context, p *domain.Position, reason domain.CloseReason) error {
	exitPrice, err := m.broker.ClosePosition(ctx, p.Symbol, p.OptionType, p.Strike, p.Expiry, p.Contracts)
	if err != nil {
		return fmt.Errorf("failed to close %s (%s): %w", p.TradeID, reason, err)
	}

	if err := m.positions.Close(p.TradeID); err != nil {
		return err
	}
	metrics.OpenPositions.Dec()
	if err := m.record(p, p.Contracts, exitPrice, reason); err != nil {
		return err
	}

	m.bus.Emit(events.PositionClosed, "risk", map[string]interface{}{
		"trade_id":   p.TradeID,
		"symbol":     p.Symbol,
		"reason":     string(reason),
		"exit_price": exitPrice,
	})

	m.log.Info().
		Str("trade_id", p.TradeID).
		Str("reason", string(reason)).
		Float64("entry", p.EntryPrice).
		Float64("exit", exitPrice).
		Msg("Position closed")

	return nil
}

// partialClose sells a fraction of the position at the partial-profit level
func (m *Monitor) partialClose(ctx context.Context, p *domain.Position) error {
	closeQty := int(float64(p.Contracts) * m.cfg.PartialCloseFraction)
	if closeQty < 1 {
		// Too small to split; wait for take profit or stop
		return nil
	}
	remaining := p.Contracts - closeQty

	exitPrice, err := m.broker.ClosePosition(ctx, p.Symbol, p.OptionType, p.Strike, p.Expiry, closeQty)
	if err != nil {
		return fmt.Errorf("failed to partially close %s: %w", p.TradeID, err)
	}

	if remaining > 0 {
		if err := m.positions.ReduceContracts(p.TradeID, remaining); err != nil {
			return err
		}
	} else {
		if err := m.positions.Close(p.TradeID); err != nil {
			return err
		}
		metrics.OpenPositions.Dec()
	}

	if err := m.record(p, closeQty, exitPrice, domain.ClosePartialProfit); err != nil {
		return err
	}

	m.bus.Emit(events.PositionPartialClosed, "risk", map[string]interface{}{
		"trade_id":   p.TradeID,
		"symbol":     p.Symbol,
		"closed":     closeQty,
		"remaining":  remaining,
		"exit_price": exitPrice,
	})

	m.log.Info().
		Str("trade_id", p.TradeID).
		Int("closed", closeQty).
		Int("remaining", remaining).
		Float64("exit", exitPrice).
		Msg("Partial profit taken")

	return nil
}

// record writes the realized outcome for a closed tranche
func (m *Monitor) record(p *domain.Position, contracts int, exitPrice float64, reason domain.CloseReason) error {
	closedAt := m.clock.Now()
	outcome := &domain.Outcome{
		TradeID:    p.TradeID,
		Symbol:     p.Symbol,
		OptionType: p.OptionType,
		Engine:     p.Engine,
		Contracts:  contracts,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		PnL:        (exitPrice - p.EntryPrice) * float64(contracts) * 100,
		PnLPct:     exitPrice/p.EntryPrice - 1,
		MaxGainPct: p.MaxGainPct,
		MaxLossPct: p.MaxLossPct,
		Days:       int(closedAt.Sub(p.OpenedAt).Hours() / 24),
		Reason:     reason,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   closedAt,
	}
	if err := m.outcomes.Record(outcome); err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", p.TradeID, err)
	}
	metrics.PositionCloses.WithLabelValues(string(reason)).Inc()
	metrics.RealizedPnL.Add(outcome.PnL)
	return nil
}
