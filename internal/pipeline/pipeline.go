// Package pipeline wires the scan stages together: collect, gate, boost,
// rank, execute, snapshot.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/events"
	"github.com/tzimas/metascan/internal/metrics"
	"github.com/tzimas/metascan/internal/modules/engines"
	"github.com/tzimas/metascan/internal/modules/execution"
	"github.com/tzimas/metascan/internal/modules/ranking"
	"github.com/tzimas/metascan/internal/modules/recurrence"
	"github.com/tzimas/metascan/internal/modules/selection"
	"github.com/tzimas/metascan/internal/modules/snapshots"
	"github.com/tzimas/metascan/internal/scheduler"
)

// Pipeline orchestrates one full scan cycle
type Pipeline struct {
	cfg       *config.Config
	loader    *engines.Loader
	gate      *selection.Gate
	booster   *recurrence.Booster
	ranker    *ranking.Ranker
	executor  *execution.Executor
	snapshots *snapshots.Repository
	calendar  *scheduler.Calendar
	broker    domain.BrokerClient
	bus       *events.Manager
	clock     domain.Clock
	loc       *time.Location
	log       zerolog.Logger

	// scanMu guards against overlapping scans; a held lock skips, never queues
	scanMu sync.Mutex
}

// New creates a scan pipeline
func New(
	cfg *config.Config,
	loader *engines.Loader,
	gate *selection.Gate,
	booster *recurrence.Booster,
	ranker *ranking.Ranker,
	executor *execution.Executor,
	snapshotRepo *snapshots.Repository,
	calendar *scheduler.Calendar,
	broker domain.BrokerClient,
	bus *events.Manager,
	clock domain.Clock,
	loc *time.Location,
	log zerolog.Logger,
) *Pipeline {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &Pipeline{
		cfg:       cfg,
		loader:    loader,
		gate:      gate,
		booster:   booster,
		ranker:    ranker,
		executor:  executor,
		snapshots: snapshotRepo,
		calendar:  calendar,
		broker:    broker,
		bus:       bus,
		clock:     clock,
		loc:       loc,
		log:       log.With().Str("module", "pipeline").Logger(),
	}
}

// RunScan executes one complete scan for the given session.
// A scan already in progress causes an immediate skip. force bypasses the
// trading-day check for manually triggered scans.
func (p *Pipeline) RunScan(ctx context.Context, session domain.ScanSession, force bool) (*domain.ScanResult, error) {
	if !p.scanMu.TryLock() {
		p.log.Warn().Str("session", string(session)).Msg("Scan already in progress, skipping")
		return p.skip(session, "", "scan already in progress"), nil
	}
	defer p.scanMu.Unlock()

	now := p.clock.Now().In(p.loc)
	scanDate := now.Format("2006-01-02")

	if !p.calendar.IsTradingDay(now) {
		reason := "weekend"
		if name, ok := p.calendar.HolidayName(now); ok {
			reason = "holiday: " + name
		}
		if !force {
			p.log.Info().Str("session", string(session)).Str("reason", reason).Msg("Not a trading day, skipping scan")
			return p.skip(session, scanDate, reason), nil
		}
		p.log.Warn().Str("session", string(session)).Str("reason", reason).Msg("Forced scan on a non-trading day")
	}

	result := &domain.ScanResult{
		Session:   session,
		ScanDate:  scanDate,
		StartedAt: now,
	}

	p.bus.Emit(events.ScanStarted, "pipeline", map[string]interface{}{
		"session":   string(session),
		"scan_date": scanDate,
	})
	p.log.Info().Str("session", string(session)).Str("scan_date", scanDate).Msg("Scan started")

	// Resolve stragglers from interrupted runs before placing anything new
	if err := p.executor.SyncPendingOrders(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Pending order sync failed, continuing scan")
	}

	candidates, err := p.loader.Collect(scanDate)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(string(session), "failed").Inc()
		return nil, fmt.Errorf("failed to collect candidates: %w", err)
	}
	result.Candidates = len(candidates)
	for _, c := range candidates {
		metrics.CandidatesSeen.WithLabelValues(c.Engine).Inc()
	}

	passed, rejections := p.gate.Filter(candidates)
	result.PassedGate = len(passed)
	for _, rej := range rejections {
		metrics.GateRejections.WithLabelValues(string(rej.Reason)).Inc()
	}

	boosted := p.booster.Apply(passed)
	for _, pick := range boosted {
		metrics.BoostsApplied.WithLabelValues(fmt.Sprintf("%.2f", pick.BoostFactor)).Inc()
		if pick.BoostFactor > 1.0 {
			p.bus.Emit(events.PickBoosted, "pipeline", map[string]interface{}{
				"pick":       pick.Key(),
				"recurrence": pick.RecurrenceCount,
				"factor":     pick.BoostFactor,
			})
		}
	}

	picks := p.ranker.Rank(boosted)
	result.Picks = picks
	p.booster.RecordRanks(picks)
	for _, pick := range picks {
		p.bus.Emit(events.PickSelected, "pipeline", map[string]interface{}{
			"pick":          pick.Key(),
			"rank":          pick.Rank,
			"boosted_score": pick.BoostedScore,
		})
	}

	// New trades only while the market is open; picks are still recorded
	// above so recurrence and the snapshot reflect this scan.
	open, err := p.broker.MarketOpen(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("Market status check failed, skipping execution")
		open = false
	}
	if open {
		p.executePicks(ctx, picks, result)
	} else {
		p.log.Info().Msg("Market closed, skipping order execution")
		result.SkippedReason = "market closed, orders skipped"
	}

	result.FinishedAt = p.clock.Now().In(p.loc)
	metrics.ScanDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	metrics.ScansTotal.WithLabelValues(string(session), "completed").Inc()

	if err := p.snapshots.Store(result); err != nil {
		p.log.Warn().Err(err).Msg("Failed to store scan snapshot")
	}

	p.bus.Emit(events.ScanCompleted, "pipeline", map[string]interface{}{
		"session":       string(session),
		"scan_date":     scanDate,
		"candidates":    result.Candidates,
		"passed_gate":   result.PassedGate,
		"picks":         len(result.Picks),
		"orders_placed": result.OrdersPlaced,
		"orders_filled": result.OrdersFilled,
	})
	p.log.Info().
		Str("session", string(session)).
		Int("candidates", result.Candidates).
		Int("passed_gate", result.PassedGate).
		Int("picks", len(result.Picks)).
		Int("orders_filled", result.OrdersFilled).
		Msg("Scan completed")

	return result, nil
}

// executePicks places orders for the ranked picks and folds the outcomes
// into the scan result
func (p *Pipeline) executePicks(ctx context.Context, picks []domain.RankedPick, result *domain.ScanResult) {
	for _, res := range p.executor.Execute(ctx, picks) {
		if res.Err != nil {
			result.OrdersFailed++
			continue
		}
		result.OrdersPlaced++
		metrics.OrdersTotal.WithLabelValues(string(res.Status)).Inc()
		switch res.Status {
		case domain.OrderFilled:
			result.OrdersFilled++
		case domain.OrderRejected, domain.OrderCancelled:
			result.OrdersFailed++
		}
	}
}

// skip records and reports a scan that did not run
func (p *Pipeline) skip(session domain.ScanSession, scanDate, reason string) *domain.ScanResult {
	metrics.ScansTotal.WithLabelValues(string(session), "skipped").Inc()
	p.bus.Emit(events.ScanSkipped, "pipeline", map[string]interface{}{
		"session": string(session),
		"reason":  reason,
	})
	now := p.clock.Now().In(p.loc)
	return &domain.ScanResult{
		Session:       session,
		ScanDate:      scanDate,
		StartedAt:     now,
		FinishedAt:    now,
		SkippedReason: reason,
	}
}

// ScanJob adapts a pipeline session to the scheduler's Job interface
type ScanJob struct {
	pipeline *Pipeline
	session  domain.ScanSession
}

// NewScanJob creates a scheduled scan job for one session
func NewScanJob(p *Pipeline, session domain.ScanSession) *ScanJob {
	return &ScanJob{pipeline: p, session: session}
}

// Name implements the scheduler Job interface
func (j *ScanJob) Name() string {
	return fmt.Sprintf("scan_%s", j.session)
}

// Run implements the scheduler Job interface
func (j *ScanJob) Run() error {
	_, err := j.pipeline.RunScan(context.Background(), j.session, false)
	return err
}
