package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/database"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/events"
	"github.com/tzimas/metascan/internal/modules/engines"
	"github.com/tzimas/metascan/internal/modules/execution"
	"github.com/tzimas/metascan/internal/modules/ranking"
	"github.com/tzimas/metascan/internal/modules/recurrence"
	"github.com/tzimas/metascan/internal/modules/risk"
	"github.com/tzimas/metascan/internal/modules/selection"
	"github.com/tzimas/metascan/internal/modules/snapshots"
	"github.com/tzimas/metascan/internal/scheduler"
)

// scriptedBroker fills every order at its limit price
type scriptedBroker struct {
	mu         sync.Mutex
	marketOpen bool
	placed     int
}

func (b *scriptedBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	b.mu.Lock()
	b.placed++
	b.mu.Unlock()
	return &domain.BrokerOrder{
		Ref:         req.ClientID + "-ref",
		State:       domain.BrokerOrderFilled,
		FilledQty:   req.Contracts,
		FilledPrice: req.LimitPrice,
	}, nil
}

func (b *scriptedBroker) GetOrder(context.Context, string) (*domain.BrokerOrder, error) {
	return nil, errors.New("not implemented")
}
func (b *scriptedBroker) CancelOrder(context.Context, string) error { return nil }
func (b *scriptedBroker) GetQuote(context.Context, string, domain.OptionType, float64, string) (*domain.Quote, error) {
	return nil, errors.New("not implemented")
}
func (b *scriptedBroker) ClosePosition(context.Context, string, domain.OptionType, float64, string, int) (float64, error) {
	return 0, errors.New("not implemented")
}
func (b *scriptedBroker) MarketOpen(context.Context) (bool, error) { return b.marketOpen, nil }

type testHarness struct {
	pipeline  *Pipeline
	broker    *scriptedBroker
	dropDir   string
	snapshots *snapshots.Repository
	positions *risk.PositionRepository
}

func newHarness(t *testing.T, at string) *testHarness {
	t.Helper()

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	when, err := time.ParseInLocation("2006-01-02 15:04", at, loc)
	require.NoError(t, err)
	clock := domain.ClockFunc(func() time.Time { return when })

	dataDir := t.TempDir()
	dropDir := filepath.Join(dataDir, "drops")
	require.NoError(t, os.MkdirAll(dropDir, 0755))

	recurrenceDB, err := database.New(database.Config{
		Path: filepath.Join(dataDir, "recurrence.db"), Profile: database.ProfileStandard, Name: "recurrence",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = recurrenceDB.Close() })

	tradesDB, err := database.New(database.Config{
		Path: filepath.Join(dataDir, "trades.db"), Profile: database.ProfileLedger, Name: "trades",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tradesDB.Close() })

	cacheDB, err := database.New(database.Config{
		Path: filepath.Join(dataDir, "cache.db"), Profile: database.ProfileCache, Name: "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheDB.Close() })

	log := zerolog.Nop()
	bus := events.NewManager(log)

	recRepo := recurrence.NewRepository(recurrenceDB.Conn(), log)
	require.NoError(t, recRepo.InitSchema())
	orderRepo := execution.NewOrderRepository(tradesDB.Conn(), log)
	require.NoError(t, orderRepo.InitSchema())
	positionRepo := risk.NewPositionRepository(tradesDB.Conn(), log)
	require.NoError(t, positionRepo.InitSchema())
	snapRepo := snapshots.NewRepository(cacheDB.Conn(), log)
	require.NoError(t, snapRepo.InitSchema())

	broker := &scriptedBroker{marketOpen: true}

	gateCfg := config.GateConfig{MinORMScore: 0.45, MinSignalCount: 2, MinBaseScore: 0.65}
	boostCfg := config.BoostConfig{WindowDays: 7, SecondSeen: 0.15, ThirdSeen: 0.30}
	rankCfg := config.RankingConfig{TopN: 3, EnginePriority: []string{"orm", "momentum", "flow"}}
	orderCfg := config.OrderConfig{MaxAttempts: 3, BackoffSeconds: 0, ScanDeadlineSecs: 30, ContractsPerTrade: 5}

	executor := execution.NewExecutor(broker, orderRepo, positionRepo, nil, bus, orderCfg, clock, log)

	p := New(
		&config.Config{Gate: gateCfg, Boost: boostCfg, Ranking: rankCfg, Orders: orderCfg},
		engines.NewLoader(dropDir, log),
		selection.New(gateCfg, log),
		recurrence.NewBooster(recRepo, boostCfg, log),
		ranking.New(rankCfg, log),
		executor,
		snapRepo,
		scheduler.NewCalendar(loc),
		broker,
		bus,
		clock,
		loc,
		log,
	)

	return &testHarness{pipeline: p, broker: broker, dropDir: dropDir, snapshots: snapRepo, positions: positionRepo}
}

func (h *testHarness) writeDrop(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.dropDir, name), []byte(content), 0644))
}

const dropContent = `{
	"engine": "orm",
	"candidates": [
		{"symbol": "NVDA", "option_type": "CALL", "strike": 230, "expiry": "2026-09-18",
		 "orm_score": 0.60, "signal_count": 3, "base_score": 0.80, "ask_price": 2.45},
		{"symbol": "AAPL", "option_type": "CALL", "strike": 240, "expiry": "2026-09-18",
		 "orm_score": 0.50, "signal_count": 2, "base_score": 0.70, "ask_price": 1.80},
		{"symbol": "WEAK", "option_type": "PUT", "strike": 50, "expiry": "2026-09-18",
		 "orm_score": 0.30, "signal_count": 1, "base_score": 0.40, "ask_price": 0.90}
	]
}`

func TestRunScanEndToEnd(t *testing.T) {
	h := newHarness(t, "2026-08-28 09:35") // regular trading Friday
	h.writeDrop(t, "orm.json", dropContent)

	result, err := h.pipeline.RunScan(context.Background(), domain.SessionAM, false)
	require.NoError(t, err)

	assert.Equal(t, "2026-08-28", result.ScanDate)
	assert.Equal(t, 3, result.Candidates)
	assert.Equal(t, 2, result.PassedGate)
	require.Len(t, result.Picks, 2)
	assert.Equal(t, "NVDA", result.Picks[0].Symbol)
	assert.Equal(t, 1, result.Picks[0].Rank)
	assert.Equal(t, 2, result.OrdersPlaced)
	assert.Equal(t, 2, result.OrdersFilled)
	assert.Empty(t, result.SkippedReason)

	// Fills opened positions
	open, err := h.positions.ListOpen()
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// Snapshot captured the run
	snap, err := h.snapshots.Latest()
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAM, snap.Session)
	assert.Equal(t, 2, snap.OrdersFilled)
}

func TestRunScanRecurrenceBoostAcrossDays(t *testing.T) {
	h := newHarness(t, "2026-08-28 09:35")

	// Same pick appeared the day before
	h.pipeline.booster.Apply([]domain.Candidate{{
		Symbol: "NVDA", OptionType: domain.OptionCall,
		Engine: "orm", BaseScore: 0.80, ScanDate: "2026-08-27",
	}})

	h.writeDrop(t, "orm.json", dropContent)
	result, err := h.pipeline.RunScan(context.Background(), domain.SessionAM, false)
	require.NoError(t, err)

	require.NotEmpty(t, result.Picks)
	nvda := result.Picks[0]
	assert.Equal(t, "NVDA", nvda.Symbol)
	assert.Equal(t, 2, nvda.RecurrenceCount)
	assert.Equal(t, 1.15, nvda.BoostFactor)
	assert.InDelta(t, 0.92, nvda.BoostedScore, 1e-9)
}

func TestRunScanSkipsWeekend(t *testing.T) {
	h := newHarness(t, "2026-08-29 09:35") // Saturday
	h.writeDrop(t, "orm.json", dropContent)

	result, err := h.pipeline.RunScan(context.Background(), domain.SessionAM, false)
	require.NoError(t, err)
	assert.Equal(t, "weekend", result.SkippedReason)
	assert.Equal(t, 0, h.broker.placed)
}

func TestRunScanForcedRunsOnWeekend(t *testing.T) {
	h := newHarness(t, "2026-08-29 09:35") // Saturday
	h.writeDrop(t, "orm.json", dropContent)

	result, err := h.pipeline.RunScan(context.Background(), domain.SessionAM, true)
	require.NoError(t, err)
	assert.Empty(t, result.SkippedReason)
	assert.Equal(t, 2, result.PassedGate)
	assert.Equal(t, 2, result.OrdersPlaced)
}

func TestRunScanSkipsHoliday(t *testing.T) {
	h := newHarness(t, "2026-11-26 09:35") // Thanksgiving
	result, err := h.pipeline.RunScan(context.Background(), domain.SessionAM, false)
	require.NoError(t, err)
	assert.Contains(t, result.SkippedReason, "Thanksgiving")
}

func TestRunScanSkipsWhileLocked(t *testing.T) {
	h := newHarness(t, "2026-08-28 09:35")

	h.pipeline.scanMu.Lock()
	defer h.pipeline.scanMu.Unlock()

	result, err := h.pipeline.RunScan(context.Background(), domain.SessionAM, false)
	require.NoError(t, err)
	assert.Equal(t, "scan already in progress", result.SkippedReason)
}

func TestRunScanMarketClosedSkipsOrders(t *testing.T) {
	h := newHarness(t, "2026-08-28 08:30") // pre-market session
	h.broker.marketOpen = false
	h.writeDrop(t, "orm.json", dropContent)

	result, err := h.pipeline.RunScan(context.Background(), domain.SessionPre, false)
	require.NoError(t, err)

	// Picks are still ranked and recorded, but nothing is placed
	require.Len(t, result.Picks, 2)
	assert.Equal(t, 0, result.OrdersPlaced)
	assert.Equal(t, 0, h.broker.placed)
	assert.Contains(t, result.SkippedReason, "market closed")
}

func TestScanJobName(t *testing.T) {
	h := newHarness(t, "2026-08-28 09:35")
	job := NewScanJob(h.pipeline, domain.SessionPM)
	assert.Equal(t, "scan_PM", job.Name())
}
