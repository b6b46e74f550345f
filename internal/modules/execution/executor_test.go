package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/database"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/events"
)

// placeResult scripts one PlaceOrder response
type placeResult struct {
	order *domain.BrokerOrder
	err   error
}

// fakeBroker returns scripted responses, per symbol when placeBySym is
// set, otherwise in call order
type fakeBroker struct {
	mu         sync.Mutex
	placeCalls int
	placeQueue []placeResult
	placeBySym map[string]placeResult
	getStates  map[string]*domain.BrokerOrder
	quotes     map[string]*domain.Quote
	cancelled  []string
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if res, ok := f.placeBySym[req.Symbol]; ok {
		return res.order, res.err
	}
	if f.placeCalls > len(f.placeQueue) {
		return nil, fmt.Errorf("unexpected PlaceOrder call %d", f.placeCalls)
	}
	res := f.placeQueue[f.placeCalls-1]
	return res.order, res.err
}

func (f *fakeBroker) GetOrder(_ context.Context, ref string) (*domain.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.getStates[ref]; ok {
		return state, nil
	}
	return nil, fmt.Errorf("unknown order %s", ref)
}

func (f *fakeBroker) CancelOrder(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ref)
	return nil
}

func (f *fakeBroker) GetQuote(_ context.Context, symbol string, _ domain.OptionType, _ float64, _ string) (*domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.quotes[symbol]; ok {
		return q, nil
	}
	return nil, errors.New("no quote")
}

func (f *fakeBroker) ClosePosition(context.Context, string, domain.OptionType, float64, string, int) (float64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeBroker) MarketOpen(context.Context) (bool, error) { return true, nil }

// fakePositions records opened positions
type fakePositions struct {
	mu     sync.Mutex
	opened []domain.Position
}

func (f *fakePositions) Open(p *domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, *p)
	return nil
}

func newTestOrderRepo(t *testing.T) *OrderRepository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "trades.db"),
		Profile: database.ProfileLedger,
		Name:    "trades",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewOrderRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, repo.InitSchema())
	return repo
}

func newTestExecutor(t *testing.T, broker *fakeBroker) (*Executor, *OrderRepository, *fakePositions) {
	t.Helper()
	repo := newTestOrderRepo(t)
	positions := &fakePositions{}
	exec := NewExecutor(
		broker,
		repo,
		positions,
		nil, // no mark feed
		events.NewManager(zerolog.Nop()),
		config.OrderConfig{
			MaxAttempts:       3,
			BackoffSeconds:    0, // no waiting in tests
			ScanDeadlineSecs:  30,
			ContractsPerTrade: 5,
		},
		nil,
		zerolog.Nop(),
	)
	return exec, repo, positions
}

func testPick(symbol string) domain.RankedPick {
	return domain.RankedPick{
		Candidate: domain.Candidate{
			Symbol:     symbol,
			OptionType: domain.OptionCall,
			Strike:     230,
			Expiry:     "2026-09-18",
			Engine:     "orm",
			AskPrice:   2.45,
		},
		Rank: 1,
	}
}

func filled(ref string, qty int, price float64) *domain.BrokerOrder {
	return &domain.BrokerOrder{Ref: ref, State: domain.BrokerOrderFilled, FilledQty: qty, FilledPrice: price}
}

func TestExecutePickFilled(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{{order: filled("bo-1", 5, 2.40)}},
	}
	exec, repo, positions := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderFilled, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)
	assert.Equal(t, 1, order.AttemptCount)
	assert.Equal(t, "bo-1", order.BrokerRef)

	require.Len(t, positions.opened, 1)
	assert.Equal(t, res.TradeID, positions.opened[0].TradeID)
	assert.Equal(t, 5, positions.opened[0].Contracts)
	assert.Equal(t, 2.40, positions.opened[0].EntryPrice)
}

func TestExecutePickRetryableThenFilled(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{
			{err: fmt.Errorf("connection reset: %w", domain.ErrRetryable)},
			{err: fmt.Errorf("gateway busy: %w", domain.ErrRetryable)},
			{order: filled("bo-3", 5, 2.50)},
		},
	}
	exec, repo, _ := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderFilled, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, 3, order.AttemptCount)
}

func TestExecutePickAttemptsExhausted(t *testing.T) {
	retryErr := fmt.Errorf("flaky: %w", domain.ErrRetryable)
	broker := &fakeBroker{
		placeQueue: []placeResult{{err: retryErr}, {err: retryErr}, {err: retryErr}},
	}
	exec, repo, positions := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderCancelled, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, order.Status)
	assert.Equal(t, 3, order.AttemptCount)
	assert.Contains(t, order.FailReason, "attempts exhausted")
	assert.Empty(t, positions.opened)
}

func TestExecutePickBrokerRejectionIsFinal(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{
			{order: &domain.BrokerOrder{Ref: "bo-1", State: domain.BrokerOrderRejected, Reason: "insufficient buying power"}},
		},
	}
	exec, repo, positions := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderRejected, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, order.Status)
	assert.Equal(t, 1, order.AttemptCount)
	assert.Equal(t, "insufficient buying power", order.FailReason)
	assert.Equal(t, 1, broker.placeCalls, "rejection must not be retried")
	assert.Empty(t, positions.opened)
}

func TestExecutePickNonRetryableSubmissionError(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{{err: errors.New("insufficient buying power")}},
	}
	exec, repo, _ := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderRejected, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, order.Status)
	assert.Equal(t, "insufficient buying power", order.FailReason)
	assert.Equal(t, 1, order.AttemptCount)
	assert.Equal(t, 1, broker.placeCalls, "hard refusal must not be retried")
}

func TestExecutePickExpiredSubmissionsExhaustToCancelled(t *testing.T) {
	// The broker accepts each submission but lets it expire unfilled. That
	// is retry exhaustion, not a rejection, so the order ends CANCELLED.
	expired := placeResult{order: &domain.BrokerOrder{Ref: "bo-x", State: domain.BrokerOrderExpired}}
	broker := &fakeBroker{
		placeQueue: []placeResult{expired, expired, expired},
	}
	exec, repo, positions := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderCancelled, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, order.Status)
	assert.Equal(t, 3, order.AttemptCount)
	assert.Contains(t, order.FailReason, "attempts exhausted")
	assert.Empty(t, positions.opened)
}

func TestExecutePickBrokerCancelRetried(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{
			{order: &domain.BrokerOrder{Ref: "bo-1", State: domain.BrokerOrderExpired}},
			{order: filled("bo-2", 5, 2.42)},
		},
	}
	exec, repo, _ := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderFilled, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, 2, order.AttemptCount)
	assert.Equal(t, "bo-2", order.BrokerRef)
}

func TestExecutePickSkipsWhenActiveOrderExists(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{{order: filled("bo-1", 5, 2.40)}},
	}
	exec, repo, _ := newTestExecutor(t, broker)

	// Seed a live order for the same symbol
	seed := &domain.Order{
		TradeID:    "MS-seed-NVDA-abc123",
		Symbol:     "NVDA",
		OptionType: domain.OptionCall,
		Strike:     230,
		Expiry:     "2026-09-18",
		Contracts:  5,
		LimitPrice: 2.45,
	}
	require.NoError(t, repo.Create(seed))
	require.NoError(t, repo.Transition(seed.TradeID, domain.OrderSubmitted, "bo-old", ""))

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "active order exists")
	assert.Equal(t, 0, broker.placeCalls)
}

func TestExecutePickDeadlineAlreadyExpired(t *testing.T) {
	broker := &fakeBroker{}
	exec, repo, _ := newTestExecutor(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := exec.ExecutePick(ctx, testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderCancelled, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, "scan deadline exceeded", order.FailReason)
	assert.Equal(t, 0, broker.placeCalls)
}

func TestExecuteResultsFollowPickOrder(t *testing.T) {
	broker := &fakeBroker{
		placeBySym: map[string]placeResult{
			"AAPL": {order: filled("bo-1", 5, 1.10)},
			"MSFT": {order: filled("bo-2", 5, 2.20)},
		},
	}
	exec, _, positions := newTestExecutor(t, broker)

	results := exec.Execute(context.Background(), []domain.RankedPick{
		testPick("AAPL"), testPick("MSFT"),
	})

	// Picks run concurrently but results keep the submission order
	require.Len(t, results, 2)
	assert.Equal(t, "AAPL", results[0].Symbol)
	assert.Equal(t, "MSFT", results[1].Symbol)
	assert.Equal(t, domain.OrderFilled, results[0].Status)
	assert.Equal(t, domain.OrderFilled, results[1].Status)

	require.Len(t, positions.opened, 2)
	entries := map[string]float64{}
	for _, p := range positions.opened {
		entries[p.Symbol] = p.EntryPrice
	}
	assert.Equal(t, map[string]float64{"AAPL": 1.10, "MSFT": 2.20}, entries)
}

func TestExecuteRejectsDuplicatePickInScan(t *testing.T) {
	broker := &fakeBroker{
		placeBySym: map[string]placeResult{
			"AAPL": {order: filled("bo-1", 5, 1.10)},
		},
	}
	exec, _, positions := newTestExecutor(t, broker)

	// Same symbol and option type twice in one ranked set
	results := exec.Execute(context.Background(), []domain.RankedPick{
		testPick("AAPL"), testPick("AAPL"),
	})

	require.Len(t, results, 2)
	assert.Equal(t, domain.OrderFilled, results[0].Status)
	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "duplicate pick")
	assert.Equal(t, 1, broker.placeCalls, "duplicate must never reach the broker")
	assert.Len(t, positions.opened, 1)
}

// fakeMarks records mark-feed subscriptions
type fakeMarks struct {
	mu         sync.Mutex
	subscribed []string
}

func (f *fakeMarks) Subscribe(symbol string, _ domain.OptionType, _ float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbol)
	return nil
}

func TestFillSubscribesMarkFeed(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{{order: filled("bo-1", 5, 2.40)}},
	}
	repo := newTestOrderRepo(t)
	marks := &fakeMarks{}
	exec := NewExecutor(
		broker,
		repo,
		&fakePositions{},
		marks,
		events.NewManager(zerolog.Nop()),
		config.OrderConfig{MaxAttempts: 3, ScanDeadlineSecs: 30, ContractsPerTrade: 5},
		nil,
		zerolog.Nop(),
	)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"NVDA"}, marks.subscribed)
}

func TestRetryRefreshesLimitPrice(t *testing.T) {
	broker := &fakeBroker{
		placeQueue: []placeResult{
			{err: fmt.Errorf("timed out: %w", domain.ErrRetryable)},
			{order: filled("bo-2", 5, 2.58)},
		},
		quotes: map[string]*domain.Quote{
			"NVDA": {Symbol: "NVDA", Bid: 2.50, Ask: 2.60, Mark: 2.55},
		},
	}
	exec, repo, _ := newTestExecutor(t, broker)

	res := exec.ExecutePick(context.Background(), testPick("NVDA"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OrderFilled, res.Status)

	order, err := repo.GetByTradeID(res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, 2.60, order.LimitPrice) // re-quoted before the second attempt
}

func TestSyncPendingOrders(t *testing.T) {
	broker := &fakeBroker{
		getStates: map[string]*domain.BrokerOrder{
			"bo-filled":   filled("bo-filled", 5, 3.10),
			"bo-rejected": {Ref: "bo-rejected", State: domain.BrokerOrderRejected, Reason: "margin"},
			"bo-working":  {Ref: "bo-working", State: domain.BrokerOrderAccepted},
		},
	}
	exec, repo, positions := newTestExecutor(t, broker)

	seedSubmitted := func(tradeID, symbol, ref string) {
		o := &domain.Order{
			TradeID: tradeID, Symbol: symbol, OptionType: domain.OptionCall,
			Strike: 100, Expiry: "2026-09-18", Contracts: 5, LimitPrice: 3.0,
		}
		require.NoError(t, repo.Create(o))
		require.NoError(t, repo.Transition(tradeID, domain.OrderSubmitted, ref, ""))
	}
	seedSubmitted("MS-1-AAA-000001", "AAA", "bo-filled")
	seedSubmitted("MS-2-BBB-000002", "BBB", "bo-rejected")
	seedSubmitted("MS-3-CCC-000003", "CCC", "bo-working")

	require.NoError(t, exec.SyncPendingOrders(context.Background()))

	o1, _ := repo.GetByTradeID("MS-1-AAA-000001")
	assert.Equal(t, domain.OrderFilled, o1.Status)
	require.Len(t, positions.opened, 1)
	assert.Equal(t, 3.10, positions.opened[0].EntryPrice)

	o2, _ := repo.GetByTradeID("MS-2-BBB-000002")
	assert.Equal(t, domain.OrderRejected, o2.Status)
	assert.Equal(t, "margin", o2.FailReason)

	o3, _ := repo.GetByTradeID("MS-3-CCC-000003")
	assert.Equal(t, domain.OrderCancelled, o3.Status)
	assert.Contains(t, broker.cancelled, "bo-working")
}

func TestOrderRepositoryTransitionRules(t *testing.T) {
	repo := newTestOrderRepo(t)

	o := &domain.Order{
		TradeID: "MS-x-AAA-000001", Symbol: "AAA", OptionType: domain.OptionPut,
		Strike: 50, Expiry: "2026-09-18", Contracts: 5, LimitPrice: 1.0,
	}
	require.NoError(t, repo.Create(o))

	// PENDING -> FILLED is not allowed
	err := repo.Transition(o.TradeID, domain.OrderFilled, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, repo.Transition(o.TradeID, domain.OrderSubmitted, "bo-1", ""))
	require.NoError(t, repo.Transition(o.TradeID, domain.OrderFilled, "", ""))

	// Terminal states admit nothing further
	err = repo.Transition(o.TradeID, domain.OrderCancelled, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOrderRepositoryNotFound(t *testing.T) {
	repo := newTestOrderRepo(t)
	_, err := repo.GetByTradeID("MS-missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestNewTradeIDFormat(t *testing.T) {
	broker := &fakeBroker{}
	exec, _, _ := newTestExecutor(t, broker)

	id := exec.newTradeID("NVDA")
	assert.Regexp(t, `^MS-\d{14}-NVDA-[0-9a-f]{6}$`, id)
}
