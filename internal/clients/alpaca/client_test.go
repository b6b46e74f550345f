package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
)

func TestOCCSymbol(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		optionType domain.OptionType
		strike     float64
		expiry     string
		want       string
	}{
		{"call", "NVDA", domain.OptionCall, 230, "2026-09-18", "NVDA260918C00230000"},
		{"put", "SPY", domain.OptionPut, 450.5, "2026-12-18", "SPY261218P00450500"},
		{"fractional strike", "F", domain.OptionCall, 12.5, "2026-09-18", "F260918C00012500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OCCSymbol(tt.symbol, tt.optionType, tt.strike, tt.expiry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOCCSymbolBadExpiry(t *testing.T) {
	_, err := OCCSymbol("NVDA", domain.OptionCall, 230, "18/09/2026")
	assert.Error(t, err)
}

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(config.BrokerConfig{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
	}, zerolog.Nop())
	return c, srv
}

func TestPlaceOrder(t *testing.T) {
	var received orderPayload
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(orderResponse{
			ID: "ord-1", Status: "accepted", FilledQty: "0", FilledAvgPrice: "",
		})
	}))
	defer srv.Close()

	order, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:     "NVDA",
		OptionType: domain.OptionCall,
		Strike:     230,
		Expiry:     "2026-09-18",
		Contracts:  5,
		LimitPrice: 2.45,
		ClientID:   "MS-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "ord-1", order.Ref)
	assert.Equal(t, domain.BrokerOrderAccepted, order.State)
	assert.Equal(t, "NVDA260918C00230000", received.Symbol)
	assert.Equal(t, "5", received.Qty)
	assert.Equal(t, "2.45", received.LimitPrice)
	assert.Equal(t, "MS-1", received.ClientOrderID)
}

func TestGetOrderFilled(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders/ord-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(orderResponse{
			ID: "ord-1", Status: "filled", FilledQty: "5", FilledAvgPrice: "2.40",
		})
	}))
	defer srv.Close()

	order, err := c.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerOrderFilled, order.State)
	assert.Equal(t, 5, order.FilledQty)
	assert.Equal(t, 2.40, order.FilledPrice)
}

func TestServerErrorIsRetryable(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := c.GetOrder(context.Background(), "ord-1")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestRateLimitIsRetryable(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := c.MarketOpen(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestClientErrorIsNotRetryable(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"forbidden"}`))
	}))
	defer srv.Close()

	_, err := c.GetOrder(context.Background(), "ord-1")
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
	assert.Contains(t, err.Error(), "403")
}

func TestGetQuoteMidpoint(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NVDA260918C00230000", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`{"quotes":{"NVDA260918C00230000":{"bp":2.40,"ap":2.50}}}`))
	}))
	defer srv.Close()

	q, err := c.GetQuote(context.Background(), "NVDA", domain.OptionCall, 230, "2026-09-18")
	require.NoError(t, err)
	assert.InDelta(t, 2.45, q.Mark, 1e-9)
	assert.Equal(t, 2.40, q.Bid)
	assert.Equal(t, 2.50, q.Ask)
}

func TestGetQuoteNoBidUsesAsk(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quotes":{"NVDA260918C00230000":{"bp":0,"ap":2.50}}}`))
	}))
	defer srv.Close()

	q, err := c.GetQuote(context.Background(), "NVDA", domain.OptionCall, 230, "2026-09-18")
	require.NoError(t, err)
	assert.Equal(t, 2.50, q.Mark)
}

func TestClosePosition(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v2/positions/NVDA260918C00230000", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("qty"))
		_ = json.NewEncoder(w).Encode(orderResponse{ID: "close-1", Status: "filled", FilledQty: "5", FilledAvgPrice: "6.40"})
	}))
	defer srv.Close()

	fill, err := c.ClosePosition(context.Background(), "NVDA", domain.OptionCall, 230, "2026-09-18", 5)
	require.NoError(t, err)
	assert.Equal(t, 6.40, fill)
}

func TestMarketOpen(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/clock", r.URL.Path)
		_, _ = w.Write([]byte(`{"is_open":true}`))
	}))
	defer srv.Close()

	open, err := c.MarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)
}

func TestMarkStreamCache(t *testing.T) {
	s := NewMarkStream(config.BrokerConfig{}, zerolog.Nop())

	occ, err := OCCSymbol("NVDA", domain.OptionCall, 230, "2026-09-18")
	require.NoError(t, err)

	// Empty cache misses
	_, ok := s.Mark("NVDA", domain.OptionCall, 230, "2026-09-18")
	assert.False(t, ok)

	s.cacheMu.Lock()
	s.marks[occ] = markEntry{mark: 2.45, updatedAt: time.Now()}
	s.cacheMu.Unlock()

	mark, ok := s.Mark("NVDA", domain.OptionCall, 230, "2026-09-18")
	assert.True(t, ok)
	assert.Equal(t, 2.45, mark)

	// Stale entries are ignored
	s.cacheMu.Lock()
	s.marks[occ] = markEntry{mark: 2.45, updatedAt: time.Now().Add(-10 * time.Minute)}
	s.cacheMu.Unlock()

	_, ok = s.Mark("NVDA", domain.OptionCall, 230, "2026-09-18")
	assert.False(t, ok)
}
