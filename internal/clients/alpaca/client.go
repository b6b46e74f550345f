package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
)

const requestTimeout = 15 * time.Second

// Client talks to the Alpaca trading API. It implements domain.BrokerClient.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates an Alpaca client
func New(cfg config.BrokerConfig, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		log: log.With().Str("client", "alpaca").Logger(),
	}
}

// orderPayload is the Alpaca order creation request body
type orderPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// orderResponse is the subset of Alpaca's order object we consume
type orderResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

// PlaceOrder submits a buy-to-open limit order for an option contract
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	occ, err := OCCSymbol(req.Symbol, req.OptionType, req.Strike, req.Expiry)
	if err != nil {
		return nil, err
	}

	payload := orderPayload{
		Symbol:        occ,
		Qty:           strconv.Itoa(req.Contracts),
		Side:          "buy",
		Type:          "limit",
		TimeInForce:   "day",
		LimitPrice:    strconv.FormatFloat(req.LimitPrice, 'f', 2, 64),
		ClientOrderID: req.ClientID,
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/orders", payload, &resp); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("occ", occ).
		Str("broker_ref", resp.ID).
		Str("status", resp.Status).
		Msg("Order submitted")

	return brokerOrderFromResponse(&resp), nil
}

// GetOrder fetches the current state of an order
func (c *Client) GetOrder(ctx context.Context, ref string) (*domain.BrokerOrder, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+ref, nil, &resp); err != nil {
		return nil, err
	}
	return brokerOrderFromResponse(&resp), nil
}

// CancelOrder cancels a working order
func (c *Client) CancelOrder(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/v2/orders/"+ref, nil, nil)
}

// quoteResponse is the latest-quote payload for one contract
type quoteResponse struct {
	Quotes map[string]struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quotes"`
}

// GetQuote returns the current mark for an option contract
func (c *Client) GetQuote(ctx context.Context, symbol string, optionType domain.OptionType, strike float64, expiry string) (*domain.Quote, error) {
	occ, err := OCCSymbol(symbol, optionType, strike, expiry)
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := c.do(ctx, http.MethodGet, "/v1beta1/options/quotes/latest?symbols="+occ, nil, &resp); err != nil {
		return nil, err
	}

	q, ok := resp.Quotes[occ]
	if !ok {
		return nil, fmt.Errorf("no quote returned for %s", occ)
	}

	mark := (q.BidPrice + q.AskPrice) / 2
	if q.BidPrice == 0 {
		mark = q.AskPrice
	}

	return &domain.Quote{
		Symbol:    symbol,
		Bid:       q.BidPrice,
		Ask:       q.AskPrice,
		Mark:      mark,
		Timestamp: time.Now(),
	}, nil
}

// ClosePosition sells contracts at market and returns the fill premium
func (c *Client) ClosePosition(ctx context.Context, symbol string, optionType domain.OptionType, strike float64, expiry string, contracts int) (float64, error) {
	occ, err := OCCSymbol(symbol, optionType, strike, expiry)
	if err != nil {
		return 0, err
	}

	var resp orderResponse
	path := fmt.Sprintf("/v2/positions/%s?qty=%d", occ, contracts)
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return 0, err
	}

	fill, _ := strconv.ParseFloat(resp.FilledAvgPrice, 64)
	c.log.Info().
		Str("occ", occ).
		Int("contracts", contracts).
		Float64("fill_price", fill).
		Msg("Position close submitted")
	return fill, nil
}

// clockResponse is Alpaca's market clock payload
type clockResponse struct {
	IsOpen bool `json:"is_open"`
}

// MarketOpen reports whether the market is currently open
func (c *Client) MarketOpen(ctx context.Context) (bool, error) {
	var resp clockResponse
	if err := c.do(ctx, http.MethodGet, "/v2/clock", nil, &resp); err != nil {
		return false, err
	}
	return resp.IsOpen, nil
}

// do performs one authenticated API request, decoding the response into out.
// Transient failures (network errors, 429, 5xx) are marked retryable.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w (%w)", err, domain.ErrRetryable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("broker returned %d for %s %s (%w)", resp.StatusCode, method, path, domain.ErrRetryable)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("broker returned %d for %s %s: %s", resp.StatusCode, method, path, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// brokerOrderFromResponse maps Alpaca order states onto the domain model
func brokerOrderFromResponse(resp *orderResponse) *domain.BrokerOrder {
	order := &domain.BrokerOrder{Ref: resp.ID}

	switch resp.Status {
	case "filled":
		order.State = domain.BrokerOrderFilled
	case "rejected":
		order.State = domain.BrokerOrderRejected
		order.Reason = "rejected by broker"
	case "canceled", "done_for_day":
		order.State = domain.BrokerOrderCanceled
	case "expired":
		order.State = domain.BrokerOrderExpired
	default:
		// new, accepted, pending_new, partially_filled, ...
		order.State = domain.BrokerOrderAccepted
	}

	if qty, err := strconv.Atoi(resp.FilledQty); err == nil {
		order.FilledQty = qty
	}
	if price, err := strconv.ParseFloat(resp.FilledAvgPrice, 64); err == nil {
		order.FilledPrice = price
	}
	return order
}
