package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/domain"
)

const (
	streamDialTimeout  = 30 * time.Second
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute

	// Cached marks older than this are ignored and callers fall back to REST
	markStaleThreshold = 2 * time.Minute
)

// markEntry is one cached option mark
type markEntry struct {
	mark      float64
	updatedAt time.Time
}

// MarkStream maintains a live cache of option marks from the Alpaca market
// data websocket. It implements the risk monitor's MarkSource.
type MarkStream struct {
	url       string
	apiKey    string
	apiSecret string
	log       zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopped   bool
	stopChan  chan struct{}

	// subscriptions and cache, keyed by OCC symbol
	cacheMu sync.RWMutex
	subs    map[string]struct{}
	marks   map[string]markEntry
}

// NewMarkStream creates a mark stream client
func NewMarkStream(cfg config.BrokerConfig, log zerolog.Logger) *MarkStream {
	return &MarkStream{
		url:       cfg.DataWSURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		log:       log.With().Str("client", "alpaca_stream").Logger(),
		stopChan:  make(chan struct{}),
		subs:      make(map[string]struct{}),
		marks:     make(map[string]markEntry),
	}
}

// Start connects and begins the read loop. A failed initial connection is
// retried in the background; the monitor falls back to REST quotes meanwhile.
func (s *MarkStream) Start() {
	go s.runLoop()
}

// Stop shuts the stream down
func (s *MarkStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stopChan)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// Mark returns the cached mark for a contract if it is fresh enough
func (s *MarkStream) Mark(symbol string, optionType domain.OptionType, strike float64, expiry string) (float64, bool) {
	occ, err := OCCSymbol(symbol, optionType, strike, expiry)
	if err != nil {
		return 0, false
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.marks[occ]
	if !ok || time.Since(entry.updatedAt) > markStaleThreshold {
		return 0, false
	}
	return entry.mark, true
}

// Subscribe adds a contract to the quote subscription set
func (s *MarkStream) Subscribe(symbol string, optionType domain.OptionType, strike float64, expiry string) error {
	occ, err := OCCSymbol(symbol, optionType, strike, expiry)
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	_, exists := s.subs[occ]
	s.subs[occ] = struct{}{}
	s.cacheMu.Unlock()
	if exists {
		return nil
	}

	s.mu.RLock()
	conn, connected := s.conn, s.connected
	s.mu.RUnlock()
	if !connected {
		return nil // picked up on the next (re)connect
	}
	return s.sendSubscribe(conn, []string{occ})
}

// runLoop keeps the connection alive with exponential backoff
func (s *MarkStream) runLoop() {
	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			s.log.Warn().Err(err).Msg("Mark stream disconnected")
		}

		select {
		case <-s.stopChan:
			return
		default:
		}

		delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt)))
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		attempt++

		s.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("Reconnecting mark stream")
		select {
		case <-s.stopChan:
			return
		case <-time.After(delay):
		}
	}
}

// connectAndRead dials, authenticates, resubscribes, and consumes messages
// until the connection drops
func (s *MarkStream) connectAndRead() error {
	dialCtx, cancel := context.WithTimeout(context.Background(), streamDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial mark stream: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusInternalError, "read loop exited")
	}()

	if err := s.authenticate(conn); err != nil {
		return err
	}

	s.cacheMu.RLock()
	occs := make([]string, 0, len(s.subs))
	for occ := range s.subs {
		occs = append(occs, occ)
	}
	s.cacheMu.RUnlock()
	if len(occs) > 0 {
		if err := s.sendSubscribe(conn, occs); err != nil {
			return err
		}
	}

	s.log.Info().Int("subscriptions", len(occs)).Msg("Mark stream connected")
	return s.readMessages(conn)
}

func (s *MarkStream) authenticate(conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	auth := map[string]string{"action": "auth", "key": s.apiKey, "secret": s.apiSecret}
	data, _ := json.Marshal(auth)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to authenticate mark stream: %w", err)
	}
	return nil
}

func (s *MarkStream) sendSubscribe(conn *websocket.Conn, occs []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := map[string]interface{}{"action": "subscribe", "quotes": occs}
	data, _ := json.Marshal(sub)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// streamQuote is one quote message from the data stream
type streamQuote struct {
	Type     string  `json:"T"`
	Symbol   string  `json:"S"`
	BidPrice float64 `json:"bp"`
	AskPrice float64 `json:"ap"`
}

// readMessages consumes quote messages until the connection fails
func (s *MarkStream) readMessages(conn *websocket.Conn) error {
	for {
		select {
		case <-s.stopChan:
			return nil
		default:
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			return fmt.Errorf("mark stream read failed: %w", err)
		}

		var msgs []streamQuote
		if err := json.Unmarshal(data, &msgs); err != nil {
			s.log.Debug().Err(err).Msg("Skipping unparseable stream message")
			continue
		}

		for _, msg := range msgs {
			if msg.Type != "q" || msg.Symbol == "" {
				continue
			}
			mark := (msg.BidPrice + msg.AskPrice) / 2
			if msg.BidPrice == 0 {
				mark = msg.AskPrice
			}
			if mark <= 0 {
				continue
			}

			s.cacheMu.Lock()
			s.marks[msg.Symbol] = markEntry{mark: mark, updatedAt: time.Now()}
			s.cacheMu.Unlock()
		}
	}
}
