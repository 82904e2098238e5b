package smartconnect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-agentv1/internal/quotecache"
)

const (
	streamRootURI     = "wss://smartapisocket.angelone.in/smart-stream"
	heartBeatMessage  = "ping"
	heartBeatInterval = 10 * time.Second

	subscribeAction   = 1
	unsubscribeAction = 0

	modeLTP = 1
)

// minimum binary frame: mode(1) + exchange(1) + token(25) + seq(8) + ts(8) + ltp(8)
const minFrameLen = 51

// StreamConfig configures a SmartStream connection.
type StreamConfig struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	URL string // default: the SmartStream production endpoint
}

// SmartStream is the Angel One streaming-feed adapter. It implements
// quotecache.Stream: it owns framing, heartbeats and decoding, and leaves
// reconnection policy to the caller. Each Connect call replaces any previous
// socket; read loops from a superseded connection stop firing callbacks.
type SmartStream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      int // connection generation; stale read loops see a mismatch and exit
	handlers quotecache.Handlers
	closed   bool
}

// NewSmartStream creates a stream adapter. Connect must be called before
// Subscribe.
func NewSmartStream(cfg StreamConfig) (*SmartStream, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartstream: all four tokens are required")
	}
	if cfg.URL == "" {
		cfg.URL = streamRootURI
	}
	return &SmartStream{cfg: cfg, dialer: websocket.DefaultDialer}, nil
}

// SetHandlers installs or replaces the event callbacks.
func (s *SmartStream) SetHandlers(h quotecache.Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

func (s *SmartStream) currentHandlers() quotecache.Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers
}

// Connect dials the feed. Any previous connection is closed and replaced.
func (s *SmartStream) Connect() error {
	header := http.Header{}
	header.Add("Authorization", s.cfg.AuthToken)
	header.Add("x-api-key", s.cfg.APIKey)
	header.Add("x-client-code", s.cfg.ClientCode)
	header.Add("x-feed-token", s.cfg.FeedToken)

	conn, resp, err := s.dialer.Dial(s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("smartstream: dial: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("smartstream: dial: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return errors.New("smartstream: closed")
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	conn.SetPongHandler(func(string) error { return nil })

	go s.readLoop(conn, gen)
	go s.heartbeatLoop(conn, gen)

	if h := s.currentHandlers(); h.OnOpen != nil {
		h.OnOpen()
	}
	return nil
}

// current reports whether the given generation is still the live connection.
func (s *SmartStream) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && !s.closed
}

func (s *SmartStream) readLoop(conn *websocket.Conn, gen int) {
	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if !s.current(gen) {
				return // superseded or closed; stay quiet
			}
			h := s.currentHandlers()
			if h.OnError != nil {
				h.OnError(fmt.Errorf("smartstream: read: %w", err))
			}
			if h.OnClose != nil {
				h.OnClose()
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			update, err := parseLTPFrame(message)
			if err != nil {
				log.Printf("[smartstream] frame parse error: %v", err)
				continue
			}
			if h := s.currentHandlers(); h.OnMessage != nil {
				h.OnMessage([]quotecache.PriceUpdate{update})
			}
		case websocket.TextMessage:
			// Text frames carry heartbeat responses; nothing to surface.
		}
	}
}

func (s *SmartStream) heartbeatLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(heartBeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !s.current(gen) {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, []byte(heartBeatMessage), time.Now().Add(time.Second)); err != nil {
			return
		}
	}
}

// Subscribe sends one batched subscribe request for the given token groups.
func (s *SmartStream) Subscribe(groups []quotecache.TokenGroup) error {
	return s.sendAction(subscribeAction, groups)
}

// Unsubscribe sends one batched unsubscribe request.
func (s *SmartStream) Unsubscribe(groups []quotecache.TokenGroup) error {
	return s.sendAction(unsubscribeAction, groups)
}

func (s *SmartStream) sendAction(action int, groups []quotecache.TokenGroup) error {
	tokenList := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		tokenList = append(tokenList, map[string]any{
			"exchangeType": g.ExchangeSegment,
			"tokens":       g.Tokens,
		})
	}
	req := map[string]any{
		"correlationID": "trading-agent",
		"action":        action,
		"params": map[string]any{
			"mode":      modeLTP,
			"tokenList": tokenList,
		},
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("smartstream: not connected")
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("smartstream: write action %d: %w", action, err)
	}
	return nil
}

// Close tears down the connection and suppresses further callbacks.
// Idempotent.
func (s *SmartStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}

// parseLTPFrame decodes one binary LTP-mode frame. Prices arrive as int64
// paise; the cache works in rupees.
func parseLTPFrame(b []byte) (quotecache.PriceUpdate, error) {
	if len(b) < minFrameLen {
		return quotecache.PriceUpdate{}, fmt.Errorf("frame too short: %d bytes", len(b))
	}

	tokenStr := parseTokenBytes(b[2:27])
	token, err := strconv.ParseInt(tokenStr, 10, 64)
	if err != nil {
		return quotecache.PriceUpdate{}, fmt.Errorf("non-numeric token %q", tokenStr)
	}

	exTsMillis := int64(binary.LittleEndian.Uint64(b[35:43]))
	ltpPaise := int64(binary.LittleEndian.Uint64(b[43:51]))

	at := time.Time{}
	if exTsMillis > 0 {
		at = time.Unix(0, exTsMillis*int64(time.Millisecond)).UTC()
	}

	return quotecache.PriceUpdate{
		Token:     token,
		LastPrice: float64(ltpPaise) / 100.0,
		At:        at,
	}, nil
}

func parseTokenBytes(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
