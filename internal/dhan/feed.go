package dhan

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/types"
)

// Feed subscription request codes
const (
	codeSubscribeTicker   = 15
	codeUnsubscribeTicker = 16
	codeSubscribeQuote    = 17
	codeSubscribeDepth    = 19
)

// Binary packet types
const (
	packetTicker     = 2
	packetDisconnect = 50
)

const (
	packetHeaderSize = 8
	tickerPacketSize = 16
	readIdleTimeout  = 60 * time.Second
	dialTimeout      = 10 * time.Second
)

// backoffSteps is the reconnect schedule; the last step repeats
var backoffSteps = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// TokenSource supplies feed credentials and refreshes them when the
// server rejects the handshake. *Client satisfies it.
type TokenSource interface {
	AccessToken() string
	ClientID() string
	RefreshToken(ctx context.Context) error
}

// Feed maintains the market data websocket: query-param authentication,
// ticker subscriptions, binary packet decoding, and reconnection with
// capped backoff.
type Feed struct {
	feedURL     string
	tokens      TokenSource
	instruments []types.Instrument

	connMu sync.Mutex
	conn   *websocket.Conn

	onTick      func(types.Tick)
	onReconnect func()

	statusMu sync.RWMutex
	status   string

	ticksReceived atomic.Uint64
	reconnects    atomic.Uint64

	running bool
	stopCh  chan struct{}
}

// NewFeed creates a feed for the given instruments
func NewFeed(feedURL string, tokens TokenSource, instruments []types.Instrument) *Feed {
	return &Feed{
		feedURL:     feedURL,
		tokens:      tokens,
		instruments: instruments,
		status:      "idle",
		stopCh:      make(chan struct{}),
	}
}

// SetTickCallback sets the callback for decoded ticks. Must be called
// before Start.
func (f *Feed) SetTickCallback(cb func(types.Tick)) {
	f.onTick = cb
}

// SetReconnectHook sets a callback fired on every reconnect. Must be
// called before Start.
func (f *Feed) SetReconnectHook(fn func()) {
	f.onReconnect = fn
}

// Start connects and begins streaming in the background
func (f *Feed) Start() error {
	f.running = true
	go f.run()
	log.Info().Int("instruments", len(f.instruments)).Msg("📡 Market feed started")
	return nil
}

// Stop closes the connection and stops reconnecting
func (f *Feed) Stop() {
	f.running = false
	close(f.stopCh)
	f.closeConn()
}

// Status reports the feed state for health surfaces
func (f *Feed) Status() string {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status
}

// Connected reports whether the socket is currently up
func (f *Feed) Connected() bool {
	return f.Status() == "connected"
}

// TicksReceived returns the lifetime decoded tick count
func (f *Feed) TicksReceived() uint64 {
	return f.ticksReceived.Load()
}

// Reconnects returns the lifetime reconnect count
func (f *Feed) Reconnects() uint64 {
	return f.reconnects.Load()
}

func (f *Feed) setStatus(s string) {
	f.statusMu.Lock()
	f.status = s
	f.statusMu.Unlock()
}

// run is the connect/read/reconnect loop
func (f *Feed) run() {
	attempt := 0
	refreshed := false

	for f.running {
		err := f.connect()
		if err == nil {
			attempt = 0
			refreshed = false
			f.setStatus("connected")
			f.readLoop()
			f.closeConn()
			if !f.running {
				return
			}
			f.reconnects.Add(1)
			if f.onReconnect != nil {
				f.onReconnect()
			}
			log.Warn().Msg("Feed disconnected, reconnecting...")
		} else if isAuthRejection(err) {
			if refreshed {
				f.setStatus("halted: authentication failed")
				log.Error().Err(err).Msg("🛑 Feed halted: refreshed token still rejected, operator action required")
				return
			}
			log.Warn().Err(err).Msg("⚠️ Feed handshake rejected, refreshing token")
			if rerr := f.tokens.RefreshToken(context.Background()); rerr != nil {
				f.setStatus("halted: " + rerr.Error())
				log.Error().Err(rerr).Msg("🛑 Feed halted: token refresh failed, operator action required")
				return
			}
			refreshed = true
			continue // one immediate retry with the new token
		} else {
			log.Error().Err(err).Msg("Feed connection failed")
		}

		f.setStatus("reconnecting")
		wait := backoffSteps[min(attempt, len(backoffSteps)-1)]
		wait += time.Duration(rand.Int63n(int64(wait / 2)))
		attempt++

		select {
		case <-time.After(wait):
		case <-f.stopCh:
			return
		}
	}
}

// authError marks a handshake rejected with 401/403
type authError struct{ status int }

func (e *authError) Error() string {
	return fmt.Sprintf("feed handshake rejected with %d", e.status)
}

func isAuthRejection(err error) bool {
	_, ok := err.(*authError)
	return ok
}

// connect dials the feed and subscribes all instruments
func (f *Feed) connect() error {
	url := fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2",
		f.feedURL, f.tokens.AccessToken(), f.tokens.ClientID())

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &authError{status: resp.StatusCode}
		}
		return fmt.Errorf("feed dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	if err := f.subscribe(conn); err != nil {
		f.closeConn()
		return err
	}

	log.Info().Str("url", f.feedURL).Int("instruments", len(f.instruments)).Msg("🔌 Feed connected")
	return nil
}

// subscribeRequest is the JSON subscription frame
type subscribeRequest struct {
	RequestCode     int              `json:"RequestCode"`
	InstrumentCount int              `json:"InstrumentCount"`
	InstrumentList  []subscribeEntry `json:"InstrumentList"`
}

type subscribeEntry struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	entries := make([]subscribeEntry, 0, len(f.instruments))
	for _, inst := range f.instruments {
		entries = append(entries, subscribeEntry{
			ExchangeSegment: inst.ExchangeSegment,
			SecurityID:      fmt.Sprintf("%d", inst.SecurityID),
		})
	}

	req := subscribeRequest{
		RequestCode:     codeSubscribeTicker,
		InstrumentCount: len(entries),
		InstrumentList:  entries,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("feed subscribe: %w", err)
	}

	for _, inst := range f.instruments {
		log.Debug().Str("symbol", inst.Symbol).Uint32("security_id", inst.SecurityID).Msg("Subscribed ticker")
	}
	return nil
}

// readLoop blocks on the socket until error or shutdown. A 60 s idle
// socket is treated as dead.
func (f *Feed) readLoop() {
	for f.running {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if f.running {
				log.Error().Err(err).Msg("Feed read error")
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			if disconnect := f.handleBinary(data); disconnect {
				return
			}
		}
		// Text frames are subscription acks; nothing to do.
	}
}

// handleBinary walks the frame packet by packet. Returns true when the
// server sent a disconnect packet.
func (f *Feed) handleBinary(data []byte) bool {
	for len(data) >= packetHeaderSize {
		length := int(binary.LittleEndian.Uint16(data[1:3]))
		if length < packetHeaderSize || length > len(data) {
			// Malformed header: consume the remainder as one packet.
			length = len(data)
		}

		switch data[0] {
		case packetTicker:
			if length >= tickerPacketSize {
				f.emitTick(data[:tickerPacketSize])
			}
		case packetDisconnect:
			log.Warn().Msg("Feed server requested disconnect")
			return true
		}

		data = data[length:]
	}
	return false
}

// emitTick decodes one 16-byte ticker packet:
// type u8 | length u16 | exchange u8 | security_id u32 | ltp f32 | ltt u32,
// all little-endian.
func (f *Feed) emitTick(pkt []byte) {
	exchange := pkt[3]
	securityID := binary.LittleEndian.Uint32(pkt[4:8])
	ltp := math.Float32frombits(binary.LittleEndian.Uint32(pkt[8:12]))

	if ltp <= 0 || math.IsNaN(float64(ltp)) {
		return
	}

	tick := types.Tick{
		SecurityID: securityID,
		Exchange:   uint16(exchange),
		Price:      float64(ltp),
		Time:       time.Now(),
	}

	f.ticksReceived.Add(1)
	if f.onTick != nil {
		f.onTick(tick)
	}
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
}
