package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/types"
)

const (
	// tickInterval throttles tick frames per subscriber; prices arriving
	// faster collapse to the newest one
	tickInterval = 100 * time.Millisecond
	eventBacklog = 8
	writeTimeout = 5 * time.Second
)

// tickFrame is the LTP payload pushed to stream subscribers
type tickFrame struct {
	LTP float64 `json:"ltp"`
	TS  int64   `json:"ts"`
}

// streamConn is the slice of the websocket connection the hub writes to
type streamConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// subscriber is one stream client following a single symbol
type subscriber struct {
	symbol string
	conn   streamConn

	mu     sync.Mutex
	latest *tickFrame

	events chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(symbol string, conn streamConn) *subscriber {
	return &subscriber{
		symbol: symbol,
		conn:   conn,
		events: make(chan []byte, eventBacklog),
		done:   make(chan struct{}),
	}
}

// offer replaces the pending tick; anything not yet flushed is superseded
func (s *subscriber) offer(f tickFrame) {
	s.mu.Lock()
	s.latest = &f
	s.mu.Unlock()
}

// take removes and returns the pending tick
func (s *subscriber) take() (tickFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return tickFrame{}, false
	}
	f := *s.latest
	s.latest = nil
	return f, true
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// writeLoop flushes the collapsed tick at the throttle interval and
// events as they arrive. Exits on the first write failure.
func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case payload := <-s.events:
			if err := s.write(payload); err != nil {
				s.close()
				return
			}

		case <-ticker.C:
			f, ok := s.take()
			if !ok {
				continue
			}
			payload, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := s.write(payload); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *subscriber) write(payload []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub fans live ticks and outcome events out to stream subscribers,
// keyed by symbol. Single hub per process.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a connection for one symbol and starts its write
// loop. The caller owns the read side and must Unsubscribe when it ends.
func (h *Hub) Subscribe(symbol string, conn streamConn) *subscriber {
	sub := newSubscriber(symbol, conn)

	h.mu.Lock()
	if h.subs[symbol] == nil {
		h.subs[symbol] = make(map[*subscriber]struct{})
	}
	h.subs[symbol][sub] = struct{}{}
	n := len(h.subs[symbol])
	h.mu.Unlock()

	go sub.writeLoop()
	log.Debug().Str("symbol", symbol).Int("subscribers", n).Msg("📡 Stream subscriber joined")
	return sub
}

// Unsubscribe removes the subscriber and stops its write loop
func (h *Hub) Unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if set := h.subs[sub.symbol]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.symbol)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Subscribers reports the audience size for one symbol
func (h *Hub) Subscribers(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[symbol])
}

// PublishTick offers one LTP to every subscriber of the symbol
func (h *Hub) PublishTick(symbol string, price float64, ts time.Time) {
	frame := tickFrame{LTP: price, TS: ts.Unix()}

	h.mu.RLock()
	for sub := range h.subs[symbol] {
		sub.offer(frame)
	}
	h.mu.RUnlock()
}

// PublishOutcome pushes a resolved-plan event to every subscriber of the
// symbol. Slow consumers miss events rather than stalling the watcher.
func (h *Hub) PublishOutcome(symbol string, ev types.OutcomeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	for sub := range h.subs[symbol] {
		select {
		case sub.events <- payload:
		default:
		}
	}
	h.mu.RUnlock()
}
