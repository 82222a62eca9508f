package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/internal/market"
	"github.com/AK47-U/Nifty-OB/types"
)

// candlePoint is one bar in the chart payload. Time is the IST-aligned
// bar start in epoch seconds.
type candlePoint struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

func (s *Server) health(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"symbols":   s.cfg.Symbols,
	}
	if s.feed != nil {
		resp["feed"] = fiber.Map{
			"status":         s.feed.Status(),
			"connected":      s.feed.Connected(),
			"ticks_received": s.feed.TicksReceived(),
			"reconnects":     s.feed.Reconnects(),
		}
	}
	if lc := s.state.LastCadence(); !lc.IsZero() {
		resp["last_cadence"] = lc.Unix()
	}
	return c.JSON(resp)
}

func (s *Server) candles(c *fiber.Ctx) error {
	symbol := strings.ToUpper(c.Query("symbol", s.cfg.PrimarySymbol()))
	buf, ok := s.buffers[symbol]
	if !ok {
		return errJSON(c, fiber.StatusNotFound, "unknown_symbol", "no such instrument: "+symbol)
	}

	if interval := c.QueryInt("interval", 5); interval != 5 {
		return errJSON(c, fiber.StatusBadRequest, "bad_interval", "only 5-minute candles are served")
	}
	days := c.QueryInt("days", 1)
	if days < 1 || days > 30 {
		return errJSON(c, fiber.StatusBadRequest, "bad_days", "days must be between 1 and 30")
	}

	cutoff := time.Now().In(market.IST()).AddDate(0, 0, -days)
	all := buf.Snapshot()
	out := make([]candlePoint, 0, len(all))
	for _, cd := range all {
		if cd.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, candlePoint{
			Time:   cd.Timestamp.Unix(),
			Open:   cd.Open,
			High:   cd.High,
			Low:    cd.Low,
			Close:  cd.Close,
			Volume: cd.Volume,
		})
	}

	return c.JSON(fiber.Map{
		"symbol":     symbol,
		"interval":   5,
		"candles":    out,
		"last_price": buf.LastPrice(),
	})
}

func (s *Server) levels(c *fiber.Ctx) error {
	symbol := strings.ToUpper(c.Query("symbol", s.cfg.PrimarySymbol()))
	if _, ok := s.cfg.Instrument(symbol); !ok {
		return errJSON(c, fiber.StatusNotFound, "unknown_symbol", "no such instrument: "+symbol)
	}

	resp := fiber.Map{
		"symbol":          symbol,
		"action":          string(types.ActionWait),
		"position_status": "",
	}

	if res, ok := s.state.LastResult(symbol); ok {
		resp["action"] = string(res.Action)
		if res.Reason != "" {
			resp["reason"] = res.Reason
		}
		if res.Condition != "" {
			resp["condition"] = string(res.Condition)
		}
		if res.Quality != "" {
			resp["quality"] = string(res.Quality)
		}
		if res.Plan != nil {
			resp["plan"] = res.Plan
		}
	} else {
		resp["reason"] = "no evaluation yet"
	}

	now := time.Now()
	if pos, ok := s.state.Active(symbol); ok && !pos.Expired(now) {
		resp["position_status"] = pos.Status
		resp["valid_until"] = pos.ValidUntil.Unix()
	}

	if thr := s.state.Threshold(symbol); thr > 0 {
		resp["confidence_threshold"] = thr
	}
	resp["daily_pl"] = s.state.DailyPL()

	if ms, err := s.repo.LatestMarketStructure(symbol); err == nil {
		resp["levels"] = types.LevelSet{
			Symbol:     symbol,
			Pivot:      ms.Pivot,
			TC:         ms.TC,
			BC:         ms.BC,
			VWAP:       ms.VWAP,
			Resistance: ms.Resistance,
			Support:    ms.Support,
			PrevHigh:   ms.PrevHigh,
			PrevLow:    ms.PrevLow,
			PrevClose:  ms.PrevClose,
		}
	}

	return c.JSON(resp)
}

func (s *Server) stats(c *fiber.Ctx) error {
	days := c.QueryInt("days", 30)
	if days < 1 || days > 365 {
		return errJSON(c, fiber.StatusBadRequest, "bad_days", "days must be between 1 and 365")
	}

	st, err := s.repo.Stats(days)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, "storage", err.Error())
	}
	return c.JSON(st)
}

// stream serves /ws/stream?symbol=. Writes are owned by the hub's write
// loop; this goroutine only watches for the client going away.
func (s *Server) stream(c *websocket.Conn) {
	symbol := strings.ToUpper(c.Query("symbol", s.cfg.PrimarySymbol()))
	if _, ok := s.cfg.Instrument(symbol); !ok {
		c.WriteMessage(websocket.TextMessage, []byte(`{"error":{"kind":"unknown_symbol","message":"no such instrument: `+symbol+`"}}`))
		c.Close()
		return
	}

	sub := s.hub.Subscribe(symbol, c)
	defer func() {
		s.hub.Unsubscribe(sub)
		c.Close()
		log.Debug().Str("symbol", symbol).Msg("📡 Stream subscriber left")
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}
