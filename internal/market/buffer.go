package market

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AK47-U/Nifty-OB/types"
)

// BarSeconds is the candle granularity. All bar timestamps are multiples
// of this, which holds in IST as well since the +05:30 offset is itself
// a multiple of 300 seconds.
const BarSeconds = 300

// MinimumDepth is the smallest buffer capacity accepted, five trading
// days of 5-minute bars.
const MinimumDepth = 376

var (
	istOnce sync.Once
	istLoc  *time.Location
)

// IST returns the Asia/Kolkata location, falling back to a fixed +05:30
// zone when the tz database is unavailable.
func IST() *time.Location {
	istOnce.Do(func() {
		loc, err := time.LoadLocation("Asia/Kolkata")
		if err != nil {
			loc = time.FixedZone("IST", 5*3600+30*60)
		}
		istLoc = loc
	})
	return istLoc
}

// BarStart floors a timestamp to its bar boundary, expressed in IST.
func BarStart(t time.Time) time.Time {
	return time.Unix(t.Unix()/BarSeconds*BarSeconds, 0).In(IST())
}

// Buffer holds the most recent candles for one symbol. The last candle is
// the live one being aggregated from ticks; all earlier candles are
// sealed. Single writer (the feed), many readers.
type Buffer struct {
	mu       sync.RWMutex
	symbol   string
	capacity int
	sealed   []types.Candle
	live     *types.Candle

	lateDrops atomic.Uint64
}

// NewBuffer creates a buffer for symbol. Capacities below MinimumDepth
// are raised to it.
func NewBuffer(symbol string, capacity int) *Buffer {
	if capacity < MinimumDepth {
		capacity = MinimumDepth
	}
	return &Buffer{
		symbol:   symbol,
		capacity: capacity,
		sealed:   make([]types.Candle, 0, capacity),
	}
}

// Symbol returns the instrument this buffer tracks
func (b *Buffer) Symbol() string {
	return b.symbol
}

// Seed loads historical candles, replacing current contents. Candles are
// sorted by time and de-duplicated (last write wins). When the most
// recent candle belongs to the bar containing now, it becomes the live
// candle so ticks continue aggregating into it.
func (b *Buffer) Seed(candles []types.Candle, now time.Time) {
	sorted := make([]types.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	deduped := sorted[:0]
	for _, c := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(c.Timestamp) {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.live = nil
	if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(BarStart(now)) {
		last := deduped[n-1]
		b.live = &last
		deduped = deduped[:n-1]
	}

	if len(deduped) > b.capacity {
		deduped = deduped[len(deduped)-b.capacity:]
	}
	b.sealed = append(b.sealed[:0], deduped...)
}

// ApplyTick folds one tick into the live candle. A tick belonging to a
// later bar seals the live candle first and opens a new one; the sealed
// candle is returned. Bars skipped inside a session are bridged with
// flat candles so the window stays one bar per 300 s. Ticks older than
// the live bar are dropped.
func (b *Buffer) ApplyTick(tick types.Tick) (sealed *types.Candle, applied bool) {
	barStart := BarStart(tick.Time)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.live == nil {
		if n := len(b.sealed); n > 0 {
			b.bridgeGap(b.sealed[n-1], barStart)
		}
		b.live = &types.Candle{
			Timestamp: barStart,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    1,
		}
		return nil, true
	}

	switch {
	case barStart.Equal(b.live.Timestamp):
		if tick.Price > b.live.High {
			b.live.High = tick.Price
		}
		if tick.Price < b.live.Low {
			b.live.Low = tick.Price
		}
		b.live.Close = tick.Price
		b.live.Volume++
		return nil, true

	case barStart.After(b.live.Timestamp):
		done := *b.live
		b.appendSealed(done)
		b.bridgeGap(done, barStart)
		b.live = &types.Candle{
			Timestamp: barStart,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    1,
		}
		return &done, true

	default:
		// Late tick from a bar already sealed
		b.lateDrops.Add(1)
		return nil, false
	}
}

// bridgeGap fills bars skipped between a sealed candle and the next bar
// start with flat zero-volume candles at the last close. A gap crossing
// an IST calendar day is a session boundary, not an outage, and stays
// unfilled.
func (b *Buffer) bridgeGap(last types.Candle, next time.Time) {
	if !sameSessionDay(last.Timestamp, next) {
		return
	}
	for t := last.Timestamp.Add(BarSeconds * time.Second); t.Before(next); t = t.Add(BarSeconds * time.Second) {
		b.appendSealed(types.Candle{
			Timestamp: t,
			Open:      last.Close,
			High:      last.Close,
			Low:       last.Close,
			Close:     last.Close,
		})
	}
}

func sameSessionDay(a, b time.Time) bool {
	ay, am, ad := a.In(IST()).Date()
	by, bm, bd := b.In(IST()).Date()
	return ay == by && am == bm && ad == bd
}

func (b *Buffer) appendSealed(c types.Candle) {
	b.sealed = append(b.sealed, c)
	if len(b.sealed) > b.capacity {
		b.sealed = b.sealed[len(b.sealed)-b.capacity:]
	}
}

// Snapshot copies the full sequence, live candle last. Safe to use while
// aggregation continues.
func (b *Buffer) Snapshot() []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Candle, len(b.sealed), len(b.sealed)+1)
	copy(out, b.sealed)
	if b.live != nil {
		out = append(out, *b.live)
	}
	return out
}

// Last returns up to n most recent candles, live candle last
func (b *Buffer) Last(n int) []types.Candle {
	all := b.Snapshot()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// LastPrice returns the most recent traded price, 0 when empty
func (b *Buffer) LastPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.live != nil {
		return b.live.Close
	}
	if n := len(b.sealed); n > 0 {
		return b.sealed[n-1].Close
	}
	return 0
}

// Len returns the total number of candles including the live one
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.sealed)
	if b.live != nil {
		n++
	}
	return n
}

// LateDrops returns the count of ticks discarded for arriving after
// their bar was sealed
func (b *Buffer) LateDrops() uint64 {
	return b.lateDrops.Load()
}
