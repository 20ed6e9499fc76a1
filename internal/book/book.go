// Package book maintains a two-sided limit order book keyed by tick index.
package book

import (
	"sort"
	"sync"

	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

// Quote is one price level update on a single side.
type Quote struct {
	Tick int64
	Qty  float64
}

// Row is one occupied ladder level. A zero quantity means the side is empty
// at that tick.
type Row struct {
	Tick   int64
	BidQty float64
	AskQty float64
}

type level struct {
	bid float64
	ask float64
}

// Book is a tick-indexed order book. All methods are safe for concurrent
// use; each takes the internal lock for the duration of the call only, so
// callers never hold it across I/O.
type Book struct {
	mu    sync.Mutex
	codec *tick.Codec

	levels   map[int64]*level
	bidCount int
	askCount int

	bestBid int64
	bestAsk int64
	haveBid bool
	haveAsk bool

	manualCenter int64
	haveManual   bool
}

// New creates an empty book for the instrument described by codec.
func New(codec *tick.Codec) *Book {
	return &Book{
		codec:  codec,
		levels: make(map[int64]*level),
	}
}

// Codec returns the price/tick codec the book was built with.
func (b *Book) Codec() *tick.Codec { return b.codec }

// TickSize returns the instrument tick size.
func (b *Book) TickSize() float64 { return b.codec.TickSize() }

// LoadSnapshot replaces the full book contents. Zero-quantity entries are
// skipped. A manual center survives the reload so a resync does not disturb
// the viewer's scroll position.
func (b *Book) LoadSnapshot(bids, asks []Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.levels = make(map[int64]*level, len(bids)+len(asks))
	b.bidCount, b.askCount = 0, 0
	b.haveBid, b.haveAsk = false, false

	for _, q := range bids {
		if q.Qty > 0 {
			b.setLocked(q.Tick, q.Qty, true)
		}
	}
	for _, q := range asks {
		if q.Qty > 0 {
			b.setLocked(q.Tick, q.Qty, false)
		}
	}
}

// ApplyDelta applies incremental updates to both sides. A non-positive
// quantity removes the level on that side. capacity bounds the number of
// levels kept per side; when exceeded, levels farthest from the touch are
// evicted, never the best.
func (b *Book) ApplyDelta(bids, asks []Quote, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range bids {
		if q.Qty > 0 {
			b.setLocked(q.Tick, q.Qty, true)
		} else {
			b.clearLocked(q.Tick, true)
		}
	}
	for _, q := range asks {
		if q.Qty > 0 {
			b.setLocked(q.Tick, q.Qty, false)
		} else {
			b.clearLocked(q.Tick, false)
		}
	}

	if capacity > 0 {
		b.evictLocked(capacity)
	}
}

// BestBid returns the best bid price, or ok=false when the side is empty.
func (b *Book) BestBid() (price float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveBid {
		return 0, false
	}
	return b.codec.Price(b.bestBid), true
}

// BestAsk returns the best ask price, or ok=false when the side is empty.
func (b *Book) BestAsk() (price float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveAsk {
		return 0, false
	}
	return b.codec.Price(b.bestAsk), true
}

// Depth returns the number of occupied levels per side.
func (b *Book) Depth() (bids, asks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bidCount, b.askCount
}

// ShiftCenter moves the ladder window by delta ticks, switching the book to
// manual centering if it was following the mid price.
func (b *Book) ShiftCenter(delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveManual {
		b.manualCenter = b.centerLocked()
		b.haveManual = true
	}
	b.manualCenter += delta
}

// AutoCenter returns the ladder window to mid-price tracking.
func (b *Book) AutoCenter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.haveManual = false
}

// Ladder extracts the occupied levels inside a window of levelsPerSide ticks
// around the current center, sorted by ascending tick. The window bounds are
// returned even when no level falls inside them.
func (b *Book) Ladder(levelsPerSide int) (rows []Row, minTick, maxTick, center int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	center = b.centerLocked()
	minTick = center - int64(levelsPerSide)
	maxTick = center + int64(levelsPerSide)

	for t := minTick; t <= maxTick; t++ {
		if lv, ok := b.levels[t]; ok {
			rows = append(rows, Row{Tick: t, BidQty: lv.bid, AskQty: lv.ask})
		}
	}
	return rows, minTick, maxTick, center
}

func (b *Book) centerLocked() int64 {
	switch {
	case b.haveManual:
		return b.manualCenter
	case b.haveBid && b.haveAsk:
		return (b.bestBid + b.bestAsk) / 2
	case b.haveBid:
		return b.bestBid
	case b.haveAsk:
		return b.bestAsk
	default:
		return 0
	}
}

func (b *Book) setLocked(t int64, qty float64, isBid bool) {
	lv, ok := b.levels[t]
	if !ok {
		lv = &level{}
		b.levels[t] = lv
	}
	if isBid {
		if lv.bid <= 0 {
			b.bidCount++
		}
		lv.bid = qty
		if !b.haveBid || t > b.bestBid {
			b.bestBid = t
			b.haveBid = true
		}
	} else {
		if lv.ask <= 0 {
			b.askCount++
		}
		lv.ask = qty
		if !b.haveAsk || t < b.bestAsk {
			b.bestAsk = t
			b.haveAsk = true
		}
	}
}

func (b *Book) clearLocked(t int64, isBid bool) {
	lv, ok := b.levels[t]
	if !ok {
		return
	}
	if isBid {
		if lv.bid > 0 {
			b.bidCount--
		}
		lv.bid = 0
	} else {
		if lv.ask > 0 {
			b.askCount--
		}
		lv.ask = 0
	}
	if lv.bid <= 0 && lv.ask <= 0 {
		delete(b.levels, t)
	}
	if isBid && b.haveBid && t == b.bestBid {
		b.recomputeBestBidLocked()
	}
	if !isBid && b.haveAsk && t == b.bestAsk {
		b.recomputeBestAskLocked()
	}
}

func (b *Book) recomputeBestBidLocked() {
	b.haveBid = false
	for t, lv := range b.levels {
		if lv.bid > 0 && (!b.haveBid || t > b.bestBid) {
			b.bestBid = t
			b.haveBid = true
		}
	}
}

func (b *Book) recomputeBestAskLocked() {
	b.haveAsk = false
	for t, lv := range b.levels {
		if lv.ask > 0 && (!b.haveAsk || t < b.bestAsk) {
			b.bestAsk = t
			b.haveAsk = true
		}
	}
}

// evictLocked trims each side to capacity levels, dropping the levels
// farthest from the touch first. The best level on each side is never
// evicted.
func (b *Book) evictLocked(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if b.bidCount > capacity {
		ticks := b.sideTicksLocked(true)
		sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
		// lowest bids are farthest from the best bid
		for _, t := range ticks[:b.bidCount-capacity] {
			if t == b.bestBid {
				continue
			}
			b.clearLocked(t, true)
		}
	}
	if b.askCount > capacity {
		ticks := b.sideTicksLocked(false)
		sort.Slice(ticks, func(i, j int) bool { return ticks[i] > ticks[j] })
		// highest asks are farthest from the best ask
		for _, t := range ticks[:b.askCount-capacity] {
			if t == b.bestAsk {
				continue
			}
			b.clearLocked(t, false)
		}
	}
}

func (b *Book) sideTicksLocked(isBid bool) []int64 {
	var out []int64
	for t, lv := range b.levels {
		if (isBid && lv.bid > 0) || (!isBid && lv.ask > 0) {
			out = append(out, t)
		}
	}
	return out
}
