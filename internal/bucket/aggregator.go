// Package bucket re-aggregates the ladder stream into coarser price buckets
// for zoomed-out rendering. It keeps a raw tick replica alongside the bucket
// aggregate so changing the compression factor is a local rebuild, and it is
// the last line of defense against a crossed book: impossible liquidity is
// zeroed, and an irreparable aggregate is cleared with a resync request.
package bucket

import (
	"math"
	"sort"
	"sync"

	"github.com/qlandys/FusionTerminal-sub000/internal/ladder"
)

const (
	// quantities accumulate as signed deltas; below this a side counts as empty
	epsilon = 1e-9

	// beyond this many dirty buckets per cycle, redraw everything instead
	dirtyCap = 4096
)

type level struct {
	bid float64
	ask float64
}

// Row is one aggregated bucket, sorted output of Rows.
type Row struct {
	Bucket int64
	BidQty float64
	AskQty float64
}

// Aggregator consumes ladder and ladder_delta messages. Not safe for
// concurrent use from multiple goroutines without external locking of the
// message feed; internal state is still mutex-guarded so render-side reads
// can overlap the feed.
type Aggregator struct {
	mu          sync.Mutex
	compression int64
	raw         map[int64]level // tick -> quantities
	buckets     map[int64]level // bucket tick -> aggregate
	dirty       map[int64]struct{}
	allDirty    bool
	minTick     int64
	maxTick     int64
	haveWindow  bool
	resyncWant  bool
}

func New(compression int64) *Aggregator {
	if compression < 1 {
		compression = 1
	}
	return &Aggregator{
		compression: compression,
		raw:         make(map[int64]level),
		buckets:     make(map[int64]level),
		dirty:       make(map[int64]struct{}),
	}
}

// Compression returns the current ticks-per-bucket factor.
func (a *Aggregator) Compression() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compression
}

// SetCompression rebuilds the aggregate at a new zoom factor. The raw
// replica is authoritative, so no resync is needed.
func (a *Aggregator) SetCompression(c int64) {
	if c < 1 {
		c = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c == a.compression {
		return
	}
	a.compression = c
	a.rebuildLocked()
}

// Apply consumes one wire message. Trade and heartbeat lines are ignored.
func (a *Aggregator) Apply(msg ladder.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch msg.Type {
	case ladder.TypeLadder:
		a.raw = make(map[int64]level, len(msg.Rows))
		a.buckets = make(map[int64]level)
		for _, r := range msg.Rows {
			bid, ask := 0.0, 0.0
			if r.Bid != nil {
				bid = *r.Bid
			}
			if r.Ask != nil {
				ask = *r.Ask
			}
			a.setRawLocked(r.Tick, bid, ask)
		}
		a.minTick, a.maxTick = msg.WindowMinTick, msg.WindowMaxTick
		a.haveWindow = true
		a.markAllDirtyLocked()
		a.sanitizeLocked()

	case ladder.TypeDelta:
		for _, r := range msg.Updates {
			old := a.raw[r.Tick]
			bid, ask := old.bid, old.ask
			if r.Bid != nil {
				bid = *r.Bid
			}
			if r.Ask != nil {
				ask = *r.Ask
			}
			a.setRawLocked(r.Tick, bid, ask)
		}
		for _, t := range msg.Removals {
			a.setRawLocked(t, 0, 0)
		}
		if msg.WindowMinTick != a.minTick || msg.WindowMaxTick != a.maxTick || !a.haveWindow {
			a.minTick, a.maxTick = msg.WindowMinTick, msg.WindowMaxTick
			a.haveWindow = true
			a.evictOutsideWindowLocked()
		}
		a.sanitizeLocked()
	}
}

// ConsumeDirty returns the buckets touched since the previous call and
// resets the set. all=true means the whole aggregate should be redrawn.
func (a *Aggregator) ConsumeDirty() (ticks []int64, all bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allDirty {
		a.allDirty = false
		a.dirty = make(map[int64]struct{})
		return nil, true
	}
	ticks = make([]int64, 0, len(a.dirty))
	for t := range a.dirty {
		ticks = append(ticks, t)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	a.dirty = make(map[int64]struct{})
	return ticks, false
}

// NeedsResync reports whether a force_full should be sent upstream, clearing
// the flag.
func (a *Aggregator) NeedsResync() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := a.resyncWant
	a.resyncWant = false
	return want
}

// Rows returns the aggregate sorted by bucket tick.
func (a *Aggregator) Rows() []Row {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Row, 0, len(a.buckets))
	for t, l := range a.buckets {
		out = append(out, Row{Bucket: t, BidQty: l.bid, AskQty: l.ask})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// BestBuckets returns the touch buckets; ok is false for an empty side.
func (a *Aggregator) BestBuckets() (bid, ask int64, bidOK, askOK bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bestLocked()
}

func (a *Aggregator) bestLocked() (bid, ask int64, bidOK, askOK bool) {
	bid, ask = math.MinInt64, math.MaxInt64
	for t, l := range a.buckets {
		if l.bid > epsilon && t > bid {
			bid, bidOK = t, true
		}
		if l.ask > epsilon && t < ask {
			ask, askOK = t, true
		}
	}
	return bid, ask, bidOK, askOK
}

// setRawLocked replaces the quantities at one tick and routes the signed
// differences into the affected buckets: bids bucket by floor, asks by ceil,
// so compression can widen the spread but never narrow it.
func (a *Aggregator) setRawLocked(t int64, bid, ask float64) {
	old := a.raw[t]
	if bid < 0 {
		bid = 0
	}
	if ask < 0 {
		ask = 0
	}
	if bid <= epsilon && ask <= epsilon {
		delete(a.raw, t)
	} else {
		a.raw[t] = level{bid: bid, ask: ask}
	}

	if d := bid - old.bid; d != 0 {
		a.bumpBucketLocked(floorBucket(t, a.compression), d, 0)
	}
	if d := ask - old.ask; d != 0 {
		a.bumpBucketLocked(ceilBucket(t, a.compression), 0, d)
	}
}

func (a *Aggregator) bumpBucketLocked(bt int64, dBid, dAsk float64) {
	l := a.buckets[bt]
	l.bid += dBid
	l.ask += dAsk
	if l.bid < epsilon {
		l.bid = 0
	}
	if l.ask < epsilon {
		l.ask = 0
	}
	if l.bid == 0 && l.ask == 0 {
		delete(a.buckets, bt)
	} else {
		a.buckets[bt] = l
	}
	a.markDirtyLocked(bt)
}

func (a *Aggregator) markDirtyLocked(bt int64) {
	if a.allDirty {
		return
	}
	a.dirty[bt] = struct{}{}
	if len(a.dirty) > dirtyCap {
		a.markAllDirtyLocked()
	}
}

func (a *Aggregator) markAllDirtyLocked() {
	a.allDirty = true
	a.dirty = make(map[int64]struct{})
}

func (a *Aggregator) rebuildLocked() {
	a.buckets = make(map[int64]level)
	for t, l := range a.raw {
		if l.bid > 0 {
			b := a.buckets[floorBucket(t, a.compression)]
			b.bid += l.bid
			a.buckets[floorBucket(t, a.compression)] = b
		}
		if l.ask > 0 {
			b := a.buckets[ceilBucket(t, a.compression)]
			b.ask += l.ask
			a.buckets[ceilBucket(t, a.compression)] = b
		}
	}
	a.markAllDirtyLocked()
	a.sanitizeLocked()
}

func (a *Aggregator) evictOutsideWindowLocked() {
	for t := range a.raw {
		if t < a.minTick || t > a.maxTick {
			a.setRawLocked(t, 0, 0)
		}
	}
}

// sanitizeLocked repairs a crossed aggregate. Bid liquidity at or above the
// best ask bucket and ask liquidity at or below the best bid bucket cannot
// both be real; zero the impossible mass. A locked spread (equal buckets) is
// a legal consequence of floor/ceil bucketing and is left alone. If the
// touch is still inverted afterwards the aggregate is beyond local repair:
// clear it and ask upstream for a full.
func (a *Aggregator) sanitizeLocked() {
	bidB, askB, bidOK, askOK := a.bestLocked()
	if !bidOK || !askOK || bidB <= askB {
		return
	}

	for t, l := range a.buckets {
		changed := false
		if l.bid > 0 && t >= askB {
			l.bid = 0
			changed = true
		}
		if l.ask > 0 && t <= bidB {
			l.ask = 0
			changed = true
		}
		if !changed {
			continue
		}
		if l.bid == 0 && l.ask == 0 {
			delete(a.buckets, t)
		} else {
			a.buckets[t] = l
		}
		a.markDirtyLocked(t)
	}

	bidB, askB, bidOK, askOK = a.bestLocked()
	if bidOK && askOK && bidB > askB {
		a.raw = make(map[int64]level)
		a.buckets = make(map[int64]level)
		a.markAllDirtyLocked()
		a.resyncWant = true
	}
}

// floorBucket and ceilBucket snap a tick onto the bucket grid with
// arithmetic that stays correct for negative ticks.
func floorBucket(t, c int64) int64 {
	q := t / c
	if t%c != 0 && t < 0 {
		q--
	}
	return q * c
}

func ceilBucket(t, c int64) int64 {
	q := t / c
	if t%c != 0 && t > 0 {
		q++
	}
	return q * c
}
