package book

import (
	"testing"

	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

func newTestBook(t *testing.T, tickSize float64) *Book {
	t.Helper()
	c, err := tick.NewCodec(tickSize)
	if err != nil {
		t.Fatal(err)
	}
	return New(c)
}

func TestSnapshotSkipsZeroLevels(t *testing.T) {
	b := newTestBook(t, 0.01)
	b.LoadSnapshot(
		[]Quote{{Tick: 100, Qty: 1.5}, {Tick: 99, Qty: 0}},
		[]Quote{{Tick: 101, Qty: 2.0}, {Tick: 102, Qty: 0}},
	)

	bids, asks := b.Depth()
	if bids != 1 || asks != 1 {
		t.Fatalf("Depth() = %d, %d; want 1, 1", bids, asks)
	}
	if p, ok := b.BestBid(); !ok || p != 1.00 {
		t.Errorf("BestBid() = %v, %v; want 1.00, true", p, ok)
	}
	if p, ok := b.BestAsk(); !ok || p != 1.01 {
		t.Errorf("BestAsk() = %v, %v; want 1.01, true", p, ok)
	}
}

func TestDeltaRemovesAndRetracts(t *testing.T) {
	b := newTestBook(t, 0.01)
	b.LoadSnapshot(
		[]Quote{{Tick: 100, Qty: 1}, {Tick: 99, Qty: 2}},
		[]Quote{{Tick: 101, Qty: 1}},
	)

	// best bid pulled: best must retract to 99
	b.ApplyDelta([]Quote{{Tick: 100, Qty: 0}}, nil, 0)
	if p, ok := b.BestBid(); !ok || p != 0.99 {
		t.Fatalf("BestBid() = %v, %v; want 0.99, true", p, ok)
	}

	// removing a level that does not exist is a no-op
	b.ApplyDelta([]Quote{{Tick: 42, Qty: 0}}, []Quote{{Tick: 4242, Qty: 0}}, 0)
	bids, asks := b.Depth()
	if bids != 1 || asks != 1 {
		t.Fatalf("Depth() = %d, %d; want 1, 1", bids, asks)
	}

	// empty side reports ok=false
	b.ApplyDelta(nil, []Quote{{Tick: 101, Qty: 0}}, 0)
	if _, ok := b.BestAsk(); ok {
		t.Error("BestAsk() ok = true on empty side")
	}
}

func TestBidAndAskShareATick(t *testing.T) {
	// crossed feeds can briefly quote both sides at one tick; the level must
	// hold both quantities independently
	b := newTestBook(t, 1)
	b.ApplyDelta([]Quote{{Tick: 100, Qty: 3}}, []Quote{{Tick: 100, Qty: 4}}, 0)

	rows, _, _, _ := b.Ladder(2)
	if len(rows) != 1 || rows[0].BidQty != 3 || rows[0].AskQty != 4 {
		t.Fatalf("rows = %+v; want one row with bid 3 ask 4", rows)
	}

	b.ApplyDelta([]Quote{{Tick: 100, Qty: 0}}, nil, 0)
	rows, _, _, _ = b.Ladder(2)
	if len(rows) != 1 || rows[0].BidQty != 0 || rows[0].AskQty != 4 {
		t.Fatalf("rows = %+v; want ask side to survive bid removal", rows)
	}
}

func TestCapacityEvictionKeepsNearestToTouch(t *testing.T) {
	b := newTestBook(t, 1)

	var bids, asks []Quote
	for i := int64(1); i <= 10; i++ {
		bids = append(bids, Quote{Tick: 100 - i, Qty: 1})
		asks = append(asks, Quote{Tick: 100 + i, Qty: 1})
	}
	b.ApplyDelta(bids, asks, 4)

	nb, na := b.Depth()
	if nb != 4 || na != 4 {
		t.Fatalf("Depth() = %d, %d; want 4, 4", nb, na)
	}

	rows, _, _, _ := b.Ladder(20)
	for _, r := range rows {
		if r.BidQty > 0 && r.Tick < 96 {
			t.Errorf("bid at tick %d survived eviction", r.Tick)
		}
		if r.AskQty > 0 && r.Tick > 104 {
			t.Errorf("ask at tick %d survived eviction", r.Tick)
		}
	}
	if p, ok := b.BestBid(); !ok || p != 99 {
		t.Errorf("BestBid() = %v, %v; want 99, true", p, ok)
	}
	if p, ok := b.BestAsk(); !ok || p != 101 {
		t.Errorf("BestAsk() = %v, %v; want 101, true", p, ok)
	}
}

func TestLadderWindowAndCenter(t *testing.T) {
	b := newTestBook(t, 1)
	b.LoadSnapshot(
		[]Quote{{Tick: 98, Qty: 1}, {Tick: 50, Qty: 5}},
		[]Quote{{Tick: 102, Qty: 1}, {Tick: 150, Qty: 5}},
	)

	rows, minTick, maxTick, center := b.Ladder(10)
	if center != 100 {
		t.Fatalf("center = %d, want 100 (mid of 98/102)", center)
	}
	if minTick != 90 || maxTick != 110 {
		t.Fatalf("window = [%d, %d], want [90, 110]", minTick, maxTick)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v; far levels must stay outside the window", rows)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Tick <= rows[i-1].Tick {
			t.Fatal("rows not sorted ascending by tick")
		}
	}
}

func TestManualCenterShiftAndAuto(t *testing.T) {
	b := newTestBook(t, 1)
	b.LoadSnapshot([]Quote{{Tick: 99, Qty: 1}}, []Quote{{Tick: 101, Qty: 1}})

	b.ShiftCenter(25)
	_, _, _, center := b.Ladder(5)
	if center != 125 {
		t.Fatalf("center = %d, want 125", center)
	}

	// manual center ignores book movement
	b.ApplyDelta([]Quote{{Tick: 199, Qty: 1}}, []Quote{{Tick: 201, Qty: 1}}, 0)
	b.ApplyDelta([]Quote{{Tick: 99, Qty: 0}}, []Quote{{Tick: 101, Qty: 0}}, 0)
	_, _, _, center = b.Ladder(5)
	if center != 125 {
		t.Fatalf("center = %d, want 125 after book moved", center)
	}

	// and survives a snapshot reload
	b.LoadSnapshot([]Quote{{Tick: 210, Qty: 1}}, []Quote{{Tick: 212, Qty: 1}})
	_, _, _, center = b.Ladder(5)
	if center != 125 {
		t.Fatalf("center = %d, want 125 after snapshot", center)
	}

	b.AutoCenter()
	_, _, _, center = b.Ladder(5)
	if center != 211 {
		t.Fatalf("center = %d, want 211 after auto", center)
	}
}

func TestCenterFallbacks(t *testing.T) {
	b := newTestBook(t, 1)
	if _, _, _, center := b.Ladder(5); center != 0 {
		t.Errorf("empty book center = %d, want 0", center)
	}
	b.ApplyDelta([]Quote{{Tick: 70, Qty: 1}}, nil, 0)
	if _, _, _, center := b.Ladder(5); center != 70 {
		t.Errorf("bid-only center = %d, want 70", center)
	}
	b.ApplyDelta([]Quote{{Tick: 70, Qty: 0}}, []Quote{{Tick: 90, Qty: 1}}, 0)
	if _, _, _, center := b.Ladder(5); center != 90 {
		t.Errorf("ask-only center = %d, want 90", center)
	}
}
