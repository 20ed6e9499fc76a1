package ladder

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

func newTestPublisher(t *testing.T, tickSize float64, queue int) (*Publisher, *book.Book) {
	t.Helper()
	c, err := tick.NewCodec(tickSize)
	if err != nil {
		t.Fatal(err)
	}
	bk := book.New(c)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher(bk, Config{Symbol: "BTCUSDT", Levels: 50, QueueSize: queue}, logger)
	return p, bk
}

func takeLine(t *testing.T, p *Publisher) Message {
	t.Helper()
	select {
	case line := <-p.Out():
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("bad line %s: %v", line, err)
		}
		return msg
	default:
		t.Fatal("no line queued")
		return Message{}
	}
}

func noLine(t *testing.T, p *Publisher) {
	t.Helper()
	select {
	case line := <-p.Out():
		t.Fatalf("unexpected line: %s", line)
	default:
	}
}

func TestFirstEmissionIsFull(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 16)

	bk.LoadSnapshot(
		[]book.Quote{{Tick: 100, Qty: 1}},
		[]book.Quote{{Tick: 101, Qty: 2}},
	)
	p.BookChanged()
	p.publishLadder()

	msg := takeLine(t, p)
	if msg.Type != TypeLadder || !msg.Sparse {
		t.Fatalf("type = %s sparse = %v", msg.Type, msg.Sparse)
	}
	if msg.Symbol != "BTCUSDT" || msg.TickSize != 1 {
		t.Errorf("envelope = %+v", msg)
	}
	if msg.BestBid != 100 || msg.BestAsk != 101 {
		t.Errorf("best = %v / %v", msg.BestBid, msg.BestAsk)
	}
	if len(msg.Rows) != 2 {
		t.Fatalf("rows = %+v", msg.Rows)
	}
	if msg.Rows[0].Tick != 100 || msg.Rows[0].Bid == nil || *msg.Rows[0].Bid != 1 || msg.Rows[0].Ask != nil {
		t.Errorf("row[0] = %+v", msg.Rows[0])
	}
	if msg.Rows[1].Tick != 101 || msg.Rows[1].Ask == nil || *msg.Rows[1].Ask != 2 {
		t.Errorf("row[1] = %+v", msg.Rows[1])
	}
}

func TestDeltaAfterBidMove(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 16)

	bk.LoadSnapshot(
		[]book.Quote{{Tick: 100, Qty: 1}},
		[]book.Quote{{Tick: 101, Qty: 2}},
	)
	p.BookChanged()
	p.publishLadder()
	takeLine(t, p)

	// bid walks down one level, ask untouched
	bk.ApplyDelta(
		[]book.Quote{{Tick: 100, Qty: 0}, {Tick: 99, Qty: 3}},
		nil, 0,
	)
	p.BookChanged()
	p.publishLadder()

	msg := takeLine(t, p)
	if msg.Type != TypeDelta {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg.BestBid != 99 || msg.BestAsk != 101 {
		t.Errorf("best = %v / %v", msg.BestBid, msg.BestAsk)
	}
	if len(msg.Updates) != 1 || msg.Updates[0].Tick != 99 ||
		msg.Updates[0].Bid == nil || *msg.Updates[0].Bid != 3 {
		t.Errorf("updates = %+v", msg.Updates)
	}
	if len(msg.Removals) != 1 || msg.Removals[0] != 100 {
		t.Errorf("removals = %+v", msg.Removals)
	}
	for _, u := range msg.Updates {
		if u.Tick == 101 {
			t.Error("unchanged ask row must be omitted")
		}
	}
}

func TestNoEmissionWhenClean(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 16)

	bk.LoadSnapshot([]book.Quote{{Tick: 100, Qty: 1}}, nil)
	p.publishLadder() // never marked dirty
	noLine(t, p)

	p.BookChanged()
	p.publishLadder()
	takeLine(t, p)

	// dirty but nothing actually changed: stay silent
	p.BookChanged()
	p.publishLadder()
	noLine(t, p)
}

func TestForceFullResendsEverything(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 16)

	bk.LoadSnapshot([]book.Quote{{Tick: 100, Qty: 1}}, []book.Quote{{Tick: 101, Qty: 2}})
	p.BookChanged()
	p.publishLadder()
	takeLine(t, p)

	p.ForceFull()
	p.publishLadder()

	msg := takeLine(t, p)
	if msg.Type != TypeLadder {
		t.Fatalf("type = %s, want full", msg.Type)
	}
	if len(msg.Rows) != 2 {
		t.Errorf("rows = %+v", msg.Rows)
	}
}

func TestClearedSideEmitsExplicitZero(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 16)

	bk.LoadSnapshot([]book.Quote{{Tick: 100, Qty: 1}}, []book.Quote{{Tick: 100, Qty: 2}})
	p.BookChanged()
	p.publishLadder()
	takeLine(t, p)

	// the ask side of a shared level goes away, the bid stays
	bk.ApplyDelta(nil, []book.Quote{{Tick: 100, Qty: 0}}, 0)
	p.BookChanged()
	p.publishLadder()

	msg := takeLine(t, p)
	if msg.Type != TypeDelta {
		t.Fatalf("type = %s", msg.Type)
	}
	if len(msg.Updates) != 1 {
		t.Fatalf("updates = %+v", msg.Updates)
	}
	u := msg.Updates[0]
	if u.Tick != 100 || u.Ask == nil || *u.Ask != 0 {
		t.Errorf("update = %+v, want explicit ask zero", u)
	}
	if u.Bid != nil {
		t.Errorf("unchanged bid side must be absent, got %v", *u.Bid)
	}
	if len(msg.Removals) != 0 {
		t.Errorf("removals = %+v", msg.Removals)
	}
}

func TestQueueOverflowCoalescesToFull(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 1)

	bk.LoadSnapshot([]book.Quote{{Tick: 100, Qty: 1}}, nil)
	p.BookChanged()
	p.publishLadder() // occupies the single slot

	bk.ApplyDelta([]book.Quote{{Tick: 99, Qty: 2}}, nil, 0)
	p.BookChanged()
	p.publishLadder() // dropped

	takeLine(t, p) // drain the full
	noLine(t, p)

	p.publishLadder()
	msg := takeLine(t, p)
	if msg.Type != TypeLadder {
		t.Fatalf("type after drop = %s, want coalesced full", msg.Type)
	}
}

func TestShiftEmitsWindowChange(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 16)

	bk.LoadSnapshot([]book.Quote{{Tick: 100, Qty: 1}}, []book.Quote{{Tick: 101, Qty: 2}})
	p.BookChanged()
	p.publishLadder()
	first := takeLine(t, p)

	if err := p.HandleCommand([]byte(`{"cmd":"shift","ticks":10}`)); err != nil {
		t.Fatal(err)
	}
	p.publishLadder()

	msg := takeLine(t, p)
	if msg.Type != TypeDelta {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg.CenterTick != first.CenterTick+10 {
		t.Errorf("center = %d, want %d", msg.CenterTick, first.CenterTick+10)
	}

	if err := p.HandleCommand([]byte(`{"cmd":"center_auto"}`)); err != nil {
		t.Fatal(err)
	}
	p.publishLadder()
	if msg := takeLine(t, p); msg.Type != TypeLadder {
		t.Errorf("center_auto must force a full, got %s", msg.Type)
	}

	if err := p.HandleCommand([]byte(`{"cmd":"spin"}`)); err == nil {
		t.Error("unknown command must error")
	}
	if err := p.HandleCommand([]byte(`not json`)); err == nil {
		t.Error("garbage control line must error")
	}
}

func TestTradeBatching(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 256)
	_ = bk

	p.OfferTrade(exchange.Trade{Price: 100, Qty: 1, Sell: true, Time: 1000})
	noLine(t, p) // below the batch threshold, waits for the window flush

	p.flushTrades()
	msg := takeLine(t, p)
	if msg.Type != TypeTrade || msg.Side != "sell" || msg.Price != 100 || msg.Tick != 100 {
		t.Errorf("single trade = %+v", msg)
	}

	for i := 0; i < p.cfg.TradeBatchMax; i++ {
		p.OfferTrade(exchange.Trade{Price: 100, Qty: 1, Time: int64(i)})
	}
	msg = takeLine(t, p)
	if msg.Type != TypeTrades || len(msg.Events) != p.cfg.TradeBatchMax {
		t.Fatalf("batch = %s with %d events", msg.Type, len(msg.Events))
	}
	if msg.Events[0].Side != "buy" {
		t.Errorf("side = %s", msg.Events[0].Side)
	}

	p.flushTrades() // nothing pending
	noLine(t, p)
}

func TestPerTradeMode(t *testing.T) {
	c, err := tick.NewCodec(0.5)
	if err != nil {
		t.Fatal(err)
	}
	bk := book.New(c)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher(bk, Config{Symbol: "ETHUSDT", PerTrade: true, QueueSize: 16}, logger)

	p.OfferTrade(exchange.Trade{Price: 2000.5, Qty: 3, Time: 42})
	msg := takeLine(t, p)
	if msg.Type != TypeTrade || msg.Tick != 4001 || msg.Qty != 3 || msg.Timestamp != 42 {
		t.Errorf("trade = %+v", msg)
	}
}

func TestHeartbeatCarriesBest(t *testing.T) {
	p, bk := newTestPublisher(t, 1, 16)

	bk.LoadSnapshot([]book.Quote{{Tick: 100, Qty: 1}}, []book.Quote{{Tick: 101, Qty: 2}})
	p.publishHeartbeat()

	msg := takeLine(t, p)
	if msg.Type != TypeHB || msg.BestBid != 100 || msg.BestAsk != 101 || msg.Symbol != "BTCUSDT" {
		t.Errorf("hb = %+v", msg)
	}
	if msg.Timestamp == 0 {
		t.Error("hb must carry a timestamp")
	}
}
