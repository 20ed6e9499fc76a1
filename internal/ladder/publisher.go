package ladder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
	"github.com/qlandys/FusionTerminal-sub000/internal/infra"
)

// Config tunes the publisher cadence and batching.
type Config struct {
	Symbol           string
	Levels           int           // window half-width in price levels
	Throttle         time.Duration // minimum spacing between ladder emissions
	TradeBatchMax    int
	TradeBatchWindow time.Duration
	Heartbeat        time.Duration
	QueueSize        int
	PerTrade         bool // one message per print instead of batching
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Levels <= 0 {
		out.Levels = 120
	}
	if out.Throttle <= 0 {
		out.Throttle = 50 * time.Millisecond
	}
	if out.TradeBatchMax <= 0 {
		out.TradeBatchMax = 64
	}
	if out.TradeBatchWindow <= 0 {
		out.TradeBatchWindow = 16 * time.Millisecond
	}
	if out.Heartbeat <= 0 {
		out.Heartbeat = 5 * time.Second
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	return out
}

// Publisher serializes the book window onto a bounded line channel. It is the
// sink for both book-change notifications and normalized trades; emission
// happens on its own timers, never on the adapter goroutine.
type Publisher struct {
	cfg    Config
	book   *book.Book
	logger *slog.Logger
	out    chan []byte

	mu         sync.Mutex
	dirty      bool
	forceFull  bool
	sent       bool
	prev       []book.Row
	prevMin    int64
	prevMax    int64
	prevCenter int64

	tradeMu sync.Mutex
	pending []TradeEvent
}

var (
	_ exchange.BookSink  = (*Publisher)(nil)
	_ exchange.TradeSink = (*Publisher)(nil)
)

func NewPublisher(bk *book.Book, cfg Config, logger *slog.Logger) *Publisher {
	c := cfg.withDefaults()
	return &Publisher{
		cfg:    c,
		book:   bk,
		logger: logger.With("component", "ladder"),
		out:    make(chan []byte, c.QueueSize),
	}
}

// Out is the encoded line stream. Lines carry no trailing newline; the
// channel is never closed, consumers stop on their own context.
func (p *Publisher) Out() <-chan []byte { return p.out }

// BookChanged marks the window dirty; the next throttle tick emits.
func (p *Publisher) BookChanged() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// ForceFull makes the next emission a full ladder.
func (p *Publisher) ForceFull() {
	p.mu.Lock()
	p.forceFull = true
	p.dirty = true
	p.mu.Unlock()
}

// OfferTrade queues one print for the next batch flush, or emits it
// immediately in per-trade mode.
func (p *Publisher) OfferTrade(t exchange.Trade) {
	side := "buy"
	if t.Sell {
		side = "sell"
	}
	ev := TradeEvent{
		Tick:      p.book.Codec().TickFromPrice(t.Price),
		Price:     t.Price,
		Qty:       t.Qty,
		Side:      side,
		Timestamp: t.Time,
	}

	if p.cfg.PerTrade {
		p.emitTrades([]TradeEvent{ev})
		return
	}

	p.tradeMu.Lock()
	p.pending = append(p.pending, ev)
	var flush []TradeEvent
	if len(p.pending) >= p.cfg.TradeBatchMax {
		flush = p.pending
		p.pending = nil
	}
	p.tradeMu.Unlock()

	if flush != nil {
		p.emitTrades(flush)
	}
}

// HandleCommand applies one inbound control line.
func (p *Publisher) HandleCommand(line []byte) error {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return fmt.Errorf("control line: %w", err)
	}
	switch cmd.Cmd {
	case CmdShift:
		p.book.ShiftCenter(cmd.Ticks)
		p.BookChanged()
	case CmdCenterAuto:
		p.book.AutoCenter()
		p.ForceFull()
	case CmdForceFull:
		p.ForceFull()
	default:
		return fmt.Errorf("unknown command %q", cmd.Cmd)
	}
	return nil
}

// PublishNow emits the pending ladder immediately, bypassing the throttle.
func (p *Publisher) PublishNow() { p.publishLadder() }

// Run drives the emission timers until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	throttle := time.NewTicker(p.cfg.Throttle)
	defer throttle.Stop()
	trades := time.NewTicker(p.cfg.TradeBatchWindow)
	defer trades.Stop()
	heartbeat := time.NewTicker(p.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-throttle.C:
			p.publishLadder()
		case <-trades.C:
			p.flushTrades()
		case <-heartbeat.C:
			p.publishHeartbeat()
		}
	}
}

func (p *Publisher) publishLadder() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}

	rows, minTick, maxTick, center := p.book.Ladder(p.cfg.Levels)
	bestBid, _ := p.book.BestBid()
	bestAsk, _ := p.book.BestAsk()

	msg := ladderMsg{
		Sparse:        true,
		Symbol:        p.cfg.Symbol,
		Timestamp:     time.Now().UnixMilli(),
		BestBid:       bestBid,
		BestAsk:       bestAsk,
		TickSize:      p.book.TickSize(),
		WindowMinTick: minTick,
		WindowMaxTick: maxTick,
		CenterTick:    center,
	}

	if !p.sent || p.forceFull {
		msg.Type = TypeLadder
		msg.Rows = fullRows(rows)
	} else {
		updates, removals := diffRows(p.prev, rows)
		windowChanged := minTick != p.prevMin || maxTick != p.prevMax || center != p.prevCenter
		if len(updates) == 0 && len(removals) == 0 && !windowChanged {
			p.dirty = false
			p.prev = rows
			p.mu.Unlock()
			return
		}
		msg.Type = TypeDelta
		msg.Updates = updates
		msg.Removals = removals
	}

	p.prev = rows
	p.prevMin, p.prevMax, p.prevCenter = minTick, maxTick, center
	p.dirty = false
	p.forceFull = false
	p.sent = true
	p.mu.Unlock()

	p.send(msg.Type, msg)
}

func (p *Publisher) publishHeartbeat() {
	bestBid, _ := p.book.BestBid()
	bestAsk, _ := p.book.BestAsk()
	p.send(TypeHB, hbMsg{
		Type:      TypeHB,
		Symbol:    p.cfg.Symbol,
		Timestamp: time.Now().UnixMilli(),
		BestBid:   bestBid,
		BestAsk:   bestAsk,
	})
}

func (p *Publisher) flushTrades() {
	p.tradeMu.Lock()
	flush := p.pending
	p.pending = nil
	p.tradeMu.Unlock()

	if len(flush) > 0 {
		p.emitTrades(flush)
	}
}

func (p *Publisher) emitTrades(events []TradeEvent) {
	if len(events) == 1 {
		p.send(TypeTrade, tradeMsg{Type: TypeTrade, Symbol: p.cfg.Symbol, TradeEvent: events[0]})
		return
	}
	p.send(TypeTrades, tradesMsg{Type: TypeTrades, Symbol: p.cfg.Symbol, Events: events})
}

// send encodes and enqueues one line without blocking. A dropped ladder
// message leaves the consumer behind, so the next emission is coalesced into
// a forced full.
func (p *Publisher) send(typ string, msg any) {
	line, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("encode failed", "type", typ, "error", err)
		return
	}
	select {
	case p.out <- line:
		infra.LadderMessagesTotal.WithLabelValues(typ).Inc()
	default:
		infra.PublishDropsTotal.Inc()
		if typ == TypeLadder || typ == TypeDelta {
			p.ForceFull()
		}
		p.logger.Warn("publish queue full, dropping message", "type", typ)
	}
}

func fullRows(rows []book.Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, sparseRow(r))
	}
	return out
}

func sparseRow(r book.Row) Row {
	w := Row{Tick: r.Tick}
	if r.BidQty > 0 {
		w.Bid = qty(r.BidQty)
	}
	if r.AskQty > 0 {
		w.Ask = qty(r.AskQty)
	}
	return w
}

// diffRows merges two tick-sorted row sets. Rows present only in prev become
// removals; new or changed rows become updates carrying only the sides that
// differ.
func diffRows(prev, cur []book.Row) (updates []Row, removals []int64) {
	i, j := 0, 0
	for i < len(prev) || j < len(cur) {
		switch {
		case j == len(cur) || (i < len(prev) && prev[i].Tick < cur[j].Tick):
			removals = append(removals, prev[i].Tick)
			i++
		case i == len(prev) || cur[j].Tick < prev[i].Tick:
			updates = append(updates, sparseRow(cur[j]))
			j++
		default:
			if prev[i].BidQty != cur[j].BidQty || prev[i].AskQty != cur[j].AskQty {
				w := Row{Tick: cur[j].Tick}
				if prev[i].BidQty != cur[j].BidQty {
					w.Bid = qty(cur[j].BidQty)
				}
				if prev[i].AskQty != cur[j].AskQty {
					w.Ask = qty(cur[j].AskQty)
				}
				updates = append(updates, w)
			}
			i++
			j++
		}
	}
	return updates, removals
}

func qty(v float64) *float64 { return &v }
