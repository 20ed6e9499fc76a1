// Package mexc implements the MEXC spot depth protocol. The primary dialect
// is the binary push stream (length-delimited wrapper around depth and deal
// bodies); a JSON fallback speaks the same channels without the .pb suffix.
// Neither carries validated update ids, so the adapter treats the feed as
// unsequenced and re-snapshots periodically.
package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

// Wrapper field numbers observed on the push stream.
const (
	fieldChannel   = 1
	fieldDepthBody = 313
	fieldDealsBody = 314

	// wrapper bytes accumulated while waiting for the rest of a split
	// message; beyond this the buffer is garbage, not a fragment
	maxPendingBytes = 4 << 20
)

// Config selects the market and endpoints.
type Config struct {
	Symbol           string
	JSON             bool // use the JSON channels instead of the binary push stream
	SnapshotDepth    int
	StreamIntervalMS int
	RestBase         string
	WSBase           string
}

// Protocol speaks the MEXC spot dialect. Not safe for concurrent use; the
// worker goroutine owns it.
type Protocol struct {
	cfg   Config
	codec *tick.Codec

	// reassembly buffer for binary messages split by intermediaries
	pending []byte
}

// New builds the protocol for cfg, filling endpoint defaults.
func New(cfg Config) *Protocol {
	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = 200
	}
	if cfg.StreamIntervalMS <= 0 {
		cfg.StreamIntervalMS = 100
	}
	if cfg.RestBase == "" {
		cfg.RestBase = "https://api.mexc.com"
	}
	if cfg.WSBase == "" {
		cfg.WSBase = "wss://wbs-api.mexc.com/ws"
	}
	return &Protocol{cfg: cfg}
}

func (p *Protocol) Name() string {
	if p.cfg.JSON {
		return "mexc_json"
	}
	return "mexc"
}

func (p *Protocol) URL() string { return p.cfg.WSBase }

func (p *Protocol) Sequenced() bool { return false }

func (p *Protocol) PingMessage() []byte { return []byte(`{"method":"PING"}`) }

func (p *Protocol) UseCodec(c *tick.Codec) { p.codec = c }

// SubscribeFrames subscribes to aggregated depth and deals. The binary
// channels carry a .pb suffix; the JSON fallback drops it.
func (p *Protocol) SubscribeFrames() [][]byte {
	suffix := ".pb"
	if p.cfg.JSON {
		suffix = ""
	}
	depth := fmt.Sprintf("spot@public.aggre.depth.v3.api%s@%dms@%s", suffix, p.cfg.StreamIntervalMS, p.cfg.Symbol)
	deals := fmt.Sprintf("spot@public.aggre.deals.v3.api%s@%dms@%s", suffix, p.cfg.StreamIntervalMS, p.cfg.Symbol)
	sub, _ := json.Marshal(map[string]any{
		"method": "SUBSCRIPTION",
		"params": []string{depth, deals},
	})
	return [][]byte{sub}
}

// ResolveInstrument determines the tick size from exchangeInfo. The explicit
// PRICE_FILTER is preferred; quote precision is a last resort.
func (p *Protocol) ResolveInstrument(ctx context.Context, rc *exchange.RestClient) (exchange.Instrument, error) {
	url := p.cfg.RestBase + "/api/v3/exchangeInfo?symbol=" + p.cfg.Symbol

	var info struct {
		Symbols []struct {
			Symbol   string `json:"symbol"`
			TickSize string `json:"tickSize"`
			Filters  []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
			QuotePrecision      int `json:"quotePrecision"`
			QuoteAssetPrecision int `json:"quoteAssetPrecision"`
		} `json:"symbols"`
	}
	if err := rc.GetJSON(ctx, url, &info); err != nil {
		return exchange.Instrument{}, err
	}
	if len(info.Symbols) == 0 {
		return exchange.Instrument{}, fmt.Errorf("exchangeInfo: no symbols for %s", p.cfg.Symbol)
	}

	sym := info.Symbols[0]
	tickSize := 0.0
	for _, f := range sym.Filters {
		if f.FilterType == "PRICE_FILTER" {
			if ts, err := strconv.ParseFloat(f.TickSize, 64); err == nil && ts > 0 {
				tickSize = ts
				break
			}
		}
	}
	if tickSize <= 0 && sym.TickSize != "" {
		if ts, err := strconv.ParseFloat(sym.TickSize, 64); err == nil {
			tickSize = ts
		}
	}
	if tickSize <= 0 {
		prec := sym.QuotePrecision
		if prec <= 0 {
			prec = sym.QuoteAssetPrecision
		}
		if prec > 0 {
			tickSize = math.Pow(10, -float64(prec))
		}
	}
	if tickSize <= 0 {
		return exchange.Instrument{}, fmt.Errorf("cannot determine tick size for %s", p.cfg.Symbol)
	}
	return exchange.Instrument{Symbol: p.cfg.Symbol, TickSize: tickSize, ContractSize: 1}, nil
}

// FetchSnapshot loads the REST depth book.
func (p *Protocol) FetchSnapshot(ctx context.Context, rc *exchange.RestClient) (exchange.Snapshot, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", p.cfg.RestBase, p.cfg.Symbol, p.cfg.SnapshotDepth)

	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := rc.GetJSON(ctx, url, &raw); err != nil {
		return exchange.Snapshot{}, err
	}

	bids, err := p.parseStringSide(raw.Bids)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	asks, err := p.parseStringSide(raw.Asks)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	return exchange.Snapshot{Bids: bids, Asks: asks, LastID: raw.LastUpdateID}, nil
}

// DecodeFrame dispatches on transport frame type. Binary frames may arrive
// split; incomplete wrappers accumulate until the remainder shows up or the
// buffer hits its cap.
func (p *Protocol) DecodeFrame(msgType int, data []byte) (exchange.Frame, error) {
	if msgType != websocket.BinaryMessage {
		return p.decodeText(data)
	}

	buf := data
	if len(p.pending) > 0 {
		buf = append(p.pending, data...)
	}

	frame, err := p.decodeBinary(buf)
	if errors.Is(err, errTruncated) {
		if len(buf) > maxPendingBytes {
			p.pending = nil
			return exchange.Frame{}, fmt.Errorf("fragment buffer overflow at %d bytes", len(buf))
		}
		p.pending = append([]byte(nil), buf...)
		return exchange.Frame{}, nil
	}
	p.pending = nil
	return frame, err
}

// decodeBinary parses a push wrapper: field 1 is the channel, 313 wraps a
// depth update, 314 wraps a batch of deals. Unknown fields are skipped.
func (p *Protocol) decodeBinary(data []byte) (exchange.Frame, error) {
	r := &wireReader{buf: data}
	var channel string
	var depthBody, dealsBody []byte

	for !r.eof() {
		field, wire, err := r.readKey()
		if err != nil {
			return exchange.Frame{}, err
		}
		if wire != wireBytes {
			if err := r.skip(wire); err != nil {
				return exchange.Frame{}, err
			}
			continue
		}
		value, err := r.readBytes()
		if err != nil {
			return exchange.Frame{}, err
		}
		switch field {
		case fieldChannel:
			channel = string(value)
		case fieldDepthBody:
			depthBody = value
		case fieldDealsBody:
			dealsBody = value
		}
	}

	var frame exchange.Frame
	if depthBody != nil {
		asks, bids, err := p.parseDepthBody(depthBody)
		if err != nil {
			return exchange.Frame{}, err
		}
		frame.Depths = append(frame.Depths, exchange.Depth{Bids: bids, Asks: asks})
	}
	if dealsBody != nil {
		trades, err := p.parseDealsBody(dealsBody)
		if err != nil {
			return exchange.Frame{}, err
		}
		frame.Trades = append(frame.Trades, trades...)
	}
	if depthBody == nil && dealsBody == nil && channel == "" {
		return exchange.Frame{}, fmt.Errorf("unrecognized wrapper (%d bytes)", len(data))
	}
	return frame, nil
}

// parseDepthBody reads the aggregated depth message: field 1 holds ask
// items, field 2 bid items. Version fields are ignored.
func (p *Protocol) parseDepthBody(body []byte) (asks, bids []book.Quote, err error) {
	r := &wireReader{buf: body}
	for !r.eof() {
		field, wire, err := r.readKey()
		if err != nil {
			return nil, nil, err
		}
		if wire != wireBytes {
			if err := r.skip(wire); err != nil {
				return nil, nil, err
			}
			continue
		}
		item, err := r.readBytes()
		if err != nil {
			return nil, nil, err
		}
		switch field {
		case 1:
			q, ok, err := p.parseDepthItem(item)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				asks = append(asks, q)
			}
		case 2:
			q, ok, err := p.parseDepthItem(item)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				bids = append(bids, q)
			}
		}
	}
	return asks, bids, nil
}

// parseDepthItem reads one level: field 1 price string, field 2 quantity
// string. A missing quantity means the level is gone.
func (p *Protocol) parseDepthItem(item []byte) (book.Quote, bool, error) {
	r := &wireReader{buf: item}
	var priceStr, qtyStr string

	for !r.eof() {
		field, wire, err := r.readKey()
		if err != nil {
			return book.Quote{}, false, err
		}
		if wire != wireBytes {
			if err := r.skip(wire); err != nil {
				return book.Quote{}, false, err
			}
			continue
		}
		value, err := r.readBytes()
		if err != nil {
			return book.Quote{}, false, err
		}
		switch field {
		case 1:
			priceStr = string(value)
		case 2:
			qtyStr = string(value)
		}
	}

	if priceStr == "" {
		return book.Quote{}, false, nil
	}
	t, err := p.codec.TickFromString(priceStr)
	if err != nil {
		return book.Quote{}, false, fmt.Errorf("depth price %q: %w", priceStr, err)
	}
	qty := 0.0
	if qtyStr != "" {
		qty, err = strconv.ParseFloat(qtyStr, 64)
		if err != nil {
			return book.Quote{}, false, fmt.Errorf("depth qty %q: %w", qtyStr, err)
		}
	}
	return book.Quote{Tick: t, Qty: qty}, true, nil
}

// parseDealsBody reads the deals batch: field 1 repeats deal items.
func (p *Protocol) parseDealsBody(body []byte) ([]exchange.Trade, error) {
	r := &wireReader{buf: body}
	var out []exchange.Trade

	for !r.eof() {
		field, wire, err := r.readKey()
		if err != nil {
			return nil, err
		}
		if wire != wireBytes {
			if err := r.skip(wire); err != nil {
				return nil, err
			}
			continue
		}
		item, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		if field != 1 {
			continue // field 2 is the event type string
		}
		t, ok, err := p.parseDealItem(item)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// parseDealItem reads one deal: price and quantity strings in fields 1-2,
// trade type varint in field 3 (2 = sell), time varint in field 4.
func (p *Protocol) parseDealItem(item []byte) (exchange.Trade, bool, error) {
	r := &wireReader{buf: item}
	var priceStr, qtyStr string
	var tradeType, tradeTime int64

	for !r.eof() {
		field, wire, err := r.readKey()
		if err != nil {
			return exchange.Trade{}, false, err
		}
		switch wire {
		case wireBytes:
			value, err := r.readBytes()
			if err != nil {
				return exchange.Trade{}, false, err
			}
			switch field {
			case 1:
				priceStr = string(value)
			case 2:
				qtyStr = string(value)
			}
		case wireVarint:
			v, err := r.readVarint()
			if err != nil {
				return exchange.Trade{}, false, err
			}
			switch field {
			case 3:
				tradeType = int64(v)
			case 4:
				tradeTime = int64(v)
			}
		default:
			if err := r.skip(wire); err != nil {
				return exchange.Trade{}, false, err
			}
		}
	}

	if priceStr == "" {
		return exchange.Trade{}, false, nil
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return exchange.Trade{}, false, fmt.Errorf("deal price %q: %w", priceStr, err)
	}
	qty := 0.0
	if qtyStr != "" {
		qty, err = strconv.ParseFloat(qtyStr, 64)
		if err != nil {
			return exchange.Trade{}, false, fmt.Errorf("deal qty %q: %w", qtyStr, err)
		}
	}
	if qty <= 0 {
		return exchange.Trade{}, false, nil
	}
	if tradeTime <= 0 {
		tradeTime = time.Now().UnixMilli()
	}
	return exchange.Trade{
		Price: price,
		Qty:   qty,
		Sell:  tradeType == 2,
		Time:  tradeTime,
	}, true, nil
}

func (p *Protocol) parseStringSide(raw [][]string) ([]book.Quote, error) {
	out := make([]book.Quote, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		t, err := p.codec.TickFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl[0], err)
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", lvl[1], err)
		}
		out = append(out, book.Quote{Tick: t, Qty: qty})
	}
	return out, nil
}
