// Package binance implements the sequenced JSON depth protocol used by
// Binance spot and USD-M futures streams.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

// Config selects the market and endpoints. Base URLs are overridable so
// tests can point at local servers.
type Config struct {
	Symbol        string
	Futures       bool
	SnapshotDepth int
	RestBase      string
	WSBase        string
}

// Protocol speaks the Binance depth dialect. Spot updates chain on
// U == lastApplied+1; futures updates carry pu, the previous update's u.
type Protocol struct {
	cfg   Config
	codec *tick.Codec
}

// New builds the protocol for cfg, filling endpoint defaults.
func New(cfg Config) *Protocol {
	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = 1000
	}
	if cfg.RestBase == "" {
		if cfg.Futures {
			cfg.RestBase = "https://fapi.binance.com"
		} else {
			cfg.RestBase = "https://api.binance.com"
		}
	}
	if cfg.WSBase == "" {
		if cfg.Futures {
			cfg.WSBase = "wss://fstream.binance.com/ws"
		} else {
			cfg.WSBase = "wss://stream.binance.com:9443/ws"
		}
	}
	return &Protocol{cfg: cfg}
}

func (p *Protocol) Name() string {
	if p.cfg.Futures {
		return "binance_futures"
	}
	return "binance"
}

func (p *Protocol) URL() string { return p.cfg.WSBase }

func (p *Protocol) Sequenced() bool { return true }

func (p *Protocol) PingMessage() []byte { return nil } // server pings, gorilla pongs

func (p *Protocol) UseCodec(c *tick.Codec) { p.codec = c }

// SubscribeFrames subscribes to the 100ms depth diff stream and aggregated
// trades.
func (p *Protocol) SubscribeFrames() [][]byte {
	sym := strings.ToLower(p.cfg.Symbol)
	sub := map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{sym + "@depth@100ms", sym + "@aggTrade"},
		"id":     1,
	}
	frame, _ := json.Marshal(sub)
	return [][]byte{frame}
}

// ResolveInstrument reads the PRICE_FILTER tick size from exchangeInfo.
func (p *Protocol) ResolveInstrument(ctx context.Context, rc *exchange.RestClient) (exchange.Instrument, error) {
	var url string
	if p.cfg.Futures {
		url = p.cfg.RestBase + "/fapi/v1/exchangeInfo"
	} else {
		url = p.cfg.RestBase + "/api/v3/exchangeInfo?symbol=" + p.cfg.Symbol
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := rc.GetJSON(ctx, url, &info); err != nil {
		return exchange.Instrument{}, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != p.cfg.Symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType != "PRICE_FILTER" {
				continue
			}
			ts, err := strconv.ParseFloat(f.TickSize, 64)
			if err != nil || ts <= 0 {
				return exchange.Instrument{}, fmt.Errorf("bad tickSize %q for %s", f.TickSize, p.cfg.Symbol)
			}
			return exchange.Instrument{Symbol: p.cfg.Symbol, TickSize: ts, ContractSize: 1}, nil
		}
	}
	return exchange.Instrument{}, fmt.Errorf("no PRICE_FILTER for %s in exchangeInfo", p.cfg.Symbol)
}

// FetchSnapshot loads the REST depth book.
func (p *Protocol) FetchSnapshot(ctx context.Context, rc *exchange.RestClient) (exchange.Snapshot, error) {
	var path string
	if p.cfg.Futures {
		path = "/fapi/v1/depth"
	} else {
		path = "/api/v3/depth"
	}
	url := fmt.Sprintf("%s%s?symbol=%s&limit=%d", p.cfg.RestBase, path, p.cfg.Symbol, p.cfg.SnapshotDepth)

	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := rc.GetJSON(ctx, url, &raw); err != nil {
		return exchange.Snapshot{}, err
	}

	bids, err := p.parseSide(raw.Bids)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	asks, err := p.parseSide(raw.Asks)
	if err != nil {
		return exchange.Snapshot{}, err
	}
	return exchange.Snapshot{Bids: bids, Asks: asks, LastID: raw.LastUpdateID}, nil
}

// Every stream event carries both "e" (type, string) and "E" (event time,
// number). Go's JSON matching is case-insensitive across tags, so each struct
// must tag E explicitly or the number lands in the "e" field and the frame is
// rejected. The same holds for aggTrade's "a" (trade id) against depth's "a"
// (asks), which is why depth and trade decode into separate structs.
type eventHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

type depthEvent struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	FirstID   int64      `json:"U"`
	LastID    int64      `json:"u"`
	PrevID    *int64     `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type aggTradeEvent struct {
	Event      string `json:"e"`
	EventTime  int64  `json:"E"`
	AggID      int64  `json:"a"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

// DecodeFrame handles depthUpdate and aggTrade events; subscribe acks and
// anything else produce an empty frame.
func (p *Protocol) DecodeFrame(msgType int, data []byte) (exchange.Frame, error) {
	if msgType != websocket.TextMessage {
		return exchange.Frame{}, fmt.Errorf("unexpected binary frame (%d bytes)", len(data))
	}

	var hdr eventHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return exchange.Frame{}, err
	}

	switch hdr.Event {
	case "depthUpdate":
		var ev depthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return exchange.Frame{}, err
		}
		bids, err := p.parseSide(ev.Bids)
		if err != nil {
			return exchange.Frame{}, err
		}
		asks, err := p.parseSide(ev.Asks)
		if err != nil {
			return exchange.Frame{}, err
		}
		d := exchange.Depth{
			Bids:    bids,
			Asks:    asks,
			FirstID: ev.FirstID,
			LastID:  ev.LastID,
			HasSeq:  true,
		}
		if ev.PrevID != nil {
			d.PrevID, d.HasPrev = *ev.PrevID, true
		}
		return exchange.Frame{Depths: []exchange.Depth{d}}, nil

	case "aggTrade":
		var ev aggTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return exchange.Frame{}, err
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return exchange.Frame{}, fmt.Errorf("aggTrade price %q: %w", ev.Price, err)
		}
		qty, err := strconv.ParseFloat(ev.Qty, 64)
		if err != nil {
			return exchange.Frame{}, fmt.Errorf("aggTrade qty %q: %w", ev.Qty, err)
		}
		t := exchange.Trade{
			Price: price,
			Qty:   qty,
			// buyer-is-maker means the aggressor sold
			Sell: ev.BuyerMaker,
			Time: ev.TradeTime,
		}
		return exchange.Frame{Trades: []exchange.Trade{t}}, nil
	}

	return exchange.Frame{}, nil
}

func (p *Protocol) parseSide(raw [][]string) ([]book.Quote, error) {
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
