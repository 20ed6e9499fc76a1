package mexc

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
)

// decodeText handles everything the venue sends as text: keepalives,
// subscription acks, and (in JSON mode) depth and deal pushes. The envelope
// varies between c/d, channel/data, and stream/data; all are accepted.
func (p *Protocol) decodeText(data []byte) (exchange.Frame, error) {
	var env struct {
		Method  string          `json:"method"`
		Msg     string          `json:"msg"`
		C       string          `json:"c"`
		Channel string          `json:"channel"`
		Stream  string          `json:"stream"`
		D       json.RawMessage `json:"d"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return exchange.Frame{}, err
	}

	if strings.EqualFold(env.Method, "PING") {
		return exchange.Frame{Reply: []byte(`{"method":"PONG"}`)}, nil
	}

	payload := env.D
	if payload == nil {
		payload = env.Data
	}
	if payload == nil {
		return exchange.Frame{}, nil // ack or pong
	}

	var depth struct {
		Bids  []jsonLevel `json:"bids"`
		Asks  []jsonLevel `json:"asks"`
		B     []jsonLevel `json:"b"`
		A     []jsonLevel `json:"a"`
		Deals []jsonDeal  `json:"deals"`
	}
	if err := json.Unmarshal(payload, &depth); err == nil {
		if len(depth.Bids)+len(depth.Asks)+len(depth.B)+len(depth.A) > 0 {
			bids := append(depth.Bids, depth.B...)
			asks := append(depth.Asks, depth.A...)
			d := exchange.Depth{
				Bids: p.parseJSONSide(bids),
				Asks: p.parseJSONSide(asks),
			}
			return exchange.Frame{Depths: []exchange.Depth{d}}, nil
		}
		if len(depth.Deals) > 0 {
			return exchange.Frame{Trades: parseJSONDeals(depth.Deals)}, nil
		}
	}

	// some venues push deal batches as a bare array
	var deals []jsonDeal
	if err := json.Unmarshal(payload, &deals); err == nil && len(deals) > 0 {
		return exchange.Frame{Trades: parseJSONDeals(deals)}, nil
	}

	return exchange.Frame{}, nil
}

// jsonLevel tolerates both string and numeric price/qty encodings. The raw
// text is retained so prices reach the codec's string path without a float
// round trip.
type jsonLevel [2]jsonValue

type jsonValue struct {
	raw string
	f   float64
}

func (v *jsonValue) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	var f float64
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return err
	}
	v.raw, v.f = s, f
	return nil
}

type jsonNumber float64

func (n *jsonNumber) UnmarshalJSON(data []byte) error {
	var v jsonValue
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	*n = jsonNumber(v.f)
	return nil
}

type jsonDeal struct {
	P     jsonNumber `json:"p"`
	Price jsonNumber `json:"price"`
	V     jsonNumber `json:"v"`
	Q     jsonNumber `json:"q"`
	Qty   jsonNumber `json:"qty"`
	T     int64      `json:"t"`
	TS    int64      `json:"ts"`
	Time  int64      `json:"time"`
	S     int        `json:"S"`
	Side  string     `json:"side"`
}

func (p *Protocol) parseJSONSide(levels []jsonLevel) []book.Quote {
	out := make([]book.Quote, 0, len(levels))
	for _, lvl := range levels {
		price, qty := lvl[0], lvl[1].f
		if !(price.f > 0) || qty < 0 {
			continue
		}
		t, err := p.codec.TickFromString(price.raw)
		if err != nil {
			// exponent notation or similar; the float value is all we have
			t = p.codec.TickFromPrice(price.f)
		}
		out = append(out, book.Quote{Tick: t, Qty: qty})
	}
	return out
}

func parseJSONDeals(deals []jsonDeal) []exchange.Trade {
	out := make([]exchange.Trade, 0, len(deals))
	for _, d := range deals {
		price := float64(d.P)
		if price <= 0 {
			price = float64(d.Price)
		}
		qty := float64(d.V)
		if qty <= 0 {
			qty = float64(d.Q)
		}
		if qty <= 0 {
			qty = float64(d.Qty)
		}
		if price <= 0 || qty <= 0 {
			continue
		}

		ts := d.T
		if ts <= 0 {
			ts = d.TS
		}
		if ts <= 0 {
			ts = d.Time
		}
		if ts <= 0 {
			ts = time.Now().UnixMilli()
		}

		// numeric side: 1=buy, 2=sell; string side wins when present
		sell := d.S == 2
		if d.Side != "" {
			side := strings.ToLower(d.Side)
			sell = side != "buy" && side != "bid"
		}

		out = append(out, exchange.Trade{Price: price, Qty: qty, Sell: sell, Time: ts})
	}
	return out
}
