package binance

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

func newTestProto(t *testing.T, cfg Config, tickSize float64) *Protocol {
	t.Helper()
	p := New(cfg)
	c, err := tick.NewCodec(tickSize)
	if err != nil {
		t.Fatal(err)
	}
	p.UseCodec(c)
	return p
}

func TestDecodeDepthUpdateSpot(t *testing.T) {
	p := newTestProto(t, Config{Symbol: "btcusdt"}, 0.01)

	data := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":157,"u":160,` +
		`"b":[["64231.27","1.5"],["64231.00","0"]],"a":[["64231.28","0.7"]]}`)
	frame, err := p.DecodeFrame(websocket.TextMessage, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame.Depths) != 1 {
		t.Fatalf("depths = %d, want 1", len(frame.Depths))
	}

	d := frame.Depths[0]
	if !d.HasSeq || d.FirstID != 157 || d.LastID != 160 || d.HasPrev {
		t.Errorf("seq fields = %+v", d)
	}
	if len(d.Bids) != 2 || d.Bids[0].Tick != 6423127 || d.Bids[0].Qty != 1.5 {
		t.Errorf("bids = %+v", d.Bids)
	}
	if d.Bids[1].Qty != 0 {
		t.Error("zero-qty level must pass through as a removal")
	}
	if len(d.Asks) != 1 || d.Asks[0].Tick != 6423128 {
		t.Errorf("asks = %+v", d.Asks)
	}
}

func TestDecodeDepthUpdateFuturesCarriesPrevID(t *testing.T) {
	p := newTestProto(t, Config{Symbol: "btcusdt", Futures: true}, 0.1)

	data := []byte(`{"e":"depthUpdate","E":1700000000100,"T":1700000000090,"s":"BTCUSDT",` +
		`"U":200,"u":210,"pu":199,"b":[],"a":[["64000.5","2"]]}`)
	frame, err := p.DecodeFrame(websocket.TextMessage, data)
	if err != nil {
		t.Fatal(err)
	}
	d := frame.Depths[0]
	if !d.HasPrev || d.PrevID != 199 {
		t.Errorf("PrevID = %d, HasPrev = %v; want 199, true", d.PrevID, d.HasPrev)
	}
}

func TestDecodeAggTrade(t *testing.T) {
	p := newTestProto(t, Config{Symbol: "btcusdt"}, 0.01)

	// "a" is the aggregate trade id here, a number, unlike depth's asks array
	data := []byte(`{"e":"aggTrade","E":1700000000124,"s":"BTCUSDT","a":5933014,` +
		`"p":"64231.27","q":"0.25","f":100,"l":105,"T":1700000000123,"m":true,"M":true}`)
	frame, err := p.DecodeFrame(websocket.TextMessage, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(frame.Trades))
	}
	tr := frame.Trades[0]
	if tr.Price != 64231.27 || tr.Qty != 0.25 || !tr.Sell || tr.Time != 1700000000123 {
		t.Errorf("trade = %+v", tr)
	}
}

func TestDecodeIgnoresAcks(t *testing.T) {
	p := newTestProto(t, Config{Symbol: "btcusdt"}, 0.01)

	frame, err := p.DecodeFrame(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(frame.Depths) != 0 || len(frame.Trades) != 0 {
		t.Errorf("ack produced output: %+v", frame)
	}
}

func TestFetchSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v3/depth") {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "ETHUSDT" {
			t.Errorf("symbol = %q", got)
		}
		w.Write([]byte(`{"lastUpdateId":1027024,` +
			`"bids":[["4.00000000","431.0"]],"asks":[["4.00000200","12.0"]]}`))
	}))
	defer server.Close()

	p := newTestProto(t, Config{Symbol: "ethusdt", RestBase: server.URL}, 0.00000001)
	rc, err := exchange.NewRestClient(nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	snap, err := p.FetchSnapshot(context.Background(), rc)
	if err != nil {
		t.Fatal(err)
	}
	if snap.LastID != 1027024 {
		t.Errorf("LastID = %d", snap.LastID)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Tick != 400000000 || snap.Bids[0].Qty != 431.0 {
		t.Errorf("bids = %+v", snap.Bids)
	}
}

func TestResolveInstrument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[` +
			`{"filterType":"LOT_SIZE","stepSize":"0.00001"},` +
			`{"filterType":"PRICE_FILTER","tickSize":"0.01"}]}]}`))
	}))
	defer server.Close()

	p := New(Config{Symbol: "btcusdt", RestBase: server.URL})
	rc, err := exchange.NewRestClient(nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	inst, err := p.ResolveInstrument(context.Background(), rc)
	if err != nil {
		t.Fatal(err)
	}
	if inst.TickSize != 0.01 || inst.Symbol != "BTCUSDT" {
		t.Errorf("instrument = %+v", inst)
	}
}

func TestResolveInstrumentMissingFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[]}]}`))
	}))
	defer server.Close()

	p := New(Config{Symbol: "btcusdt", RestBase: server.URL})
	rc, err := exchange.NewRestClient(nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.ResolveInstrument(context.Background(), rc); err == nil {
		t.Fatal("expected error when PRICE_FILTER is absent")
	}
}

func TestSubscribeFrames(t *testing.T) {
	p := New(Config{Symbol: "btcusdt"})
	frames := p.SubscribeFrames()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	s := string(frames[0])
	if !strings.Contains(s, "btcusdt@depth@100ms") || !strings.Contains(s, "btcusdt@aggTrade") {
		t.Errorf("subscribe frame = %s", s)
	}
}
