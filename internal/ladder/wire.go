// Package ladder turns the order book's visible window into a line-delimited
// JSON stream: throttled full and delta ladder messages, batched trade
// prints, and a low-frequency heartbeat. The publisher writes encoded lines
// to a bounded channel; transports (stdout, the fan-out server) consume it.
package ladder

// Message type tags carried in the "type" field of every line.
const (
	TypeLadder = "ladder"
	TypeDelta  = "ladder_delta"
	TypeTrade  = "trade"
	TypeTrades = "trades"
	TypeHB     = "hb"
)

// Row is one ladder level on the wire. A nil side means unchanged in a
// delta; an explicit zero clears that side only.
type Row struct {
	Tick int64    `json:"tick"`
	Bid  *float64 `json:"bid,omitempty"`
	Ask  *float64 `json:"ask,omitempty"`
}

// TradeEvent is one normalized print, either standalone (type "trade") or an
// element of a "trades" batch.
type TradeEvent struct {
	Tick      int64   `json:"tick"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Side      string  `json:"side"`
	Timestamp int64   `json:"timestamp"`
}

// ladderMsg carries both full ladders and deltas; Rows is set for fulls,
// Updates/Removals for deltas.
type ladderMsg struct {
	Type     string  `json:"type"`
	Sparse   bool    `json:"sparse"`
	Rows     []Row   `json:"rows,omitempty"`
	Updates  []Row   `json:"updates,omitempty"`
	Removals []int64 `json:"removals,omitempty"`

	Symbol        string  `json:"symbol"`
	Timestamp     int64   `json:"timestamp"`
	BestBid       float64 `json:"bestBid"`
	BestAsk       float64 `json:"bestAsk"`
	TickSize      float64 `json:"tickSize"`
	WindowMinTick int64   `json:"windowMinTick"`
	WindowMaxTick int64   `json:"windowMaxTick"`
	CenterTick    int64   `json:"centerTick"`
}

type tradeMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	TradeEvent
}

type tradesMsg struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Events []TradeEvent `json:"events"`
}

type hbMsg struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	BestBid   float64 `json:"bestBid"`
	BestAsk   float64 `json:"bestAsk"`
}

// Message is the superset of every line this package emits. Consumers
// unmarshal into it and dispatch on Type; absent arrays mean empty.
type Message struct {
	Type     string       `json:"type"`
	Sparse   bool         `json:"sparse,omitempty"`
	Rows     []Row        `json:"rows,omitempty"`
	Updates  []Row        `json:"updates,omitempty"`
	Removals []int64      `json:"removals,omitempty"`
	Events   []TradeEvent `json:"events,omitempty"`

	Symbol    string  `json:"symbol,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
	BestBid   float64 `json:"bestBid,omitempty"`
	BestAsk   float64 `json:"bestAsk,omitempty"`

	TickSize      float64 `json:"tickSize,omitempty"`
	WindowMinTick int64   `json:"windowMinTick,omitempty"`
	WindowMaxTick int64   `json:"windowMaxTick,omitempty"`
	CenterTick    int64   `json:"centerTick,omitempty"`

	Tick  int64   `json:"tick,omitempty"`
	Price float64 `json:"price,omitempty"`
	Qty   float64 `json:"qty,omitempty"`
	Side  string  `json:"side,omitempty"`
}

// Command is an inbound control line, accepted on stdin and from fan-out
// clients.
type Command struct {
	Cmd   string `json:"cmd"`
	Ticks int64  `json:"ticks"`
}

const (
	CmdShift      = "shift"
	CmdCenterAuto = "center_auto"
	CmdForceFull  = "force_full"
)
