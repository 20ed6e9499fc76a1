// Package exchange runs one live market-depth feed: a WebSocket worker, a
// REST snapshot client, and the sequencing state machine that keeps the
// local book consistent with the venue.
package exchange

import (
	"context"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

// SyncState tracks where the adapter is in the snapshot/delta handshake.
type SyncState int

const (
	StateAwaitingSnapshot SyncState = iota
	StateBuffering                  // snapshot loaded, waiting for the first covering delta
	StateLive
)

func (s SyncState) String() string {
	switch s {
	case StateAwaitingSnapshot:
		return "awaiting_snapshot"
	case StateBuffering:
		return "buffering"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Instrument describes the traded contract as resolved from venue metadata.
type Instrument struct {
	Symbol       string
	TickSize     float64
	ContractSize float64 // quantity multiplier for futures, 1 otherwise
}

// Depth is one depth update decoded from the stream. FirstID/LastID span the
// venue's update-id range when HasSeq is set; PrevID carries the previous
// range's LastID on venues that chain updates that way.
type Depth struct {
	Bids []book.Quote
	Asks []book.Quote

	FirstID int64
	LastID  int64
	PrevID  int64
	HasSeq  bool
	HasPrev bool
}

// Trade is one trade print.
type Trade struct {
	Price float64
	Qty   float64
	Sell  bool
	Time  int64 // epoch millis
}

// Snapshot is a REST depth snapshot.
type Snapshot struct {
	Bids   []book.Quote
	Asks   []book.Quote
	LastID int64
}

// Frame is everything decoded from a single transport message.
type Frame struct {
	Depths []Depth
	Trades []Trade
	Reply  []byte // protocol-level response to write back, e.g. a pong
}

// Protocol is one venue's wire dialect. Implementations decode frames into
// tick-indexed updates using the codec handed to them at resolve time and
// must be safe to drive from a single worker goroutine.
type Protocol interface {
	Name() string
	URL() string

	// ResolveInstrument fetches venue metadata and determines the tick size.
	ResolveInstrument(ctx context.Context, rc *RestClient) (Instrument, error)

	// UseCodec hands the protocol the codec built from the resolved
	// instrument. Called once before any decoding.
	UseCodec(c *tick.Codec)

	// FetchSnapshot loads a REST depth snapshot.
	FetchSnapshot(ctx context.Context, rc *RestClient) (Snapshot, error)

	// SubscribeFrames returns the messages to send after connecting.
	SubscribeFrames() [][]byte

	// DecodeFrame decodes one transport message.
	DecodeFrame(msgType int, data []byte) (Frame, error)

	// PingMessage returns the application-level keepalive payload, or nil
	// when a WebSocket ping frame suffices.
	PingMessage() []byte

	// Sequenced reports whether depth updates carry update-id ranges that
	// must be validated against the snapshot.
	Sequenced() bool
}

// BookSink receives change notifications from the adapter.
type BookSink interface {
	// BookChanged signals that the book mutated and downstream output
	// should be refreshed on its next throttle slot.
	BookChanged()
	// ForceFull demands a full ladder frame, used after snapshot reloads.
	ForceFull()
}

// TradeSink receives trade prints.
type TradeSink interface {
	OfferTrade(Trade)
}
