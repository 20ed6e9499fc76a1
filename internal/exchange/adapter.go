package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/infra"
)

// AdapterConfig tunes one adapter instance.
type AdapterConfig struct {
	// CacheLevels bounds the number of book levels kept per side.
	CacheLevels int
	// ResyncInterval re-snapshots unsequenced feeds periodically. Ignored
	// for sequenced protocols; zero disables.
	ResyncInterval time.Duration
}

// Adapter drives one venue feed: it owns the WebSocket worker, validates
// update sequencing against REST snapshots, applies depth to the book, and
// fans out trades. All stream processing happens on the worker goroutine.
type Adapter struct {
	proto  Protocol
	rest   *RestClient
	book   *book.Book
	proxy  *infra.Proxy
	sink   BookSink
	trades []TradeSink
	logger *slog.Logger

	// OnResync, when set, is told about every completed snapshot reload.
	// Set before Run; called from the worker goroutine.
	OnResync func(reason string)

	worker *Worker

	mu          sync.Mutex
	state       SyncState
	lastApplied int64
	lastMsgAt   time.Time

	cacheLevels    int
	resyncInterval time.Duration
	snapLimiter    *infra.RateLimiter
	breaker        *infra.Breaker
}

// NewAdapter wires an adapter. sink may be nil; trade sinks are optional.
func NewAdapter(proto Protocol, rest *RestClient, bk *book.Book, proxy *infra.Proxy,
	sink BookSink, cfg AdapterConfig, logger *slog.Logger, tradeSinks ...TradeSink) *Adapter {
	return &Adapter{
		proto:          proto,
		rest:           rest,
		book:           bk,
		proxy:          proxy,
		sink:           sink,
		trades:         tradeSinks,
		logger:         logger.With("exchange", proto.Name()),
		state:          StateAwaitingSnapshot,
		cacheLevels:    cfg.CacheLevels,
		resyncInterval: cfg.ResyncInterval,
		// a desynced stream must not hammer the depth endpoint
		snapLimiter: infra.NewRateLimiter(1, 1),
		breaker:     infra.NewBreaker(proto.Name()+"-snapshot", 5, 30*time.Second),
	}
}

// State returns the current sync state.
func (a *Adapter) State() SyncState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run blocks until ctx is done, keeping the feed connected and synced.
func (a *Adapter) Run(ctx context.Context) error {
	w, err := NewWorker(a, a.proxy)
	if err != nil {
		return err
	}
	a.worker = w
	w.Start(ctx)
	defer w.Stop()

	staleness := time.NewTicker(time.Second)
	defer staleness.Stop()

	var periodic <-chan time.Time
	if !a.proto.Sequenced() && a.resyncInterval > 0 {
		t := time.NewTicker(a.resyncInterval)
		defer t.Stop()
		periodic = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-staleness.C:
			a.mu.Lock()
			last := a.lastMsgAt
			a.mu.Unlock()
			if !last.IsZero() {
				infra.BookStalenessMs.WithLabelValues(a.proto.Name()).
					Set(float64(time.Since(last).Milliseconds()))
			}
		case <-periodic:
			if err := a.resync(ctx, "periodic"); err != nil && ctx.Err() == nil {
				a.logger.Warn("periodic resync failed", "err", err)
			}
		}
	}
}

// URL implements wsHandler.
func (a *Adapter) URL() string { return a.proto.URL() }

// ID implements wsHandler.
func (a *Adapter) ID() string { return a.proto.Name() }

// OnConnect subscribes to the feed and loads the initial snapshot before any
// stream message is processed.
func (a *Adapter) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	for _, frame := range a.proto.SubscribeFrames() {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.state = StateAwaitingSnapshot
	a.lastApplied = 0
	a.mu.Unlock()

	return a.resync(ctx, "connect")
}

// OnPing sends the venue keepalive.
func (a *Adapter) OnPing(ctx context.Context, conn *websocket.Conn) error {
	if pm := a.proto.PingMessage(); pm != nil {
		return a.worker.Write(websocket.TextMessage, pm)
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// OnMessage decodes and dispatches one stream message.
func (a *Adapter) OnMessage(ctx context.Context, msgType int, msg []byte) {
	a.mu.Lock()
	a.lastMsgAt = time.Now()
	a.mu.Unlock()

	frame, err := a.proto.DecodeFrame(msgType, msg)
	if err != nil {
		infra.DecodeErrorsTotal.WithLabelValues(a.proto.Name()).Inc()
		a.logger.Debug("undecodable frame", "err", err, "bytes", len(msg))
		return
	}

	if frame.Reply != nil {
		if err := a.worker.Write(websocket.TextMessage, frame.Reply); err != nil {
			a.logger.Warn("reply write failed", "err", err)
		}
	}

	for _, d := range frame.Depths {
		a.handleDepth(ctx, d)
	}

	if len(frame.Trades) > 0 {
		infra.TradesTotal.WithLabelValues(a.proto.Name()).Add(float64(len(frame.Trades)))
		for _, t := range frame.Trades {
			for _, sink := range a.trades {
				sink.OfferTrade(t)
			}
		}
	}
}

func (a *Adapter) handleDepth(ctx context.Context, d Depth) {
	a.mu.Lock()
	apply, desync := a.validateLocked(d)
	if apply {
		a.lastApplied = d.LastID
	}
	last := a.lastApplied
	a.mu.Unlock()

	if apply {
		a.book.ApplyDelta(d.Bids, d.Asks, a.cacheLevels)
		infra.DepthUpdatesTotal.WithLabelValues(a.proto.Name()).Inc()
		if a.sink != nil {
			a.sink.BookChanged()
		}
		return
	}

	if desync {
		a.logger.Warn("sequence gap, rebuilding book",
			"last_applied", last, "first_id", d.FirstID, "last_id", d.LastID)
		infra.BookRebuildsTotal.WithLabelValues(a.proto.Name(), "gap").Inc()
		if err := a.resync(ctx, "gap"); err != nil && ctx.Err() == nil {
			a.logger.Warn("resync failed", "err", err)
		}
	}
}

// validateLocked decides whether a depth update applies, is silently
// dropped, or proves the stream diverged from the snapshot.
func (a *Adapter) validateLocked(d Depth) (apply, desync bool) {
	if !a.proto.Sequenced() || !d.HasSeq {
		return true, false
	}

	switch a.state {
	case StateAwaitingSnapshot:
		// no baseline yet, nothing to validate against
		return false, false

	case StateBuffering:
		if d.LastID <= a.lastApplied {
			return false, false // stale, predates the snapshot
		}
		// the first applied update must straddle the snapshot id
		if d.FirstID <= a.lastApplied+1 && a.lastApplied+1 <= d.LastID {
			a.state = StateLive
			return true, false
		}
		return false, true

	case StateLive:
		if d.LastID <= a.lastApplied {
			return false, false
		}
		if d.HasPrev {
			if d.PrevID == a.lastApplied {
				return true, false
			}
			return false, true
		}
		if d.FirstID == a.lastApplied+1 {
			return true, false
		}
		return false, true
	}
	return false, false
}

// resync reloads the book from a REST snapshot. It retries with backoff
// until it succeeds or ctx ends, pacing attempts through the rate limiter
// and the snapshot breaker.
func (a *Adapter) resync(ctx context.Context, reason string) error {
	a.mu.Lock()
	a.state = StateAwaitingSnapshot
	a.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.breaker.Allow() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err := a.snapLimiter.Wait(ctx); err != nil {
			return err
		}

		snap, err := a.proto.FetchSnapshot(ctx, a.rest)
		if err != nil {
			a.breaker.RecordFailure()
			infra.SnapshotFetchesTotal.WithLabelValues(a.proto.Name(), "error").Inc()
			a.logger.Warn("snapshot fetch failed", "reason", reason, "attempt", attempt, "err", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(infra.CalculateBackoff(attempt)):
			}
			continue
		}

		a.breaker.RecordSuccess()
		infra.SnapshotFetchesTotal.WithLabelValues(a.proto.Name(), "ok").Inc()

		a.book.LoadSnapshot(snap.Bids, snap.Asks)

		a.mu.Lock()
		a.lastApplied = snap.LastID
		if a.proto.Sequenced() {
			a.state = StateBuffering
		} else {
			a.state = StateLive
		}
		a.mu.Unlock()

		a.logger.Info("snapshot loaded",
			"reason", reason, "last_id", snap.LastID,
			"bids", len(snap.Bids), "asks", len(snap.Asks))

		if a.sink != nil {
			a.sink.ForceFull()
			a.sink.BookChanged()
		}
		if a.OnResync != nil {
			a.OnResync(reason)
		}
		return nil
	}
}
