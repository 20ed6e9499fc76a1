package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qlandys/FusionTerminal-sub000/internal/infra"
)

// wsHandler defines venue-specific logic for the Worker.
type wsHandler interface {
	URL() string
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msgType int, msg []byte)
	OnPing(ctx context.Context, conn *websocket.Conn) error
	ID() string
}

// Worker manages the lifecycle of a WebSocket connection.
// It handles reconnection with backoff, read timeouts, and thread-safe writes.
type Worker struct {
	handler wsHandler
	dialer  *websocket.Dialer
	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// NewWorker creates a worker for handler, dialing through proxy when one is
// configured.
func NewWorker(handler wsHandler, proxy *infra.Proxy) (*Worker, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if err := proxy.ApplyToDialer(dialer); err != nil {
		return nil, err
	}
	return &Worker{
		handler:      handler,
		dialer:       dialer,
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
		ReadLimit:    8 << 20,
	}, nil
}

// Start initiates the connection loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("ws connect failed", "id", w.handler.ID(), "err", err, "retry", retry)
			infra.WSReconnectsTotal.WithLabelValues(w.handler.ID(), "connect_error").Inc()
			delay := infra.CalculateBackoff(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0 // reset on successful connect
		w.process(ctx)

		select {
		case <-ctx.Done():
			return
		default:
			infra.WSReconnectsTotal.WithLabelValues(w.handler.ID(), "read_error").Inc()
		}
	}
}

func (w *Worker) connect(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.handler.URL(), nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(w.ReadLimit)

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		w.close()
		return fmt.Errorf("OnConnect failed: %w", err)
	}

	if w.PingInterval > 0 {
		go w.pingLoop(ctx, conn)
	}

	slog.Info("ws connected", "id", w.handler.ID())
	return nil
}

func (w *Worker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		msgType, msg, err := c.ReadMessage()
		if err != nil {
			slog.Warn("ws read error", "id", w.handler.ID(), "err", err)
			w.close()
			return
		}

		w.handler.OnMessage(ctx, msgType, msg)
	}
}

// pingLoop is bound to the connection it was started for. Checking against
// the current conn keeps a stale loop from surviving a fast reconnect and
// pinging the replacement alongside the new loop.
func (w *Worker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			c := w.conn
			w.mu.RUnlock()
			if c != conn {
				return
			}
			if err := w.handler.OnPing(ctx, c); err != nil {
				slog.Warn("ws ping error", "id", w.handler.ID(), "err", err)
				w.close()
				return
			}
		}
	}
}

// Write sends a message on the current connection, serializing writers.
func (w *Worker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("ws not connected")
	}

	return c.WriteMessage(msgType, data)
}

func (w *Worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
