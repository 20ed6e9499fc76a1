package ladder

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/qlandys/FusionTerminal-sub000/internal/infra"
)

const clientWriteTimeout = 5 * time.Second

// Server fans the publisher's line stream out to WebSocket clients and feeds
// their control lines back into the publisher. Optional; the stdout stream
// works without it.
type Server struct {
	addr     string
	pub      *Publisher
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clientsMux sync.RWMutex
	clients    map[string]*websocket.Conn

	broadcast chan []byte
}

func NewServer(addr string, pub *Publisher, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		pub:     pub,
		logger:  logger.With("component", "fanout"),
		clients: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
	}
}

// Broadcast enqueues one line for all connected clients. Never blocks; a
// backed-up fan-out drops the line and the publisher's coalescing recovers
// the clients with the next full.
func (s *Server) Broadcast(line []byte) {
	s.clientsMux.RLock()
	empty := len(s.clients) == 0
	s.clientsMux.RUnlock()
	if empty {
		return
	}
	select {
	case s.broadcast <- line:
	default:
		infra.PublishDropsTotal.Inc()
		s.pub.ForceFull()
	}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router()}

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	s.logger.Info("fan-out listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	s.clientsMux.Lock()
	s.clients[id] = conn
	s.clientsMux.Unlock()
	infra.DownstreamClients.Inc()
	s.logger.Info("client connected", "id", id, "remote", r.RemoteAddr)

	// a newcomer has no state yet
	s.pub.ForceFull()

	defer func() {
		s.dropClient(id)
		s.logger.Info("client disconnected", "id", id)
	}()

	for {
		_, line, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.pub.HandleCommand(line); err != nil {
			s.logger.Warn("bad control line", "id", id, "error", err)
		}
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-s.broadcast:
			s.clientsMux.RLock()
			conns := make(map[string]*websocket.Conn, len(s.clients))
			for id, c := range s.clients {
				conns[id] = c
			}
			s.clientsMux.RUnlock()

			for id, c := range conns {
				c.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
				if err := c.WriteMessage(websocket.TextMessage, line); err != nil {
					s.logger.Warn("client write failed", "id", id, "error", err)
					s.dropClient(id)
				}
			}
		}
	}
}

// closeAll disconnects every client during shutdown.
func (s *Server) closeAll() {
	s.clientsMux.Lock()
	conns := s.clients
	s.clients = make(map[string]*websocket.Conn)
	s.clientsMux.Unlock()
	for _, c := range conns {
		c.Close()
		infra.DownstreamClients.Dec()
	}
}

func (s *Server) dropClient(id string) {
	s.clientsMux.Lock()
	conn, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	s.clientsMux.Unlock()
	if ok {
		conn.Close()
		infra.DownstreamClients.Dec()
	}
}
