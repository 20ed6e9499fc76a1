package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSHandler implements wsHandler for testing
type mockWSHandler struct {
	url            string
	onConnectCalls int32
	onMessageCalls int32
	lastMsgType    int32
}

func (m *mockWSHandler) URL() string { return m.url }
func (m *mockWSHandler) ID() string  { return "MOCK" }
func (m *mockWSHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	atomic.AddInt32(&m.onConnectCalls, 1)
	return nil
}
func (m *mockWSHandler) OnMessage(ctx context.Context, msgType int, msg []byte) {
	atomic.AddInt32(&m.onMessageCalls, 1)
	atomic.StoreInt32(&m.lastMsgType, int32(msgType))
}
func (m *mockWSHandler) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return nil
}

// newMockWSServer creates a test WebSocket server
func newMockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

// httpToWS converts http:// URL to ws://
func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func TestWorkerConnectAndReceive(t *testing.T) {
	server := newMockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x0a, 0x01, 0x78})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockWSHandler{url: httpToWS(server.URL)}
	worker, err := NewWorker(handler, nil)
	if err != nil {
		t.Fatal(err)
	}
	worker.ReadTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	worker.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	worker.Stop()

	if atomic.LoadInt32(&handler.onConnectCalls) == 0 {
		t.Error("OnConnect was not called")
	}
	if atomic.LoadInt32(&handler.onMessageCalls) == 0 {
		t.Error("OnMessage was not called")
	}
	if got := atomic.LoadInt32(&handler.lastMsgType); got != websocket.BinaryMessage {
		t.Errorf("msgType = %d, want BinaryMessage", got)
	}
}

func TestWorkerGracefulShutdown(t *testing.T) {
	serverClosed := make(chan struct{})
	server := newMockWSServer(t, func(conn *websocket.Conn) {
		<-serverClosed
	})
	defer server.Close()
	defer close(serverClosed)

	handler := &mockWSHandler{url: httpToWS(server.URL)}
	worker, err := NewWorker(handler, nil)
	if err != nil {
		t.Fatal(err)
	}

	worker.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Stop did not return within timeout")
	}
}

func TestWorkerReconnectsAfterDrop(t *testing.T) {
	var accepts int32
	server := newMockWSServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&accepts, 1)
		if n == 1 {
			return // drop the first connection immediately
		}
		time.Sleep(300 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockWSHandler{url: httpToWS(server.URL)}
	worker, err := NewWorker(handler, nil)
	if err != nil {
		t.Fatal(err)
	}
	worker.ReadTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	worker.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&handler.onConnectCalls) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	worker.Stop()

	if atomic.LoadInt32(&handler.onConnectCalls) < 2 {
		t.Errorf("onConnectCalls = %d, want >= 2 (reconnect)", handler.onConnectCalls)
	}
}

func TestStalePingLoopExitsAfterReconnect(t *testing.T) {
	handler := &mockWSHandler{}
	worker, err := NewWorker(handler, nil)
	if err != nil {
		t.Fatal(err)
	}
	worker.PingInterval = 10 * time.Millisecond

	// the loop's conn no longer matches the worker's current one
	oldConn := &websocket.Conn{}
	worker.mu.Lock()
	worker.conn = &websocket.Conn{}
	worker.mu.Unlock()

	done := make(chan struct{})
	go func() {
		worker.pingLoop(context.Background(), oldConn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ping loop for a replaced connection kept running")
	}
}

func TestWorkerWrite(t *testing.T) {
	receivedMsg := make(chan []byte, 1)

	server := newMockWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			receivedMsg <- msg
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	handler := &mockWSHandler{url: httpToWS(server.URL)}
	worker, err := NewWorker(handler, nil)
	if err != nil {
		t.Fatal(err)
	}

	worker.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	testMsg := []byte(`{"method":"SUBSCRIPTION"}`)
	if err := worker.Write(websocket.TextMessage, testMsg); err != nil {
		t.Errorf("Write failed: %v", err)
	}

	select {
	case msg := <-receivedMsg:
		if string(msg) != string(testMsg) {
			t.Errorf("expected %s, got %s", testMsg, msg)
		}
	case <-time.After(1 * time.Second):
		t.Error("server did not receive message")
	}

	worker.Stop()
}
