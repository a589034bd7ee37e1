package ws

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// both ends of the connection. The caller must close the server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

func TestConnDeliversInOrder(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()

	c := newConn(serverConn, 8, zap.NewNop())
	defer c.Close()

	for _, msg := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := c.Send([]byte(msg)); err != nil {
			t.Fatalf("Send(%s): %v", msg, err)
		}
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, data, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(data) != want {
			t.Errorf("got %s, want %s", data, want)
		}
	}
}

func TestConnCloseSendsCloseFrame(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()

	c := newConn(serverConn, 8, zap.NewNop())
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Second close is a no-op.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := clientConn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestConnSendAfterClose(t *testing.T) {
	srv, serverConn, _ := dialTestWS(t)
	defer srv.Close()

	c := newConn(serverConn, 8, zap.NewNop())
	c.Close()

	if err := c.Send([]byte(`{}`)); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

// TestConnSendBufferFull builds a conn without a write pump so the buffer
// never drains.
func TestConnSendBufferFull(t *testing.T) {
	srv, serverConn, _ := dialTestWS(t)
	defer srv.Close()
	defer serverConn.Close()

	c := &conn{
		ws:   serverConn,
		send: make(chan [][]byte, 1),
		done: make(chan struct{}),
		log:  zap.NewNop(),
	}

	if err := c.Send([]byte(`{"n":1}`)); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := c.Send([]byte(`{"n":2}`)); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("second Send = %v, want ErrSendBufferFull", err)
	}

	select {
	case <-c.done:
	default:
		t.Fatal("slow peer should be closed")
	}
	if err := c.Send([]byte(`{"n":3}`)); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Send after overflow = %v, want ErrClosed", err)
	}
}

func TestReadPumpHandlesTextMessages(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()

	got := make(chan string, 4)
	done := make(chan struct{})
	go func() {
		readPump(serverConn, func(msg []byte) { got <- string(msg) })
		close(done)
	}()

	clientConn.WriteMessage(websocket.BinaryMessage, []byte("ignored"))
	clientConn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`))

	select {
	case msg := <-got:
		if msg != `{"action":"ping"}` {
			t.Errorf("handled %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("text message not handled")
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump did not return after peer closed")
	}
	if len(got) != 0 {
		t.Errorf("binary message should be ignored, got %q", <-got)
	}
}

func TestConnBatchTakesOneSlot(t *testing.T) {
	srv, serverConn, _ := dialTestWS(t)
	defer srv.Close()
	defer serverConn.Close()

	c := &conn{
		ws:   serverConn,
		send: make(chan [][]byte, 1),
		done: make(chan struct{}),
		log:  zap.NewNop(),
	}

	batch := make([][]byte, 500)
	for i := range batch {
		batch[i] = []byte(fmt.Sprintf(`{"n":%d}`, i))
	}
	if err := c.SendBatch(batch); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if got := len(c.send); got != 1 {
		t.Fatalf("batch used %d slots, want 1", got)
	}
	if err := c.Send([]byte(`{}`)); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("Send after batch = %v, want ErrSendBufferFull", err)
	}
}

func TestConnBatchDeliveredInOrder(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()

	c := newConn(serverConn, 2, zap.NewNop())
	defer c.Close()

	const n = 300
	batch := make([][]byte, n)
	for i := range batch {
		batch[i] = []byte(fmt.Sprintf(`{"n":%d}`, i))
	}
	if err := c.SendBatch(batch); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if err := c.Send([]byte(`{"n":"last"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < n; i++ {
		_, data, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if want := fmt.Sprintf(`{"n":%d}`, i); string(data) != want {
			t.Fatalf("message %d = %s, want %s", i, data, want)
		}
	}
	if _, data, err := clientConn.ReadMessage(); err != nil || string(data) != `{"n":"last"}` {
		t.Fatalf("trailing message = %s, %v", data, err)
	}
}
