package ws

import (
	"sync"
	"time"

	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// ErrSendBufferFull is returned when a peer cannot keep up. The connection
// is closed when this happens.
var ErrSendBufferFull = errors.New("send buffer full")

// conn is the session.Transport over one WebSocket. Send only queues; the
// write pump owns every network write. Each slot of send holds an ordered
// group of messages, so a flushed backlog takes one slot however long it is.
type conn struct {
	ws   *websocket.Conn
	send chan [][]byte
	done chan struct{}
	log  *zap.Logger

	closeOnce sync.Once
}

var (
	_ session.Transport      = (*conn)(nil)
	_ session.BatchTransport = (*conn)(nil)
)

func newConn(ws *websocket.Conn, buffer int, log *zap.Logger) *conn {
	c := &conn{
		ws:   ws,
		send: make(chan [][]byte, buffer),
		done: make(chan struct{}),
		log:  log,
	}
	go c.writePump()
	return c
}

func (c *conn) Send(data []byte) error {
	return c.enqueue([][]byte{data})
}

// SendBatch queues batch as one unit; its messages go out back to back.
func (c *conn) SendBatch(batch [][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	return c.enqueue(append([][]byte(nil), batch...))
}

func (c *conn) enqueue(group [][]byte) error {
	select {
	case <-c.done:
		return session.ErrClosed
	default:
	}

	select {
	case c.send <- group:
		return nil
	default:
		c.log.Warn("ws peer too slow, disconnecting")
		c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which closes the socket. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case group := <-c.send:
			for _, msg := range group {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					c.log.Debug("ws write failed", zap.Error(err))
					c.Close()
					return
				}
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump hands every inbound text message to handle until the socket
// fails or the peer stops answering pings.
func readPump(ws *websocket.Conn, handle func([]byte)) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.TextMessage {
			handle(data)
		}
	}
}
