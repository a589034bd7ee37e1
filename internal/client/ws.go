package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// ErrNotConnected is returned by Send while no socket is open.
var ErrNotConnected = errors.New("not connected")

// Message is the union of everything the relay pushes to a peer.
type Message struct {
	Type     string          `json:"type"`
	Role     string          `json:"role,omitempty"`
	Cmd      string          `json:"cmd,omitempty"`
	IssuedBy string          `json:"issuedBy,omitempty"`
	Event    string          `json:"event,omitempty"`
	EspID    string          `json:"espId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Status   string          `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	Size     int             `json:"size,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	TS       int64           `json:"ts"`
}

// Peer is a reconnecting WebSocket connection to the relay, acting either as
// an app or as a device.
type Peer struct {
	url  string
	role session.Role
	id   string
	log  *zap.Logger

	// BaseDelay and MaxDelay bound the reconnect backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, commands, events)
	conn    *websocket.Conn
}

// WSURL builds the relay socket URL for base ("http://host:port" or
// "ws://host:port"), role and identity.
func WSURL(base string, role session.Role, id string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", errors.Wrapf(err, "parse relay url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"

	q := url.Values{}
	q.Set("role", role.String())
	if role == session.RoleDevice {
		q.Set("espId", id)
	} else {
		q.Set("userId", id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func NewPeer(base string, role session.Role, id string, log *zap.Logger) (*Peer, error) {
	if id == "" {
		return nil, errors.New("peer id is required")
	}
	u, err := WSURL(base, role, id)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Peer{
		url:       u,
		role:      role,
		id:        id,
		log:       log.With(zap.String("component", "peer"), zap.String("role", role.String()), zap.String("id", id)),
		BaseDelay: reconnectBaseDelay,
		MaxDelay:  reconnectMaxDelay,
	}, nil
}

// Run connects, hands every inbound message to handle and reconnects with
// exponential backoff whenever the socket drops. It returns when ctx is done.
// onConnect, when set, runs after every successful dial.
func (p *Peer) Run(ctx context.Context, onConnect func(), handle func(Message)) error {
	delay := p.BaseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
		if err != nil {
			p.log.Warn("ws dial failed", zap.Error(err), zap.Duration("retry", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, p.MaxDelay)
			continue
		}
		delay = p.BaseDelay

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		p.log.Info("connected", zap.String("url", p.url))

		connCtx, cancel := context.WithCancel(ctx)
		go p.pingLoop(connCtx, conn)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()
		if onConnect != nil {
			onConnect()
		}

		err = p.readLoop(conn, handle)
		cancel()

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
		p.log.Warn("disconnected", zap.Error(err))
	}
}

func (p *Peer) readLoop(conn *websocket.Conn, handle func(Message)) error {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	// The relay pings us; answering resets the deadline too.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Debug("unparseable message", zap.Error(err))
			continue
		}
		if handle != nil {
			handle(msg)
		}
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or a write fails.
func (p *Peer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Connected reports whether a socket is currently open.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Send writes v as JSON on the current socket.
func (p *Peer) Send(v any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return errors.Wrap(conn.WriteJSON(v), "write message")
}

// Ping asks the relay for an application-level pong. App peers only.
func (p *Peer) Ping() error {
	return p.Send(map[string]string{"action": "ping"})
}

// Command asks the relay to route cmd to espId. App peers only.
func (p *Peer) Command(espID, cmd string) error {
	return p.Send(map[string]string{"action": "command", "espId": espID, "cmd": cmd})
}

// Event pushes a device event. An empty userID broadcasts to every app.
// Device peers only.
func (p *Peer) Event(event, userID string, data any) error {
	msg := map[string]any{"type": "event", "event": event}
	if userID != "" {
		msg["userId"] = userID
	}
	if data != nil {
		msg["data"] = data
	}
	return p.Send(msg)
}
