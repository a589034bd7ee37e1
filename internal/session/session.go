package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrClosed is returned by Send once the session has been closed.
var ErrClosed = errors.New("session closed")

// Transport is the connection-level handle behind a Session. Send must not
// block on the network; implementations hand data to their own writer.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Session is one live connection of a device or an app.
type Session struct {
	ID          string
	Role        Role
	Identity    string
	ConnectedAt time.Time

	transport Transport
	state     atomic.Int32
	closeOnce sync.Once
}

// New creates a session in the Connecting state.
func New(role Role, identity string, t Transport) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		Role:        role,
		Identity:    identity,
		ConnectedAt: time.Now(),
		transport:   t,
	}
	s.state.Store(int32(Connecting))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// transition moves the session to next if its current state allows it.
func (s *Session) transition(next State) bool {
	for {
		cur := State(s.state.Load())
		if !cur.CanTransition(next) {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// MarkConnected completes the handshake. It returns false if the session
// already left Connecting.
func (s *Session) MarkConnected() bool {
	return s.transition(Connected)
}

// Healthy reports whether routed traffic can still be handed to the session.
func (s *Session) Healthy() bool {
	return s.State() == Connected
}

// Send hands data to the transport. It fails once the session is closed.
func (s *Session) Send(data []byte) error {
	if s.State() == Disconnected {
		return ErrClosed
	}
	return s.transport.Send(data)
}

// BatchTransport is implemented by transports that accept an ordered batch
// as a single unit, so a backlog never competes with the per-message buffer.
type BatchTransport interface {
	SendBatch(batch [][]byte) error
}

// SendBatch hands batch to the transport in order and returns how many
// messages were accepted. A BatchTransport takes all or nothing; any other
// transport is fed one message at a time until the first failure.
func (s *Session) SendBatch(batch [][]byte) (int, error) {
	if s.State() == Disconnected {
		return 0, ErrClosed
	}
	if bt, ok := s.transport.(BatchTransport); ok {
		if err := bt.SendBatch(batch); err != nil {
			return 0, err
		}
		return len(batch), nil
	}
	for i, data := range batch {
		if err := s.transport.Send(data); err != nil {
			return i, err
		}
	}
	return len(batch), nil
}

// Close moves the session to Disconnected and closes the transport. Only the
// first call has any effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.transition(Disconnected)
		err = s.transport.Close()
	})
	return err
}
