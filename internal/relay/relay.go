// Package relay routes commands from apps to devices and events from
// devices to apps.
//
// Delivery guarantees are modest. A command issued while its
// device is registered and healthy is handed to that session once; if the
// connection dies with the command in flight it is lost. A command issued
// while the device is absent is queued and delivered, in order, the next
// time the device connects. Commands that fail during that flush are put
// back at the head of the queue.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Nayem2203/espcam-server/internal/frame"
	"github.com/Nayem2203/espcam-server/internal/queue"
	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	lockStripes = 64

	// UnknownIssuer marks commands whose issuing user was not supplied.
	UnknownIssuer = "unknown"
)

// CommandResult reports whether a command went straight to its device or
// was queued for later.
type CommandResult struct {
	Forwarded bool `json:"forwarded"`
	Queued    bool `json:"queued"`
}

// FanoutReport summarises one delivery to many sessions.
type FanoutReport struct {
	Attempted int
	Delivered int
	Failed    int
}

// Health is the registry-derived view served on /health.
type Health struct {
	AppsConnected  int           `json:"appsConnected"`
	ESPsConnected  int           `json:"espsConnected"`
	QueuedCommands int           `json:"queuedCommands"`
	QueuedDevices  int           `json:"queuedDevices"`
	Evicted        uint64        `json:"evictedCommands"`
	Expired        uint64        `json:"expiredCommands"`
	Delivery       StatsSnapshot `json:"delivery"`
}

type Core struct {
	registry *session.Registry
	queue    *queue.Queue
	sink     Sink
	stats    *Stats
	log      *zap.Logger
	now      func() time.Time

	// deviceLocks serialises register+drain against lookup+enqueue for a
	// device id so no command is lost or delivered twice.
	deviceLocks [lockStripes]sync.Mutex
}

// NewCore wires the relay. A nil sink selects the JSON transport sink.
func NewCore(reg *session.Registry, q *queue.Queue, sink Sink, log *zap.Logger) *Core {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = NewSink(log)
	}
	return &Core{
		registry: reg,
		queue:    q,
		sink:     sink,
		stats:    &Stats{},
		log:      log.With(zap.String("component", "relay")),
		now:      time.Now,
	}
}

func (c *Core) lockDevice(deviceID string) func() {
	mu := &c.deviceLocks[xxhash.Sum64String(deviceID)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (c *Core) ts() int64 {
	return c.now().UnixMilli()
}

func (c *Core) deliver(s *session.Session, msg any) Result {
	r := c.sink.Send(s, msg)
	c.stats.recordSend(r)
	return r
}

// fanout sends msg to every session. A failure on one session never stops
// delivery to the rest.
func (c *Core) fanout(sessions []*session.Session, msg any) FanoutReport {
	rep := FanoutReport{Attempted: len(sessions)}
	for _, s := range sessions {
		if c.deliver(s, msg).OK {
			rep.Delivered++
		} else {
			rep.Failed++
		}
	}
	return rep
}

// ConnectApp registers an app session and greets it.
func (c *Core) ConnectApp(s *session.Session) {
	c.registry.RegisterApp(s.Identity, s)
	s.MarkConnected()
	c.log.Info("app connected", zap.String("userId", s.Identity), zap.String("session", s.ID))
	c.deliver(s, WelcomeMessage{Type: MsgWelcome, Role: session.RoleApp.String(), UserID: s.Identity, TS: c.ts()})
}

// DisconnectApp removes an app session. Safe to call more than once.
func (c *Core) DisconnectApp(s *session.Session) {
	c.registry.UnregisterApp(s.Identity, s)
	_ = s.Close()
	c.log.Info("app disconnected", zap.String("userId", s.Identity), zap.String("session", s.ID))
}

// ConnectDevice registers a device session, flushes its queued commands in
// order and then greets it. A session already registered under the same id
// is superseded and closed.
func (c *Core) ConnectDevice(s *session.Session) {
	deviceID := s.Identity

	unlock := c.lockDevice(deviceID)
	prev := c.registry.RegisterDevice(deviceID, s)
	s.MarkConnected()
	pending := c.queue.DrainAndClear(deviceID)
	flushed := 0
	if len(pending) > 0 {
		msgs := make([]any, len(pending))
		for i, qc := range pending {
			msgs[i] = commandMessage(qc.Command)
		}
		res := c.sink.SendBatch(s, msgs)
		flushed = res.Delivered
		if flushed < len(pending) {
			c.queue.Requeue(deviceID, pending[flushed:])
			c.log.Warn("queued command flush aborted",
				zap.String("espId", deviceID),
				zap.Int("delivered", flushed),
				zap.Int("requeued", len(pending)-flushed),
				zap.Error(res.Err))
		}
	}
	unlock()

	c.stats.recordFlushed(flushed, len(pending)-flushed)
	if prev != nil {
		c.log.Info("device session superseded", zap.String("espId", deviceID), zap.String("session", prev.ID))
		_ = prev.Close()
	}
	c.log.Info("device connected", zap.String("espId", deviceID), zap.String("session", s.ID), zap.Int("flushed", flushed))
	c.deliver(s, WelcomeMessage{Type: MsgWelcome, Role: session.RoleDevice.String(), EspID: deviceID, TS: c.ts()})
}

// DisconnectDevice removes a device session if it is still the registered
// one for its id. Safe to call more than once.
func (c *Core) DisconnectDevice(s *session.Session) {
	unlock := c.lockDevice(s.Identity)
	removed := c.registry.UnregisterDeviceSession(s.Identity, s)
	unlock()
	_ = s.Close()
	if removed {
		c.log.Info("device disconnected", zap.String("espId", s.Identity), zap.String("session", s.ID))
	}
}

// HandleCommandRequest forwards a command to a connected device or queues it
// for later. The issuing user, when known, gets a command_ack either way.
func (c *Core) HandleCommandRequest(deviceID, action, userID string) CommandResult {
	issuedBy := userID
	if issuedBy == "" {
		issuedBy = UnknownIssuer
	}
	cmd := Command{TargetDeviceID: deviceID, Action: action, IssuedBy: issuedBy, Timestamp: c.now()}

	var res CommandResult

	unlock := c.lockDevice(deviceID)
	if s, ok := c.registry.SessionFor(deviceID); ok && s.Healthy() {
		res.Forwarded = c.deliver(s, commandMessage(cmd)).OK
	}
	evicted := 0
	if !res.Forwarded {
		evicted = c.queue.Enqueue(deviceID, cmd)
		res.Queued = true
	}
	unlock()

	c.stats.recordCommand(res.Forwarded)
	status := AckSent
	if res.Queued {
		status = AckQueued
		c.log.Info("device offline, command queued",
			zap.String("espId", deviceID), zap.String("cmd", action), zap.Int("evicted", evicted))
	} else {
		c.log.Info("command forwarded", zap.String("espId", deviceID), zap.String("cmd", action))
	}

	if userID != "" {
		c.fanout(c.registry.SessionsFor(userID), CommandAckMessage{
			Type:   MsgCommandAck,
			EspID:  deviceID,
			Cmd:    action,
			Status: status,
			TS:     c.ts(),
		})
	}
	return res
}

// HandleDeviceEvent relays an alert to the target user's sessions, or to all
// app sessions when the event has no target.
func (c *Core) HandleDeviceEvent(deviceID string, ev Event) FanoutReport {
	return c.dispatchEvent(MsgAlert, deviceID, ev)
}

func (c *Core) dispatchEvent(kind MessageType, deviceID string, ev Event) FanoutReport {
	c.stats.recordEvent()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	msg := EventMessage{
		Type:   kind,
		Event:  ev.Type,
		EspID:  deviceID,
		UserID: ev.TargetUserID,
		Data:   ev.Payload,
		TS:     ts.UnixMilli(),
	}

	var targets []*session.Session
	if ev.TargetUserID != "" {
		targets = c.registry.SessionsFor(ev.TargetUserID)
	} else {
		targets = c.registry.Apps()
	}
	rep := c.fanout(targets, msg)
	c.log.Debug("event relayed",
		zap.String("kind", string(kind)),
		zap.String("espId", deviceID),
		zap.String("event", ev.Type),
		zap.Int("delivered", rep.Delivered),
		zap.Int("failed", rep.Failed))
	return rep
}

// HandleDeviceMessage processes a message a device pushed over its socket.
// Events are relayed to apps as esp_event; anything else is dropped.
func (c *Core) HandleDeviceMessage(s *session.Session, raw []byte) {
	var msg DeviceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.stats.recordDropped()
		c.log.Debug("device message parse error", zap.String("espId", s.Identity), zap.Error(err))
		return
	}
	if msg.Type != "event" || msg.Event == "" {
		c.stats.recordDropped()
		return
	}
	c.dispatchEvent(MsgESPEvent, s.Identity, Event{
		SourceDeviceID: s.Identity,
		Type:           msg.Event,
		Payload:        msg.Data,
		Timestamp:      c.now(),
		TargetUserID:   msg.UserID,
	})
}

// HandleAppCommand processes a control message from an app. Malformed or
// unknown messages are dropped without a reply.
func (c *Core) HandleAppCommand(s *session.Session, raw []byte) {
	var msg AppMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.stats.recordDropped()
		return
	}
	switch msg.Action {
	case "ping":
		c.deliver(s, PongMessage{Type: MsgPong, TS: c.ts()})
	case "command", "lock", "unlock":
		if msg.EspID == "" || msg.Cmd == "" {
			c.stats.recordDropped()
			return
		}
		c.HandleCommandRequest(msg.EspID, msg.Cmd, s.Identity)
	default:
		c.stats.recordDropped()
	}
}

// NotifyFrame tells every app that a new frame is available.
func (c *Core) NotifyFrame(f *frame.Frame) FanoutReport {
	return c.fanout(c.registry.Apps(), FrameMessage{
		Type: MsgFrame,
		Size: f.Size,
		Seq:  f.Seq,
		TS:   f.ReceivedAt.UnixMilli(),
	})
}

// ErrorMessage builds the payload sent to a connection whose handshake failed.
func (c *Core) ErrorMessage(text string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Error: text, TS: c.ts()}
}

func (c *Core) Health() Health {
	return Health{
		AppsConnected:  c.registry.AppCount(),
		ESPsConnected:  c.registry.DeviceCount(),
		QueuedCommands: c.queue.Total(),
		QueuedDevices:  len(c.queue.Devices()),
		Evicted:        c.queue.Evicted(),
		Expired:        c.queue.Expired(),
		Delivery:       c.stats.Snapshot(),
	}
}
