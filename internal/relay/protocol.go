package relay

import (
	"encoding/json"
	"time"

	"github.com/Nayem2203/espcam-server/internal/queue"
)

type MessageType string

const (
	MsgWelcome    MessageType = "welcome"
	MsgPong       MessageType = "pong"
	MsgFrame      MessageType = "frame"
	MsgAlert      MessageType = "alert"
	MsgESPEvent   MessageType = "esp_event"
	MsgCommandAck MessageType = "command_ack"
	MsgCommand    MessageType = "command"
	MsgError      MessageType = "error"
)

// AckStatus tells the issuing app what happened to its command.
type AckStatus string

const (
	AckSent   AckStatus = "sent"
	AckQueued AckStatus = "queued"
)

// Command is an instruction addressed to one device.
type Command = queue.Command

// Event is something a device reported. An empty TargetUserID means every
// connected app receives it.
type Event struct {
	SourceDeviceID string
	Type           string
	Payload        json.RawMessage
	Timestamp      time.Time
	TargetUserID   string
}

// --- outbound: app sessions ---

type WelcomeMessage struct {
	Type   MessageType `json:"type"`
	Role   string      `json:"role"`
	UserID string      `json:"userId,omitempty"`
	EspID  string      `json:"espId,omitempty"`
	TS     int64       `json:"ts"`
}

type PongMessage struct {
	Type MessageType `json:"type"`
	TS   int64       `json:"ts"`
}

type FrameMessage struct {
	Type MessageType `json:"type"`
	Size int         `json:"size"`
	Seq  uint64      `json:"seq"`
	TS   int64       `json:"ts"`
}

// EventMessage carries both HTTP-posted alerts and device-pushed events;
// Type tells them apart.
type EventMessage struct {
	Type   MessageType     `json:"type"`
	Event  string          `json:"event"`
	EspID  string          `json:"espId"`
	UserID string          `json:"userId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	TS     int64           `json:"ts"`
}

type CommandAckMessage struct {
	Type   MessageType `json:"type"`
	EspID  string      `json:"espId"`
	Cmd    string      `json:"cmd"`
	Status AckStatus   `json:"status"`
	TS     int64       `json:"ts"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
	TS    int64       `json:"ts"`
}

// --- outbound: device sessions ---

type CommandMessage struct {
	Type     MessageType `json:"type"`
	Cmd      string      `json:"cmd"`
	TS       int64       `json:"ts"`
	IssuedBy string      `json:"issuedBy"`
}

func commandMessage(cmd Command) CommandMessage {
	return CommandMessage{
		Type:     MsgCommand,
		Cmd:      cmd.Action,
		TS:       cmd.Timestamp.UnixMilli(),
		IssuedBy: cmd.IssuedBy,
	}
}

// --- inbound ---

// AppMessage is a control message sent by an app over its WebSocket.
type AppMessage struct {
	Action string `json:"action"`
	EspID  string `json:"espId,omitempty"`
	Cmd    string `json:"cmd,omitempty"`
}

// DeviceMessage is a message pushed by a device over its WebSocket.
type DeviceMessage struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	UserID string          `json:"userId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
