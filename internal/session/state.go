package session

import "github.com/cockroachdb/errors"

// State is the lifecycle position of a single connection.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

var stateNames = map[State]string{
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// CanTransition reports whether s may move to next. Disconnected is terminal.
func (s State) CanTransition(next State) bool {
	switch s {
	case Connecting:
		return next == Connected || next == Disconnected
	case Connected:
		return next == Disconnected
	}
	return false
}

// Role distinguishes the two peer populations. The string form is the
// value of the role query parameter used during the handshake.
type Role int

const (
	RoleApp Role = iota
	RoleDevice
)

var roleNames = map[Role]string{
	RoleApp:    "app",
	RoleDevice: "esp",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return "unknown"
}

// ParseRole maps a handshake role value to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "app":
		return RoleApp, nil
	case "esp", "device":
		return RoleDevice, nil
	}
	return 0, errors.Newf("unknown role %q", s)
}
