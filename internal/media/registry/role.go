package registry

import "fmt"

// Role distinguishes the one broadcasting peer from its viewers.
type Role int

const (
	RoleHost Role = iota
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleViewer:
		return "viewer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole parses the role segment of a signaling URL.
func ParseRole(s string) (Role, error) {
	switch s {
	case "host":
		return RoleHost, nil
	case "viewer":
		return RoleViewer, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Direction identifies a transport's media direction relative to the
// client: hosts send, viewers receive.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionRecv
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionRecv:
		return "recv"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection parses a direction field from a signaling frame.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "send":
		return DirectionSend, nil
	case "recv":
		return DirectionRecv, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}
