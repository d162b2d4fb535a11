package security

import "strconv"

// State is the lifecycle position of a Handshake.
type State int32

const (
	StateNotStarted State = iota
	StateInProgress
	StateCompleted
	StateAborted
)

var stateText = map[State]string{
	StateNotStarted: "not started",
	StateInProgress: "in progress",
	StateCompleted:  "completed",
	StateAborted:    "aborted",
}

func (s State) String() string {
	text, ok := stateText[s]
	if ok {
		return text
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Role selects which side of the negotiation a Handshake plays.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "Role(" + strconv.Itoa(int(r)) + ")"
	}
}

// Direction is the readiness reported by the reactor for a socket.
type Direction uint8

const (
	Readable Direction = iota + 1
	Writable
)

func (d Direction) String() string {
	switch d {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return "Direction(" + strconv.Itoa(int(d)) + ")"
	}
}
