// Package protocol defines the wire format spoken between the server and
// its clients: a length-implicit binary framing in which client actions
// carry a one-octet preamble and server frames a two-octet preamble whose
// most significant bit separates action statuses from state pushes.
//
// The package is pure: it converts between byte slices and frame values
// and performs no I/O.
package protocol

import (
	"fmt"

	"github.com/othelnet/othelnet/internal/othello"
)

// Action identifies a client-initiated request type.
type Action uint8

const (
	ActionHello Action = iota
	ActionJoin
	ActionMove
)

func (a Action) String() string {
	switch a {
	case ActionHello:
		return "HELLO"
	case ActionJoin:
		return "JOIN"
	case ActionMove:
		return "MOVE"
	}
	return fmt.Sprintf("ACTION(%d)", uint8(a))
}

// Status is the 7-bit result code carried by every action status frame.
type Status uint8

const (
	StatusOK Status = iota
	StatusBadFormat
	StatusIllegal
	StatusInvalid
	StatusUnsupported
	StatusUnauthorized
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadFormat:
		return "BAD_FORMAT"
	case StatusIllegal:
		return "ILLEGAL"
	case StatusInvalid:
		return "INVALID"
	case StatusUnsupported:
		return "UNSUPPORTED"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// PushType identifies a server-initiated state push.
type PushType uint16

const (
	PushConnect PushType = iota
	PushDconnect
	PushGameState
	PushWin
	PushLose
	PushTie
)

func (p PushType) String() string {
	switch p {
	case PushConnect:
		return "CONNECT"
	case PushDconnect:
		return "DCONNECT"
	case PushGameState:
		return "GAMESTATE"
	case PushWin:
		return "WIN"
	case PushLose:
		return "LOSE"
	case PushTie:
		return "TIE"
	}
	return fmt.Sprintf("PUSH(%d)", uint16(p))
}

// Game ids 0 and 1 are request-only values carried in JOIN; the server
// never assigns them.
const (
	GameIDMatchmake uint32 = 0
	GameIDCreate    uint32 = 1
	GameIDFirst     uint32 = 2
)

// UnknownAction is echoed in an UNSUPPORTED status when the received
// preamble does not fit in the action-type octet.
const UnknownAction uint8 = 255

// GameStateSize is the encoded size of a GAMESTATE body: one octet of
// color/can_move/turn bits followed by 64 two-bit board cells.
const GameStateSize = 1 + 16

// RequestBodySize returns the body size in octets of the given action for
// a protocol version. The second return value is false for actions the
// server does not implement. HELLO's size is frozen across protocol
// revisions.
func RequestBodySize(a Action, version uint16) (int, bool) {
	switch a {
	case ActionHello:
		return 6, true
	case ActionJoin:
		return 4, true
	case ActionMove:
		return 1, true
	}
	return 0, false
}

// GameState is the per-recipient snapshot carried by GAMESTATE pushes and
// by JOIN/MOVE responses. Color is the recipient's color in the game, not
// the side to move; CanMove reports whether the recipient has a legal move
// in the position.
type GameState struct {
	Color   othello.Cell
	CanMove bool
	Turn    uint8 // ply counter truncated to 6 bits
	Board   othello.Board
}
