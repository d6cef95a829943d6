package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/othelnet/othelnet/internal/othello"
)

// ErrTruncated reports a frame shorter than its shape requires. It maps to
// the BAD_FORMAT status.
var ErrTruncated = errors.New("protocol: truncated frame")

// ErrReservedCell reports a board cell carrying the reserved value 3. It
// maps to the BAD_FORMAT status.
var ErrReservedCell = errors.New("protocol: reserved board cell value")

// UnsupportedActionError reports a client preamble the server does not
// implement. It maps to the UNSUPPORTED status.
type UnsupportedActionError struct {
	Preamble uint8
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("protocol: unsupported action %d", e.Preamble)
}

// Client requests ------------------------------------------------------------

// HelloRequest opens a session: the client asserts a user id and the
// highest protocol version it speaks.
type HelloRequest struct {
	MaxVersion uint16
	UserID     uint32
}

// JoinRequest attaches the session to a game. GameID 0 requests
// matchmaking, 1 requests a private game, and values >= 2 name a game.
type JoinRequest struct {
	GameID uint32
}

// MoveRequest places a stone at (X,Y). Both coordinates are 4-bit fields
// and may exceed the board; range checking is the rules engine's job.
type MoveRequest struct {
	X, Y uint8
}

func (r *HelloRequest) Encode() []byte {
	b := make([]byte, 1+6)
	b[0] = byte(ActionHello)
	binary.BigEndian.PutUint16(b[1:], r.MaxVersion)
	binary.BigEndian.PutUint32(b[3:], r.UserID)
	return b
}

func (r *JoinRequest) Encode() []byte {
	b := make([]byte, 1+4)
	b[0] = byte(ActionJoin)
	binary.BigEndian.PutUint32(b[1:], r.GameID)
	return b
}

func (r *MoveRequest) Encode() []byte {
	return []byte{byte(ActionMove), (r.X&0x0F)<<4 | r.Y&0x0F}
}

// Request is one of HelloRequest, JoinRequest, or MoveRequest.
type Request interface {
	Encode() []byte
}

// DecodeRequest interprets an action body previously framed by the read
// loop. Truncated bodies yield ErrTruncated; unimplemented actions yield
// an UnsupportedActionError.
func DecodeRequest(action Action, body []byte) (Request, error) {
	size, ok := RequestBodySize(action, 0)
	if !ok {
		return nil, &UnsupportedActionError{Preamble: uint8(action)}
	}
	if len(body) < size {
		return nil, ErrTruncated
	}

	switch action {
	case ActionHello:
		return &HelloRequest{
			MaxVersion: binary.BigEndian.Uint16(body[0:2]),
			UserID:     binary.BigEndian.Uint32(body[2:6]),
		}, nil
	case ActionJoin:
		return &JoinRequest{GameID: binary.BigEndian.Uint32(body[0:4])}, nil
	default: // ActionMove
		return &MoveRequest{X: body[0] >> 4, Y: body[0] & 0x0F}, nil
	}
}

// Server frames --------------------------------------------------------------

// ServerFrame is any frame the server can place on the wire: an action
// status answering a request, or an unsolicited state push.
type ServerFrame interface {
	Encode() []byte
}

// StatusReply is a bare action status with no body: pre-session gating,
// BAD_FORMAT reports, UNSUPPORTED echoes, and JOIN failures.
type StatusReply struct {
	Status Status
	Action uint8
}

// HelloOK reports the negotiated protocol version.
type HelloOK struct {
	Version uint16
}

// HelloUnsupported reports the server's minimum version when the client's
// maximum falls below it.
type HelloUnsupported struct {
	MinVersion uint16
}

// HelloInvalid reports a duplicate HELLO, echoing the user id already
// bound to the connection.
type HelloInvalid struct {
	UserID uint32
}

// JoinOK reports a successful JOIN with the assigned game id and the
// joiner's view of the position.
type JoinOK struct {
	GameID uint32
	State  GameState
}

// MoveReply answers a MOVE. The snapshot is included for every status so
// the client can resync after a rejected move.
type MoveReply struct {
	Status Status
	State  GameState
}

// Push is a bodyless state push: CONNECT, DCONNECT, WIN, LOSE, or TIE.
type Push struct {
	Type PushType
}

// GameStatePush carries a recipient-tailored snapshot to the player who
// did not initiate the change.
type GameStatePush struct {
	State GameState
}

func statusPreamble(s Status, action uint8) []byte {
	// Octet 0 is the frame-type bit (0) followed by the 7-bit status, so
	// the octet equals the status value. Octet 1 is the action type.
	return []byte{byte(s) & 0x7F, action}
}

func pushPreamble(t PushType) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, 0x8000|uint16(t)&0x7FFF)
	return b
}

func (f *StatusReply) Encode() []byte {
	return statusPreamble(f.Status, f.Action)
}

func (f *HelloOK) Encode() []byte {
	b := statusPreamble(StatusOK, uint8(ActionHello))
	return binary.BigEndian.AppendUint16(b, f.Version)
}

func (f *HelloUnsupported) Encode() []byte {
	b := statusPreamble(StatusUnsupported, uint8(ActionHello))
	return binary.BigEndian.AppendUint16(b, f.MinVersion)
}

func (f *HelloInvalid) Encode() []byte {
	b := statusPreamble(StatusInvalid, uint8(ActionHello))
	return binary.BigEndian.AppendUint32(b, f.UserID)
}

func (f *JoinOK) Encode() []byte {
	b := statusPreamble(StatusOK, uint8(ActionJoin))
	b = binary.BigEndian.AppendUint32(b, f.GameID)
	return appendGameState(b, f.State)
}

func (f *MoveReply) Encode() []byte {
	b := statusPreamble(f.Status, uint8(ActionMove))
	return appendGameState(b, f.State)
}

func (f *Push) Encode() []byte {
	return pushPreamble(f.Type)
}

func (f *GameStatePush) Encode() []byte {
	return appendGameState(pushPreamble(PushGameState), f.State)
}

// appendGameState packs the 136-bit GAMESTATE body. The first octet packs
// color, can_move, and the 6-bit turn counter MSB-first; the remaining 16
// octets hold the 64 two-bit cells in row-major order with cell (0,0) in
// the top two bits of the first board octet.
func appendGameState(b []byte, gs GameState) []byte {
	var head uint8
	if gs.Color == othello.White {
		head |= 1 << 7
	}
	if gs.CanMove {
		head |= 1 << 6
	}
	head |= gs.Turn & 0x3F
	b = append(b, head)

	var cells [16]byte
	for y := 0; y < othello.Size; y++ {
		for x := 0; x < othello.Size; x++ {
			i := y*othello.Size + x
			shift := uint(6 - 2*(i&3))
			cells[i>>2] |= uint8(gs.Board[y][x]) << shift
		}
	}
	return append(b, cells[:]...)
}

// DecodeGameState unpacks a 17-octet GAMESTATE body.
func DecodeGameState(b []byte) (GameState, error) {
	var gs GameState
	if len(b) < GameStateSize {
		return gs, ErrTruncated
	}

	if b[0]&(1<<7) != 0 {
		gs.Color = othello.White
	} else {
		gs.Color = othello.Black
	}
	gs.CanMove = b[0]&(1<<6) != 0
	gs.Turn = b[0] & 0x3F

	for y := 0; y < othello.Size; y++ {
		for x := 0; x < othello.Size; x++ {
			i := y*othello.Size + x
			shift := uint(6 - 2*(i&3))
			cell := othello.Cell(b[1+i>>2] >> shift & 0x03)
			if cell > othello.White {
				return GameState{}, ErrReservedCell
			}
			gs.Board[y][x] = cell
		}
	}
	return gs, nil
}

// DecodeServerFrame interprets a complete server frame. The preamble's
// most significant bit selects between action statuses and state pushes;
// the body shape of an action status depends on its action and status.
// Action statuses with no trailing body decode to a bare StatusReply.
func DecodeServerFrame(b []byte) (ServerFrame, error) {
	if len(b) < 2 {
		return nil, ErrTruncated
	}

	if b[0]&0x80 != 0 {
		return decodePush(PushType(binary.BigEndian.Uint16(b)&0x7FFF), b[2:])
	}

	status := Status(b[0] & 0x7F)
	action := b[1]
	body := b[2:]

	if len(body) == 0 {
		return &StatusReply{Status: status, Action: action}, nil
	}

	switch {
	case action == uint8(ActionHello) && status == StatusOK:
		if len(body) < 2 {
			return nil, ErrTruncated
		}
		return &HelloOK{Version: binary.BigEndian.Uint16(body)}, nil

	case action == uint8(ActionHello) && status == StatusUnsupported:
		if len(body) < 2 {
			return nil, ErrTruncated
		}
		return &HelloUnsupported{MinVersion: binary.BigEndian.Uint16(body)}, nil

	case action == uint8(ActionHello) && status == StatusInvalid:
		if len(body) < 4 {
			return nil, ErrTruncated
		}
		return &HelloInvalid{UserID: binary.BigEndian.Uint32(body)}, nil

	case action == uint8(ActionJoin) && status == StatusOK:
		if len(body) < 4+GameStateSize {
			return nil, ErrTruncated
		}
		gs, err := DecodeGameState(body[4:])
		if err != nil {
			return nil, err
		}
		return &JoinOK{GameID: binary.BigEndian.Uint32(body), State: gs}, nil

	case action == uint8(ActionMove):
		gs, err := DecodeGameState(body)
		if err != nil {
			return nil, err
		}
		return &MoveReply{Status: status, State: gs}, nil
	}

	return nil, fmt.Errorf("protocol: no body defined for action %d status %s", action, status)
}

func decodePush(t PushType, body []byte) (ServerFrame, error) {
	switch t {
	case PushGameState:
		gs, err := DecodeGameState(body)
		if err != nil {
			return nil, err
		}
		return &GameStatePush{State: gs}, nil
	case PushConnect, PushDconnect, PushWin, PushLose, PushTie:
		return &Push{Type: t}, nil
	}
	return nil, fmt.Errorf("protocol: unknown push type %d", t)
}
