package gameserver

import (
	"github.com/othelnet/othelnet/internal/core/client"
	"github.com/othelnet/othelnet/internal/othello"
	"github.com/othelnet/othelnet/internal/protocol"
	"github.com/othelnet/othelnet/internal/registry"
)

// session is the server-side state of one connection: the user id asserted
// by HELLO, the negotiated protocol version, and at most one joined game.
// Sessions die with their connection; games do not.
type session struct {
	client  *client.Client
	version uint16

	// established is set by the first successful HELLO. Until then the
	// connection may send nothing else.
	established bool
	userID      uint32

	// joined marks a valid gameID binding; gameID keeps its last value
	// after unbind, so it is only meaningful while joined is set.
	joined bool
	gameID uint32
}

// bind attaches the session to a game after a successful JOIN. The
// previous session of the same user bound to this game, if any, is
// displaced: a user holds at most one binding per game.
//
// Caller must hold s.mu.
func (s *Server) bind(sess *session, gameID uint32) {
	games := s.sessionsByGame[gameID]
	if games == nil {
		games = make(map[uint32]*session)
		s.sessionsByGame[gameID] = games
	}

	if prev, ok := games[sess.userID]; ok && prev != sess {
		prev.joined = false
	}

	games[sess.userID] = sess
	sess.joined = true
	sess.gameID = gameID
}

// unbind detaches the session from its game, leaving the game itself
// untouched. Caller must hold s.mu.
func (s *Server) unbind(sess *session) {
	if !sess.joined {
		return
	}

	if games, ok := s.sessionsByGame[sess.gameID]; ok {
		if games[sess.userID] == sess {
			delete(games, sess.userID)
		}
		if len(games) == 0 {
			delete(s.sessionsByGame, sess.gameID)
		}
	}
	sess.joined = false
}

// peersOf returns every session bound to the game other than sess itself.
// Caller must hold s.mu.
func (s *Server) peersOf(gameID uint32, sess *session) []*session {
	var peers []*session
	for _, other := range s.sessionsByGame[gameID] {
		if other != sess {
			peers = append(peers, other)
		}
	}
	return peers
}

// stateFor builds the recipient-tailored snapshot: the color field is the
// recipient's color and can_move reports whether that color has a legal
// move in the position.
func stateFor(snap registry.Snapshot, color othello.Cell) protocol.GameState {
	return protocol.GameState{
		Color:   color,
		CanMove: othello.HasAnyLegal(snap.Board, color),
		Turn:    uint8(snap.Turn & 0x3F),
		Board:   snap.Board,
	}
}

// verdictFor maps a final score to the recipient's WIN/LOSE/TIE push.
func verdictFor(color othello.Cell, blackScore, whiteScore int) protocol.PushType {
	mine, theirs := blackScore, whiteScore
	if color == othello.White {
		mine, theirs = whiteScore, blackScore
	}

	switch {
	case mine > theirs:
		return protocol.PushWin
	case mine < theirs:
		return protocol.PushLose
	}
	return protocol.PushTie
}
