// Package gameserver is the backend for the game protocol: it owns the
// session table, translates decoded client actions into registry
// operations, and fans state pushes out to every connection bound to an
// affected game.
package gameserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/othelnet/othelnet/internal/core"
	"github.com/othelnet/othelnet/internal/core/client"
	"github.com/othelnet/othelnet/internal/core/data"
	"github.com/othelnet/othelnet/internal/core/debug"
	"github.com/othelnet/othelnet/internal/protocol"
	"github.com/othelnet/othelnet/internal/registry"
)

// delivery pairs an outbound frame with its destination. Push targets are
// computed while holding the session lock; the actual writes happen after
// it is released so a slow client never stalls unrelated games.
type delivery struct {
	to    *client.Client
	frame protocol.ServerFrame
}

// Server implements the game backend. One instance serves every
// connection.
type Server struct {
	Name     string
	Config   *core.Config
	Logger   *logrus.Logger
	Registry *registry.Registry
	// DB is the optional match history store; nil disables recording.
	DB *gorm.DB

	mu             sync.RWMutex
	sessionsByConn map[*client.Client]*session
	sessionsByGame map[uint32]map[uint32]*session
}

func (s *Server) Identifier() string {
	return s.Name
}

func (s *Server) Init(_ context.Context) error {
	s.sessionsByConn = make(map[*client.Client]*session)
	s.sessionsByGame = make(map[uint32]map[uint32]*session)
	return nil
}

// StartSession registers a fresh connection. The protocol has no server
// greeting; the client speaks first with HELLO.
func (s *Server) StartSession(c *client.Client) {
	s.mu.Lock()
	s.sessionsByConn[c] = &session{client: c}
	s.mu.Unlock()
}

// BodySize reports the framing size of an action's body for the
// connection's negotiated protocol version.
func (s *Server) BodySize(c *client.Client, action uint8) (int, bool) {
	s.mu.RLock()
	sess := s.sessionsByConn[c]
	s.mu.RUnlock()

	var version uint16
	if sess != nil {
		version = sess.version
	}
	return protocol.RequestBodySize(protocol.Action(action), version)
}

// Handle processes one complete inbound frame: the action preamble
// followed by its body. Protocol failures are reported to the client as
// action statuses; only transport errors propagate as Go errors.
func (s *Server) Handle(_ context.Context, c *client.Client, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	action := protocol.Action(frame[0])

	s.mu.RLock()
	sess := s.sessionsByConn[c]
	s.mu.RUnlock()
	if sess == nil {
		// Disconnect raced with a queued frame.
		return nil
	}

	req, err := protocol.DecodeRequest(action, frame[1:])
	if err != nil {
		return s.handleDecodeError(c, frame[0], err)
	}

	if s.Config.Debugging.FrameLoggingEnabled {
		debug.DumpClientFrame(s.Logger, c.SessionID(), req)
	}

	// Pre-session gating: a connection may send nothing but HELLO until a
	// session is established.
	if !sess.established && action != protocol.ActionHello {
		return c.SendFrame(&protocol.StatusReply{
			Status: protocol.StatusInvalid,
			Action: uint8(action),
		})
	}

	switch req := req.(type) {
	case *protocol.HelloRequest:
		return s.handleHello(c, sess, req)
	case *protocol.JoinRequest:
		return s.handleJoin(c, sess, req)
	case *protocol.MoveRequest:
		return s.handleMove(c, sess, req)
	}
	return nil
}

// handleDecodeError answers undecodable frames. The server reports and
// carries on; it never hangs up on a protocol error.
func (s *Server) handleDecodeError(c *client.Client, preamble uint8, err error) error {
	var unsupported *protocol.UnsupportedActionError
	switch {
	case errors.As(err, &unsupported):
		s.Logger.Warnf("[%s] unsupported action %d from %s", c.SessionID(), preamble, c.IPAddr())
		return c.SendFrame(&protocol.StatusReply{
			Status: protocol.StatusUnsupported,
			Action: unsupported.Preamble,
		})
	case errors.Is(err, protocol.ErrTruncated):
		s.Logger.Warnf("[%s] truncated %s body from %s", c.SessionID(), protocol.Action(preamble), c.IPAddr())
		return c.SendFrame(&protocol.StatusReply{
			Status: protocol.StatusBadFormat,
			Action: preamble,
		})
	}
	return c.SendFrame(&protocol.StatusReply{
		Status: protocol.StatusBadFormat,
		Action: preamble,
	})
}

// handleHello negotiates the protocol version and binds the asserted user
// id to the connection. The user id is not authenticated. HELLO's frame
// format is frozen across protocol revisions.
func (s *Server) handleHello(c *client.Client, sess *session, req *protocol.HelloRequest) error {
	if sess.established {
		s.Logger.Warnf("[%s] duplicate HELLO from user %d", c.SessionID(), sess.userID)
		return c.SendFrame(&protocol.HelloInvalid{UserID: sess.userID})
	}

	minVersion := uint16(s.Config.GameServer.MinVersion)
	maxVersion := uint16(s.Config.GameServer.MaxVersion)

	if req.MaxVersion < minVersion {
		return c.SendFrame(&protocol.HelloUnsupported{MinVersion: minVersion})
	}

	version := maxVersion
	if req.MaxVersion < version {
		version = req.MaxVersion
	}

	s.mu.Lock()
	sess.established = true
	sess.userID = req.UserID
	sess.version = version
	s.mu.Unlock()

	s.Logger.Infof("[%s] new session for user %d (version %d)", c.SessionID(), req.UserID, version)
	return c.SendFrame(&protocol.HelloOK{Version: version})
}

// handleJoin attaches the session to a game through the registry and
// notifies the peer. A join that switches games detaches from the old one
// first, which the old peer observes as DCONNECT.
func (s *Server) handleJoin(c *client.Client, sess *session, req *protocol.JoinRequest) error {
	outcome, err := s.Registry.Join(sess.userID, req.GameID)
	if err != nil {
		return c.SendFrame(&protocol.StatusReply{
			Status: joinStatus(err),
			Action: uint8(protocol.ActionJoin),
		})
	}

	snap := outcome.Snapshot
	var pushes []delivery

	s.mu.Lock()
	if sess.joined && sess.gameID != snap.GameID {
		oldGameID := sess.gameID
		s.unbind(sess)
		for _, peer := range s.peersOf(oldGameID, sess) {
			pushes = append(pushes, delivery{peer.client, &protocol.Push{Type: protocol.PushDconnect}})
		}
	}
	s.bind(sess, snap.GameID)

	// The joiner gets the action status; everyone else bound to the game
	// sees CONNECT. Covers the host of a game readied by this join as well
	// as the peer of a rejoining player.
	if !outcome.Created {
		for _, peer := range s.peersOf(snap.GameID, sess) {
			pushes = append(pushes, delivery{peer.client, &protocol.Push{Type: protocol.PushConnect}})
		}
	}
	s.mu.Unlock()

	s.Logger.Infof("[%s] user %d joined game %d (%s)",
		c.SessionID(), sess.userID, snap.GameID, snap.State)

	reply := &protocol.JoinOK{
		GameID: snap.GameID,
		State:  stateFor(snap, snap.ColorOf(sess.userID)),
	}
	if err := c.SendFrame(reply); err != nil {
		return err
	}

	s.deliver(pushes)
	return nil
}

func joinStatus(err error) protocol.Status {
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		return protocol.StatusUnauthorized
	default:
		// Nonexistent and completed games look the same to the client.
		return protocol.StatusInvalid
	}
}

// handleMove validates and applies a ply. Every reply that has a game to
// describe carries the current snapshot so the client can resync even
// after a rejected move.
func (s *Server) handleMove(c *client.Client, sess *session, req *protocol.MoveRequest) error {
	// Bindings can be displaced by another connection of the same user, so
	// read them under the lock.
	s.mu.RLock()
	joined, gameID := sess.joined, sess.gameID
	s.mu.RUnlock()

	if !joined {
		return c.SendFrame(&protocol.StatusReply{
			Status: protocol.StatusInvalid,
			Action: uint8(protocol.ActionMove),
		})
	}

	outcome, err := s.Registry.Move(gameID, sess.userID, int(req.X), int(req.Y))
	if err != nil {
		return s.handleMoveError(c, sess, gameID, outcome, err)
	}

	snap := outcome.Snapshot
	mover := snap.ColorOf(sess.userID)

	// Push targets are computed under the lock; writes happen outside it.
	var pushes []delivery
	s.mu.RLock()
	for _, peer := range s.peersOf(snap.GameID, sess) {
		pushes = append(pushes, delivery{
			peer.client,
			&protocol.GameStatePush{State: stateFor(snap, snap.ColorOf(peer.userID))},
		})
		if outcome.Completed {
			pushes = append(pushes, delivery{
				peer.client,
				&protocol.Push{Type: verdictFor(snap.ColorOf(peer.userID), outcome.BlackScore, outcome.WhiteScore)},
			})
		}
	}
	s.mu.RUnlock()

	reply := &protocol.MoveReply{
		Status: protocol.StatusOK,
		State:  stateFor(snap, mover),
	}
	if err := c.SendFrame(reply); err != nil {
		return err
	}
	if outcome.Completed {
		if err := c.SendFrame(&protocol.Push{
			Type: verdictFor(mover, outcome.BlackScore, outcome.WhiteScore),
		}); err != nil {
			return err
		}
	}

	s.deliver(pushes)

	if outcome.Completed {
		s.recordMatch(snap, outcome)
	}
	return nil
}

// handleMoveError reports a rejected MOVE. The snapshot still goes back
// for every rejection that has one; no push reaches the opponent.
func (s *Server) handleMoveError(c *client.Client, sess *session, gameID uint32, outcome registry.MoveOutcome, err error) error {
	var status protocol.Status
	switch {
	case errors.Is(err, registry.ErrIllegal):
		status = protocol.StatusIllegal
	case errors.Is(err, registry.ErrNotTurn), errors.Is(err, registry.ErrCompleted):
		status = protocol.StatusInvalid
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrUnauthorized):
		// A session bound to a game it can't move in means the JOIN
		// bookkeeping broke; keep serving but make noise.
		s.Logger.Errorf("[%s] session for user %d bound to game %d inconsistently: %v",
			c.SessionID(), sess.userID, gameID, err)
		return c.SendFrame(&protocol.StatusReply{
			Status: protocol.StatusInvalid,
			Action: uint8(protocol.ActionMove),
		})
	default:
		status = protocol.StatusInvalid
	}

	return c.SendFrame(&protocol.MoveReply{
		Status: status,
		State:  stateFor(outcome.Snapshot, outcome.Snapshot.ColorOf(sess.userID)),
	})
}

// Disconnect tears the session down on connection close. The game
// survives; any peer still bound to it observes DCONNECT.
func (s *Server) Disconnect(c *client.Client) {
	var pushes []delivery

	s.mu.Lock()
	sess, ok := s.sessionsByConn[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessionsByConn, c)

	if sess.joined {
		gameID := sess.gameID
		s.unbind(sess)
		for _, peer := range s.peersOf(gameID, sess) {
			pushes = append(pushes, delivery{peer.client, &protocol.Push{Type: protocol.PushDconnect}})
		}
	}
	s.mu.Unlock()

	if sess.established {
		s.Logger.Infof("[%s] session for user %d closed", c.SessionID(), sess.userID)
	}
	s.deliver(pushes)
}

// deliver writes queued pushes outside of all locks. Write failures are
// the peer's reader's problem to notice; they only get logged here.
func (s *Server) deliver(pushes []delivery) {
	for _, d := range pushes {
		if s.Config.Debugging.FrameLoggingEnabled {
			debug.DumpServerFrame(s.Logger, d.to.SessionID(), d.frame)
		}
		if err := d.to.SendFrame(d.frame); err != nil {
			s.Logger.Warnf("[%s] failed to deliver push: %v", d.to.SessionID(), err)
		}
	}
}

// recordMatch persists the result of a completed game. Recording is best
// effort: history is a convenience and never blocks game flow.
func (s *Server) recordMatch(snap registry.Snapshot, outcome registry.MoveOutcome) {
	if s.DB == nil {
		return
	}

	record := &data.MatchRecord{
		GameID:      snap.GameID,
		HostUserID:  snap.HostID,
		GuestUserID: snap.GuestID,
		BlackScore:  outcome.BlackScore,
		WhiteScore:  outcome.WhiteScore,
		Plies:       snap.Turn,
		Winner:      data.WinnerOf(outcome.BlackScore, outcome.WhiteScore),
		CompletedAt: time.Now(),
	}
	if err := data.CreateMatchRecord(s.DB, record); err != nil {
		s.Logger.Warnf("failed to record match for game %d: %v", snap.GameID, err)
	}
}
