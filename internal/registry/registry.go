// Package registry owns the process-wide game table and the matchmaking
// queue. All reads and writes of cross-connection game state are
// serialized behind a single mutex here; operations return value
// snapshots and never perform I/O, so callers can deliver notifications
// outside the critical section.
package registry

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/othelnet/othelnet/internal/othello"
	"github.com/othelnet/othelnet/internal/protocol"
)

// Lifecycle is the game state machine: a game is created Unready, becomes
// Ready when a guest attaches, and is Completed when neither color has a
// legal move. Completed games stay in the table until shutdown.
type Lifecycle uint8

const (
	Unready Lifecycle = iota
	Ready
	Completed
)

func (l Lifecycle) String() string {
	switch l {
	case Unready:
		return "unready"
	case Ready:
		return "ready"
	case Completed:
		return "completed"
	}
	return "unknown"
}

var (
	// ErrNotFound reports a JOIN or MOVE naming a game id that was never
	// assigned.
	ErrNotFound = errors.New("registry: no such game")
	// ErrCompleted reports an operation on a finished game.
	ErrCompleted = errors.New("registry: game is completed")
	// ErrUnauthorized reports a JOIN of a ready game by a non-player.
	ErrUnauthorized = errors.New("registry: user is not a participant")
	// ErrNotTurn reports a MOVE by the player whose turn it is not, or a
	// MOVE into a game that has not started.
	ErrNotTurn = errors.New("registry: not the mover's turn")
	// ErrIllegal reports a MOVE rejected by the rules engine.
	ErrIllegal = errors.New("registry: illegal move")
)

// game is the registry's record of a single match. The host plays white
// and the guest black; black moves on odd turns.
type game struct {
	id      uint32
	hostID  uint32
	guestID uint32
	// hasGuest distinguishes "no guest yet" from a guest with user id 0.
	hasGuest bool
	board    othello.Board
	// turn counts plies starting at 1. toMove tracks the side to move
	// explicitly since forced passes break the parity correspondence.
	turn   uint32
	toMove othello.Cell
	state  Lifecycle
	queued bool
}

// Snapshot is a read-only copy of a game's state, safe to use outside the
// registry lock.
type Snapshot struct {
	GameID   uint32
	HostID   uint32
	GuestID  uint32
	HasGuest bool
	Board    othello.Board
	Turn     uint32
	ToMove   othello.Cell
	State    Lifecycle
}

func (g *game) snapshot() Snapshot {
	return Snapshot{
		GameID:   g.id,
		HostID:   g.hostID,
		GuestID:  g.guestID,
		HasGuest: g.hasGuest,
		Board:    g.board,
		Turn:     g.turn,
		ToMove:   g.toMove,
		State:    g.state,
	}
}

// ColorOf returns the color a user plays in this game, or Empty for
// non-participants.
func (s Snapshot) ColorOf(userID uint32) othello.Cell {
	switch {
	case userID == s.HostID:
		return othello.White
	case s.HasGuest && userID == s.GuestID:
		return othello.Black
	}
	return othello.Empty
}

// JoinOutcome describes the effect of a successful Join.
type JoinOutcome struct {
	Snapshot Snapshot
	// Created is set when the join allocated a fresh game instead of
	// attaching to an existing one.
	Created bool
	// Readied is set when this join transitioned the game Unready→Ready,
	// in which case the host should be notified.
	Readied bool
}

// MoveOutcome describes the effect of a successful (legal) Move.
type MoveOutcome struct {
	Snapshot   Snapshot
	Captured   []othello.Point
	Completed  bool
	BlackScore int
	WhiteScore int
}

// Registry is the single owner of all games and the matchmaking queue.
type Registry struct {
	mu     sync.Mutex
	logger *logrus.Logger

	games  map[uint32]*game
	queue  []uint32 // game ids of queued unready games, FIFO
	nextID uint32
}

func New(logger *logrus.Logger) *Registry {
	return &Registry{
		logger: logger,
		games:  make(map[uint32]*game),
		nextID: protocol.GameIDFirst,
	}
}

// newGame allocates the next monotone game id. Ids are never reused
// within an uptime. Caller must hold r.mu.
func (r *Registry) newGame(hostID uint32, queued bool) *game {
	g := &game{
		id:       r.nextID,
		hostID:   hostID,
		board:    othello.NewBoard(),
		turn:     1,
		toMove:   othello.Black,
		state:    Unready,
		queued:   queued,
	}
	r.nextID++
	r.games[g.id] = g
	if queued {
		r.queue = append(r.queue, g.id)
	}

	r.logger.Infof("created game %d (host=%d queued=%v)", g.id, hostID, queued)
	return g
}

// CreateUnready inserts a fresh unready game hosted by hostID, enqueueing
// it for matchmaking iff queued is set, and returns its snapshot.
func (r *Registry) CreateUnready(hostID uint32, queued bool) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newGame(hostID, queued).snapshot()
}

// Get returns a snapshot of the named game.
func (r *Registry) Get(gameID uint32) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return Snapshot{}, false
	}
	return g.snapshot(), true
}

// Join implements the JOIN semantics for a user. The requested id selects
// the behavior: 0 matches (or creates) a queued game, 1 creates a private
// game, and ids >= 2 attach to a specific game. The dequeue-and-bind path
// is a single critical section so two concurrent matchmaking joins can
// never both claim the same pending game.
func (r *Registry) Join(userID, requestedID uint32) (JoinOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch requestedID {
	case protocol.GameIDMatchmake:
		return r.matchmake(userID), nil
	case protocol.GameIDCreate:
		g := r.newGame(userID, false)
		return JoinOutcome{Snapshot: g.snapshot(), Created: true}, nil
	}

	g, ok := r.games[requestedID]
	if !ok {
		return JoinOutcome{}, ErrNotFound
	}

	switch g.state {
	case Completed:
		return JoinOutcome{}, ErrCompleted
	case Unready:
		if userID == g.hostID {
			// Host rebinding to its own pending game.
			return JoinOutcome{Snapshot: g.snapshot()}, nil
		}
		r.attachGuest(g, userID)
		return JoinOutcome{Snapshot: g.snapshot(), Readied: true}, nil
	default: // Ready
		if userID != g.hostID && userID != g.guestID {
			return JoinOutcome{}, ErrUnauthorized
		}
		// Participant (re)binding; the peer observes CONNECT.
		return JoinOutcome{Snapshot: g.snapshot()}, nil
	}
}

// matchmake pops the first queued game not hosted by the joiner and
// attaches them as guest; with no eligible game it creates a new queued
// one. A user is never paired with themself: their own pending games are
// skipped, not claimed. Caller must hold r.mu.
func (r *Registry) matchmake(userID uint32) JoinOutcome {
	for i, id := range r.queue {
		g := r.games[id]
		if g.hostID == userID {
			continue
		}

		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		r.attachGuest(g, userID)
		return JoinOutcome{Snapshot: g.snapshot(), Readied: true}
	}

	g := r.newGame(userID, true)
	return JoinOutcome{Snapshot: g.snapshot(), Created: true}
}

// attachGuest binds userID as the guest and readies the game, removing it
// from the matchmaking queue if present. Caller must hold r.mu.
func (r *Registry) attachGuest(g *game, userID uint32) {
	g.guestID = userID
	g.hasGuest = true
	g.state = Ready

	if g.queued {
		g.queued = false
		for i, id := range r.queue {
			if id == g.id {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
	}

	r.logger.Infof("game %d ready (host=%d guest=%d)", g.id, g.hostID, userID)
}

// Move validates and applies a ply by userID in the named game. Rules
// violations return ErrIllegal along with the unchanged snapshot so the
// caller can resync the client; turn violations return ErrNotTurn.
func (r *Registry) Move(gameID, userID uint32, x, y int) (MoveOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.games[gameID]
	if !ok {
		return MoveOutcome{}, ErrNotFound
	}
	if g.state == Completed {
		return MoveOutcome{Snapshot: g.snapshot()}, ErrCompleted
	}
	if g.state != Ready {
		return MoveOutcome{Snapshot: g.snapshot()}, ErrNotTurn
	}

	var color othello.Cell
	switch userID {
	case g.hostID:
		color = othello.White
	case g.guestID:
		color = othello.Black
	default:
		return MoveOutcome{Snapshot: g.snapshot()}, ErrUnauthorized
	}

	if color != g.toMove {
		return MoveOutcome{Snapshot: g.snapshot()}, ErrNotTurn
	}

	board, captured := othello.Apply(g.board, color, x, y)
	if captured == nil {
		return MoveOutcome{Snapshot: g.snapshot()}, ErrIllegal
	}

	g.board = board
	g.turn, g.toMove, _ = advance(g, color)

	out := MoveOutcome{
		Snapshot: g.snapshot(),
		Captured: captured,
	}
	out.BlackScore, out.WhiteScore = othello.Score(g.board)

	if g.state == Completed {
		out.Completed = true
		r.logger.Infof("game %d completed (black=%d white=%d)",
			g.id, out.BlackScore, out.WhiteScore)
	}

	return out, nil
}

// advance applies the turn-advancement policy and transitions the game to
// Completed when neither side can move. Caller must hold r.mu.
func advance(g *game, mover othello.Cell) (uint32, othello.Cell, bool) {
	turn, toMove, completed := othello.Advance(g.board, mover, g.turn)
	if completed {
		g.state = Completed
	}
	return turn, toMove, completed
}

// QueueLen reports the number of games waiting for a guest.
func (r *Registry) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Count reports the total number of games in the table.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.games)
}
