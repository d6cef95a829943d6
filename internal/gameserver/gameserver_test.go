package gameserver

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/othelnet/othelnet/internal/core"
	"github.com/othelnet/othelnet/internal/core/client"
	"github.com/othelnet/othelnet/internal/othello"
	"github.com/othelnet/othelnet/internal/protocol"
	"github.com/othelnet/othelnet/internal/registry"
)

const (
	userOne = uint32(0xAABBCCDD)
	userTwo = uint32(0x11223344)
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := &Server{
		Name:     "GAME",
		Config:   &core.Config{},
		Logger:   logger,
		Registry: registry.New(logger),
	}
	require.NoError(t, s.Init(context.Background()))
	return s
}

// newClientPair builds a real TCP connection pair: the server-side Client
// registered with the backend and the remote end the test reads frames
// from.
func newClientPair(t *testing.T, s *Server) (*client.Client, net.Conn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	type accepted struct {
		conn *net.TCPConn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := listener.AcceptTCP()
		ch <- accepted{conn, err}
	}()

	remote, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	res := <-ch
	require.NoError(t, res.err)

	c := client.NewClient(res.conn)
	s.StartSession(c)

	t.Cleanup(func() {
		_ = c.Close()
		_ = remote.Close()
	})
	return c, remote
}

func handle(t *testing.T, s *Server, c *client.Client, frame []byte) {
	t.Helper()
	require.NoError(t, s.Handle(context.Background(), c, frame))
}

// readFrame reads exactly n octets from the remote end of a connection.
func readFrame(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func readServerFrame(t *testing.T, conn net.Conn, n int) protocol.ServerFrame {
	t.Helper()

	frame, err := protocol.DecodeServerFrame(readFrame(t, conn, n))
	require.NoError(t, err)
	return frame
}

// assertNothingBuffered verifies that no unread frame is waiting on the
// connection.
func assertNothingBuffered(t *testing.T, conn net.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.Error(t, err, "expected no buffered frames")
}

// Frame sizes as they appear on the wire.
const (
	statusReplySize   = 2
	helloOKSize       = 4
	helloInvalidSize  = 6
	pushSize          = 2
	joinOKSize        = 2 + 4 + protocol.GameStateSize
	moveReplySize     = 2 + protocol.GameStateSize
	gameStatePushSize = 2 + protocol.GameStateSize
)

func establish(t *testing.T, s *Server, c *client.Client, conn net.Conn, userID uint32) {
	t.Helper()

	handle(t, s, c, (&protocol.HelloRequest{MaxVersion: 0, UserID: userID}).Encode())
	frame := readServerFrame(t, conn, helloOKSize)
	require.Equal(t, &protocol.HelloOK{Version: 0}, frame)
}

func TestHelloHandshake(t *testing.T) {
	s := newTestServer(t)
	c, conn := newClientPair(t, s)

	handle(t, s, c, []byte{0x00, 0x00, 0x00, 0xAA, 0xBB, 0xCC, 0xDD})

	// Status OK, action HELLO, version 0.
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, readFrame(t, conn, helloOKSize))
}

func TestHelloVersionNegotiation(t *testing.T) {
	t.Run("client max above server max", func(t *testing.T) {
		s := newTestServer(t)
		c, conn := newClientPair(t, s)

		handle(t, s, c, (&protocol.HelloRequest{MaxVersion: 7, UserID: userOne}).Encode())

		frame := readServerFrame(t, conn, helloOKSize)
		assert.Equal(t, &protocol.HelloOK{Version: 0}, frame)
	})

	t.Run("client max below server min", func(t *testing.T) {
		s := newTestServer(t)
		s.Config.GameServer.MinVersion = 2
		s.Config.GameServer.MaxVersion = 3
		c, conn := newClientPair(t, s)

		handle(t, s, c, (&protocol.HelloRequest{MaxVersion: 1, UserID: userOne}).Encode())

		frame := readServerFrame(t, conn, helloOKSize)
		assert.Equal(t, &protocol.HelloUnsupported{MinVersion: 2}, frame)
	})
}

func TestDuplicateHelloEchoesExistingUser(t *testing.T) {
	s := newTestServer(t)
	c, conn := newClientPair(t, s)
	establish(t, s, c, conn, userOne)

	handle(t, s, c, (&protocol.HelloRequest{MaxVersion: 0, UserID: userTwo}).Encode())

	frame := readServerFrame(t, conn, helloInvalidSize)
	assert.Equal(t, &protocol.HelloInvalid{UserID: userOne}, frame)
}

func TestPreSessionGate(t *testing.T) {
	s := newTestServer(t)
	c, conn := newClientPair(t, s)

	handle(t, s, c, []byte{0x02, 0x00})

	// Status INVALID, action MOVE, empty body.
	assert.Equal(t, []byte{0x03, 0x02}, readFrame(t, conn, statusReplySize))
}

func TestUnsupportedActionEchoesPreamble(t *testing.T) {
	s := newTestServer(t)
	c, conn := newClientPair(t, s)
	establish(t, s, c, conn, userOne)

	handle(t, s, c, []byte{0x09})

	assert.Equal(t, []byte{0x04, 0x09}, readFrame(t, conn, statusReplySize))
}

func TestTruncatedBodyReportsBadFormat(t *testing.T) {
	s := newTestServer(t)
	c, conn := newClientPair(t, s)
	establish(t, s, c, conn, userOne)

	// A JOIN preamble with a half body, as the read loop hands it over
	// when the stream dies mid-frame.
	handle(t, s, c, []byte{0x01, 0x00, 0x00})

	assert.Equal(t, []byte{0x01, 0x01}, readFrame(t, conn, statusReplySize))
}

func TestMatchmakingFlow(t *testing.T) {
	s := newTestServer(t)
	c1, conn1 := newClientPair(t, s)
	c2, conn2 := newClientPair(t, s)
	establish(t, s, c1, conn1, userOne)
	establish(t, s, c2, conn2, userTwo)

	// The first matchmaking join creates game 2 with no one to notify.
	handle(t, s, c1, (&protocol.JoinRequest{GameID: protocol.GameIDMatchmake}).Encode())

	frame := readServerFrame(t, conn1, joinOKSize)
	joined, ok := frame.(*protocol.JoinOK)
	require.True(t, ok, "expected JoinOK, got %#v", frame)
	assert.Equal(t, protocol.GameIDFirst, joined.GameID)
	assert.Equal(t, othello.White, joined.State.Color)
	assert.Equal(t, uint8(1), joined.State.Turn)
	assert.Equal(t, othello.NewBoard(), joined.State.Board)

	// The second join completes the match: JOIN OK to the guest, CONNECT
	// pushed to the host.
	handle(t, s, c2, (&protocol.JoinRequest{GameID: protocol.GameIDMatchmake}).Encode())

	frame = readServerFrame(t, conn2, joinOKSize)
	guestJoined, ok := frame.(*protocol.JoinOK)
	require.True(t, ok)
	assert.Equal(t, protocol.GameIDFirst, guestJoined.GameID)
	assert.Equal(t, othello.Black, guestJoined.State.Color)
	assert.True(t, guestJoined.State.CanMove)
	assert.Equal(t, uint8(1), guestJoined.State.Turn)

	assert.Equal(t, &protocol.Push{Type: protocol.PushConnect}, readServerFrame(t, conn1, pushSize))
}

// startGame wires two established sessions into one ready game and drains
// the join frames.
func startGame(t *testing.T, s *Server) (c1 *client.Client, conn1 net.Conn, c2 *client.Client, conn2 net.Conn, gameID uint32) {
	t.Helper()

	c1, conn1 = newClientPair(t, s)
	c2, conn2 = newClientPair(t, s)
	establish(t, s, c1, conn1, userOne)
	establish(t, s, c2, conn2, userTwo)

	handle(t, s, c1, (&protocol.JoinRequest{GameID: protocol.GameIDMatchmake}).Encode())
	joined := readServerFrame(t, conn1, joinOKSize).(*protocol.JoinOK)

	handle(t, s, c2, (&protocol.JoinRequest{GameID: protocol.GameIDMatchmake}).Encode())
	readFrame(t, conn2, joinOKSize)
	readFrame(t, conn1, pushSize) // CONNECT to the host

	return c1, conn1, c2, conn2, joined.GameID
}

func TestMoveNotifiesBothPlayers(t *testing.T) {
	s := newTestServer(t)
	_, conn1, c2, conn2, _ := startGame(t, s)

	// Black opens at d3.
	handle(t, s, c2, (&protocol.MoveRequest{X: 3, Y: 2}).Encode())

	reply := readServerFrame(t, conn2, moveReplySize).(*protocol.MoveReply)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, othello.Black, reply.State.Color)
	assert.Equal(t, uint8(2), reply.State.Turn)
	assert.Equal(t, othello.Black, reply.State.Board[2][3])
	assert.Equal(t, othello.Black, reply.State.Board[3][3], "d4 must flip")

	push := readServerFrame(t, conn1, gameStatePushSize).(*protocol.GameStatePush)
	assert.Equal(t, othello.White, push.State.Color)
	assert.True(t, push.State.CanMove)
	assert.Equal(t, uint8(2), push.State.Turn)
	assert.Equal(t, reply.State.Board, push.State.Board)
}

func TestMoveOutOfTurnIsInvalid(t *testing.T) {
	s := newTestServer(t)
	c1, conn1, _, conn2, _ := startGame(t, s)

	// White tries to move on black's turn.
	handle(t, s, c1, (&protocol.MoveRequest{X: 4, Y: 5}).Encode())

	reply := readServerFrame(t, conn1, moveReplySize).(*protocol.MoveReply)
	assert.Equal(t, protocol.StatusInvalid, reply.Status)
	assert.Equal(t, uint8(1), reply.State.Turn)

	assertNothingBuffered(t, conn2)
}

func TestIllegalMoveReturnsSnapshot(t *testing.T) {
	s := newTestServer(t)
	_, conn1, c2, conn2, _ := startGame(t, s)

	// An occupied square.
	handle(t, s, c2, (&protocol.MoveRequest{X: 3, Y: 3}).Encode())

	reply := readServerFrame(t, conn2, moveReplySize).(*protocol.MoveReply)
	assert.Equal(t, protocol.StatusIllegal, reply.Status)
	assert.Equal(t, uint8(1), reply.State.Turn)
	assert.Equal(t, othello.NewBoard(), reply.State.Board)

	assertNothingBuffered(t, conn1)
	assertNothingBuffered(t, conn2)
}

func TestMoveBeforeJoinIsInvalid(t *testing.T) {
	s := newTestServer(t)
	c, conn := newClientPair(t, s)
	establish(t, s, c, conn, userOne)

	handle(t, s, c, (&protocol.MoveRequest{X: 3, Y: 2}).Encode())

	assert.Equal(t, []byte{0x03, 0x02}, readFrame(t, conn, statusReplySize))
}

func TestJoinOfUnknownGameIsInvalid(t *testing.T) {
	s := newTestServer(t)
	c, conn := newClientPair(t, s)
	establish(t, s, c, conn, userOne)

	handle(t, s, c, (&protocol.JoinRequest{GameID: 9999}).Encode())

	assert.Equal(t, []byte{0x03, 0x01}, readFrame(t, conn, statusReplySize))
}

func TestJoinOfReadyGameByOutsiderIsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	_, _, _, _, gameID := startGame(t, s)

	c3, conn3 := newClientPair(t, s)
	establish(t, s, c3, conn3, uint32(0x55555555))

	handle(t, s, c3, (&protocol.JoinRequest{GameID: gameID}).Encode())

	assert.Equal(t, []byte{0x05, 0x01}, readFrame(t, conn3, statusReplySize))
}

func TestDisconnectAndRejoin(t *testing.T) {
	s := newTestServer(t)
	_, conn1, c2, conn2, gameID := startGame(t, s)

	// The guest's connection dies; the host hears DCONNECT, the game
	// survives.
	s.Disconnect(c2)
	_ = conn2.Close()
	assert.Equal(t, &protocol.Push{Type: protocol.PushDconnect}, readServerFrame(t, conn1, pushSize))

	snap, ok := s.Registry.Get(gameID)
	require.True(t, ok)
	assert.Equal(t, registry.Ready, snap.State)

	// The guest reconnects and rejoins: JOIN OK with the unchanged state,
	// CONNECT to the host.
	c2b, conn2b := newClientPair(t, s)
	establish(t, s, c2b, conn2b, userTwo)
	handle(t, s, c2b, (&protocol.JoinRequest{GameID: gameID}).Encode())

	rejoined := readServerFrame(t, conn2b, joinOKSize).(*protocol.JoinOK)
	assert.Equal(t, gameID, rejoined.GameID)
	assert.Equal(t, othello.Black, rejoined.State.Color)
	assert.Equal(t, uint8(1), rejoined.State.Turn)

	assert.Equal(t, &protocol.Push{Type: protocol.PushConnect}, readServerFrame(t, conn1, pushSize))
}

func TestSwitchingGamesNotifiesOldPeer(t *testing.T) {
	s := newTestServer(t)
	_, conn1, c2, conn2, _ := startGame(t, s)

	// The guest abandons the match for a fresh private game; the host
	// observes DCONNECT.
	handle(t, s, c2, (&protocol.JoinRequest{GameID: protocol.GameIDCreate}).Encode())

	readFrame(t, conn2, joinOKSize)
	assert.Equal(t, &protocol.Push{Type: protocol.PushDconnect}, readServerFrame(t, conn1, pushSize))
}

// TestFullGamePlaysToCompletion drives a complete game by always playing
// the first legal move for whichever side is on turn, exercising forced
// passes along the way, and checks the terminal WIN/LOSE/TIE delivery.
func TestFullGamePlaysToCompletion(t *testing.T) {
	s := newTestServer(t)
	c1, conn1, c2, conn2, gameID := startGame(t, s)

	clientFor := func(color othello.Cell) (*client.Client, net.Conn, net.Conn) {
		if color == othello.Black {
			return c2, conn2, conn1
		}
		return c1, conn1, conn2
	}

	for plies := 0; ; plies++ {
		require.Less(t, plies, 70, "game did not terminate")

		snap, ok := s.Registry.Get(gameID)
		require.True(t, ok)
		if snap.State == registry.Completed {
			break
		}

		mover, moverConn, peerConn := clientFor(snap.ToMove)
		x, y := firstLegalMove(t, snap.Board, snap.ToMove)
		handle(t, s, mover, (&protocol.MoveRequest{X: uint8(x), Y: uint8(y)}).Encode())

		reply := readServerFrame(t, moverConn, moveReplySize).(*protocol.MoveReply)
		require.Equal(t, protocol.StatusOK, reply.Status)
		readFrame(t, peerConn, gameStatePushSize)

		after, ok := s.Registry.Get(gameID)
		require.True(t, ok)
		if after.State != registry.Completed {
			continue
		}

		// Both players hear the verdict right after the final state.
		black, white := othello.Score(after.Board)
		moverColor := snap.ToMove
		moverVerdict := readServerFrame(t, moverConn, pushSize).(*protocol.Push)
		peerVerdict := readServerFrame(t, peerConn, pushSize).(*protocol.Push)

		assert.Equal(t, verdictFor(moverColor, black, white), moverVerdict.Type)
		assert.Equal(t, verdictFor(moverColor.Opponent(), black, white), peerVerdict.Type)

		if black == white {
			assert.Equal(t, protocol.PushTie, moverVerdict.Type)
		} else {
			assert.NotEqual(t, moverVerdict.Type, peerVerdict.Type)
		}
	}

	snap, _ := s.Registry.Get(gameID)
	assert.Equal(t, registry.Completed, snap.State)
}

func firstLegalMove(t *testing.T, b othello.Board, color othello.Cell) (int, int) {
	t.Helper()
	for y := 0; y < othello.Size; y++ {
		for x := 0; x < othello.Size; x++ {
			if othello.Legal(b, color, x, y) != nil {
				return x, y
			}
		}
	}
	t.Fatal("no legal move for the side on turn")
	return 0, 0
}
