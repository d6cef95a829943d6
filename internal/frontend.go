package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/othelnet/othelnet/internal/core"
	"github.com/othelnet/othelnet/internal/core/client"
)

// maxFrameSize bounds a single inbound frame: a one-octet preamble plus
// the largest action body (HELLO's six octets), with headroom.
const maxFrameSize = 64

// errTruncatedBody reports a frame whose body ended mid-read. The half
// frame still gets handed to the Backend so the client hears BAD_FORMAT
// before the connection closes; a blocking reader has no way to
// resynchronize the stream after a partial frame.
var errTruncatedBody = errors.New("truncated frame body")

// frontend implements the concurrent client connection logic.
//
// Data is read from any connected clients and passed to a backend instance,
// abstracting the lower level connection details away from the Backends.
type frontend struct {
	Address string
	Backend Backend
	Config  *core.Config
	Logger  *logrus.Logger

	clientsMu sync.Mutex
	clients   map[*client.Client]struct{}

	throttle *connectionThrottle
}

// connectionThrottle counts connection attempts per IP address inside a
// TTL window, standing in for the per-read byte caps a nonblocking design
// would use against floods.
type connectionThrottle struct {
	attempts *gocache.Cache
	max      int
}

func newConnectionThrottle(cfg *core.Config) *connectionThrottle {
	window := time.Duration(cfg.Throttle.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return &connectionThrottle{
		attempts: gocache.New(window, 2*window),
		max:      cfg.Throttle.MaxConnectionsPerIP,
	}
}

// allow records a connection attempt from ip and reports whether it is
// within the configured cap. A cap of zero disables the throttle.
func (t *connectionThrottle) allow(ip string) bool {
	if t.max <= 0 {
		return true
	}

	if err := t.attempts.Add(ip, 1, gocache.DefaultExpiration); err == nil {
		return true
	}
	count, err := t.attempts.IncrementInt(ip, 1)
	if err != nil {
		// The entry expired between Add and Increment; start over.
		t.attempts.Set(ip, 1, gocache.DefaultExpiration)
		return true
	}
	return count <= t.max
}

// Start initializes the server backend and opens a TCP socket for the
// specified server. A blocking loop for accepting client connections is
// spun off in its own goroutine and added to the WaitGroup. Context
// cancellations will stop the server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("error initializing %s server: %v", f.Backend.Identifier(), err)
	}

	f.clients = make(map[*client.Client]struct{})
	f.throttle = newConnectionThrottle(f.Config)

	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", f.Address, err)
	}

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// createSocket opens a TCP socket to listen for client connections on the
// Address provided to the frontend.
func (f *frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s", err.Error())
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %s", err.Error())
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely
// responsible for accepting new connections and spinning off goroutines
// for the Backend to handle them.
func (f *frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Printf("[%s] waiting for connections on %v", f.Backend.Identifier(), f.Address)

	connections := make(chan *net.TCPConn)
	go func() {
		for {
			// Poll until we can accept more clients.
			for f.clientCount() >= f.Config.MaxConnections {
				time.Sleep(time.Second)
			}

			connection, err := socket.AcceptTCP()
			if err != nil {
				if ctx.Err() != nil {
					// The listener was closed by the shutdown path.
					return
				}
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}

			connections <- connection
		}
	}()

	clientWg := &sync.WaitGroup{}
handleLoop:
	for {
		select {
		case <-ctx.Done():
			break handleLoop
		case connection := <-connections:
			clientWg.Add(1)
			// Note: If there is eventually a need to implement worker pooling rather than spawning
			// new goroutines for each client, this is where it should be implemented.
			go f.acceptClient(ctx, connection, clientWg)
		}
	}

	f.Logger.Infof("[%v] shutting down (waiting for connections to close)", f.Backend.Identifier())
	_ = socket.Close()
	clientWg.Wait()
	f.Logger.Infof("[%v] exited", f.Backend.Identifier())
}

func (f *frontend) clientCount() int {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	return len(f.clients)
}

// acceptClient sets up the Client and registers the connection with the
// Backend before moving into the frame processing loop.
func (f *frontend) acceptClient(ctx context.Context, connection *net.TCPConn, wg *sync.WaitGroup) {
	defer wg.Done()

	c := client.NewClient(connection)

	if !f.throttle.allow(c.IPAddr()) {
		f.Logger.Infof("[%s] throttled connection from %s", f.Backend.Identifier(), c.IPAddr())
		_ = connection.Close()
		return
	}

	// Dead peers surface through write failures and read EOF rather than
	// timeouts, so lean on keepalive for half-open connections.
	_ = connection.SetKeepAlive(true)
	_ = connection.SetKeepAlivePeriod(time.Minute)

	f.Logger.Infof("[%s] accepted connection from %s (%s)",
		f.Backend.Identifier(), c.IPAddr(), c.SessionID())

	f.clientsMu.Lock()
	f.clients[c] = struct{}{}
	f.clientsMu.Unlock()

	f.Backend.StartSession(c)
	f.processFrames(ctx, c)
}

// processFrames starts a blocking loop dedicated to reading frames sent
// from a game client and only returns once the connection has closed.
func (f *frontend) processFrames(ctx context.Context, c *client.Client) {
	defer f.closeConnectionAndRecover(f.Backend.Identifier(), c)

	buffer := make([]byte, maxFrameSize)

	for {
		select {
		case <-ctx.Done():
			// For now just allow the deferred function to close the connection.
			return
		default:
		}

		n, err := f.readNextFrame(c, buffer)

		switch {
		case err == io.EOF:
			return
		case errors.Is(err, errTruncatedBody):
			// Report best effort, then drop the connection.
			_ = f.Backend.Handle(ctx, c, buffer[:n])
			return
		case err != nil:
			f.Logger.Warn(err.Error())
			return
		}

		if err = f.Backend.Handle(ctx, c, buffer[:n]); err != nil {
			f.Logger.Warn("error in client communication: " + err.Error())
			return
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics,
// disconnects the client, and removes them from the list regardless of the
// state of the connection.
func (f *frontend) closeConnectionAndRecover(serverName string, c *client.Client) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			c.IPAddr(), err, debug.Stack())
	}

	if err := c.Close(); err != nil {
		f.Logger.Warnf("failed to close client connection: %s", err)
	}

	f.clientsMu.Lock()
	delete(f.clients, c)
	f.clientsMu.Unlock()

	f.Backend.Disconnect(c)

	f.Logger.Infof("[%s] disconnected client %s (%s)", serverName, c.IPAddr(), c.SessionID())
}

// readNextFrame is a blocking call that only returns once the client has
// sent a complete frame: a one-octet action preamble followed by the
// action's fixed-size body. Unknown preambles are returned alone so the
// Backend can answer them; their body size is unknowable.
func (f *frontend) readNextFrame(c *client.Client, buffer []byte) (int, error) {
	if _, err := io.ReadFull(c, buffer[:1]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, io.EOF
		}
		return 0, err
	}

	size, ok := f.Backend.BodySize(c, buffer[0])
	if !ok {
		return 1, nil
	}

	n, err := io.ReadFull(c, buffer[1:1+size])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return 1 + n, errTruncatedBody
	} else if err != nil {
		return 1 + n, errors.New("socket error (" + c.IPAddr() + ") " + err.Error())
	}

	return 1 + size, nil
}
