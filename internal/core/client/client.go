// Package client wraps an accepted TCP connection. Writes are serialized
// behind a per-connection mutex so an action response and an asynchronous
// push can never interleave mid-frame.
package client

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/othelnet/othelnet/internal/protocol"
)

// Client represents a user connected through a game client.
type Client struct {
	connection *net.TCPConn
	ipAddr     string
	port       string

	// Correlates every log line for this connection across its lifetime.
	sessionID string

	// Serializes whole frames onto the wire.
	writeMu sync.Mutex

	// Debugging information used for logging purposes.
	DebugTags map[string]interface{}
}

func NewClient(connection *net.TCPConn) *Client {
	addr := strings.Split(connection.RemoteAddr().String(), ":")

	return &Client{
		connection: connection,
		ipAddr:     addr[0],
		port:       addr[1],
		sessionID:  uuid.NewString(),
		DebugTags:  make(map[string]interface{}),
	}
}

func (c *Client) IPAddr() string    { return c.ipAddr }
func (c *Client) Port() string      { return c.port }
func (c *Client) SessionID() string { return c.sessionID }

// Read consumes the available bytes directly from the client's TCP connection.
func (c *Client) Read(b []byte) (int, error) {
	return c.connection.Read(b)
}

// Close the TCP connection.
func (c *Client) Close() error {
	return c.connection.Close()
}

// SendFrame encodes a frame and writes it to the client. The write lock is
// held for the whole frame; frames from concurrent senders are delivered
// atomically in some order.
func (c *Client) SendFrame(frame protocol.ServerFrame) error {
	return c.transmit(frame.Encode())
}

// transmit writes the contents of data to the TCP connection until every
// byte has been written.
func (c *Client) transmit(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	bytesSent := 0
	for bytesSent < len(data) {
		b, err := c.connection.Write(data[bytesSent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %s", c.IPAddr(), err.Error())
		}
		bytesSent += b
	}

	return nil
}
