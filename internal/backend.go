package internal

import (
	"context"

	"github.com/othelnet/othelnet/internal/core/client"
)

// Backend is the interface between the connection-handling frontend and
// the protocol logic behind it.
type Backend interface {
	// Identifier returns a uniquely identifying string.
	Identifier() string

	// Init is called before a Backend is started as a hook for the Backend to
	// perform any necessary initialization before it can accept clients.
	Init(ctx context.Context) error

	// StartSession registers a freshly accepted connection with the
	// Backend before any frames are read from it.
	StartSession(c *client.Client)

	// BodySize reports the number of body octets that follow the given
	// action preamble for this connection, or false for a preamble the
	// Backend does not implement.
	BodySize(c *client.Client, action uint8) (int, bool)

	// Handle is the main entry point for processing client frames. It's
	// responsible for generally handling all frames from a client as well
	// as sending any responses.
	Handle(ctx context.Context, c *client.Client, frame []byte) error

	// Disconnect tears down any Backend state for a closed connection.
	Disconnect(c *client.Client)
}
