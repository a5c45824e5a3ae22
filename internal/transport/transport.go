// Package transport abstracts the persistent client connection to the chat server.
package transport

import (
	"context"
	"errors"
)

// ErrFrameTooLarge is returned when a peer announces a frame above the size limit.
var ErrFrameTooLarge = errors.New("frame too large")

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 4 << 20

// Conn is a message-oriented connection; each Read and Write moves one frame.
type Conn interface {
	// Read blocks until a whole frame arrives or ctx is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens new connections to the chat server.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
