// Package connection manages the authenticated realtime session with the chat server.
package connection

import (
	"time"

	"github.com/omochice/chatsync/pkg/protocol"
)

// State is the lifecycle state of the session connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Authenticated
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Active reports whether the state already has a connection under way.
func (s State) Active() bool {
	return s == Connecting || s == Authenticating || s == Authenticated
}

// Lifecycle is a state transition notification.
type Lifecycle struct {
	From   State
	To     State
	UserID string
	// Attempt is the reconnect attempt counter after the transition.
	Attempt int
	// Generation identifies the connection instance the transition belongs to.
	Generation uint64
	// Resumed is set on Authenticated when the same user was authenticated before.
	Resumed bool
	// Exhausted is set on Reconnecting once automatic retries have stopped.
	Exhausted bool
	// Delay is the wait before the next attempt on Reconnecting.
	Delay time.Duration
	Err   error
}

// Delivery is one item of the ordered inbound stream: a frame or a lifecycle change.
type Delivery struct {
	// Epoch is the session epoch the item was received in. See Manager.IsCurrent.
	Epoch     uint64
	Frame     *protocol.Frame
	Lifecycle *Lifecycle
}
