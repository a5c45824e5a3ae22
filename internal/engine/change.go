package engine

import "github.com/omochice/chatsync/internal/connection"

// ChangeKind names the view a Change affects.
type ChangeKind int

const (
	// ChangeConnection carries a connection lifecycle transition.
	ChangeConnection ChangeKind = iota
	// ChangeChats means the chat list or a chat summary changed.
	ChangeChats
	// ChangeMessages means the message list of ChatID changed.
	ChangeMessages
	// ChangeTyping means the typing set of ChatID changed.
	ChangeTyping
	// ChangePresence means the online status of UserID changed.
	ChangePresence
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeConnection:
		return "connection"
	case ChangeChats:
		return "chats"
	case ChangeMessages:
		return "messages"
	case ChangeTyping:
		return "typing"
	case ChangePresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Change is a notification that part of the session state changed.
type Change struct {
	Kind   ChangeKind
	ChatID string
	UserID string
	// Set for ChangeConnection.
	Lifecycle *connection.Lifecycle
}
