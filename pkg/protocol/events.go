package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventConnected       = "connected"
	EventAuthenticated   = "authenticated"
	EventError           = "error"
	EventNewMessage      = "new_message"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventMessageStatus   = "message_status"
	EventMessageReaction = "message_reaction"
	EventUserTyping      = "user_typing"
	EventUserStatus      = "user_status"
	EventUserJoined      = "user_joined"
)

// Outbound event names.
const (
	EventAuthenticate = "authenticate"
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventTyping       = "typing"
)

var (
	// ErrUnknownEvent is returned by Decode for an event name outside the protocol.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformed is returned by Decode when a payload misses required fields.
	ErrMalformed = errors.New("malformed event payload")
)

// Event is one variant of the closed set of protocol events.
type Event interface {
	EventName() string
}

// Connected is sent by the server as soon as the transport is open.
type Connected struct {
	SID string `json:"sid"`
}

// Authenticated confirms the session handshake.
type Authenticated struct {
	UserID string `json:"user_id"`
}

// ServerError reports a server-side failure.
type ServerError struct {
	Message string `json:"message"`
}

// NewMessage carries a full message record.
type NewMessage struct {
	Message
}

// MessageEdited replaces the content of a message.
type MessageEdited struct {
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// MessageDeleted tombstones a message.
type MessageDeleted struct {
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id"`
}

// MessageStatusChanged sets the delivery status of a message.
type MessageStatusChanged struct {
	ChatID    string        `json:"chat_id,omitempty"`
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
	UserID    string        `json:"user_id,omitempty"`
}

// MessageReaction carries either the full reaction map of a message or,
// from older servers, a single add/remove delta.
type MessageReaction struct {
	ChatID    string    `json:"chat_id,omitempty"`
	MessageID string    `json:"message_id"`
	Reactions Reactions `json:"reactions"`
	Action    string    `json:"action,omitempty"`
	Emoji     string    `json:"emoji,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// HasSnapshot reports whether the event carries the full reaction map.
func (e MessageReaction) HasSnapshot() bool {
	return e.Reactions != nil
}

// UserTyping reports a typing transition of a chat participant.
type UserTyping struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping *bool  `json:"is_typing"`
}

// Typing returns the typing flag.
func (e UserTyping) Typing() bool {
	return e.IsTyping != nil && *e.IsTyping
}

// UserStatus reports a contact going online or offline.
type UserStatus struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen,omitempty"`
}

// LastSeenTime parses LastSeen, returning the zero time when absent or invalid.
func (e UserStatus) LastSeenTime() time.Time {
	t, _ := ParseTime(e.LastSeen)
	return t
}

// UserJoined reports another participant joining a chat room.
type UserJoined struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// Authenticate opens the session handshake.
type Authenticate struct {
	UserID string `json:"user_id"`
}

// JoinChat subscribes to a chat room.
type JoinChat struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// LeaveChat unsubscribes from a chat room.
type LeaveChat struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// Typing announces a local typing transition.
type Typing struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

func (Connected) EventName() string            { return EventConnected }
func (Authenticated) EventName() string        { return EventAuthenticated }
func (ServerError) EventName() string          { return EventError }
func (NewMessage) EventName() string           { return EventNewMessage }
func (MessageEdited) EventName() string        { return EventMessageEdited }
func (MessageDeleted) EventName() string       { return EventMessageDeleted }
func (MessageStatusChanged) EventName() string { return EventMessageStatus }
func (MessageReaction) EventName() string      { return EventMessageReaction }
func (UserTyping) EventName() string           { return EventUserTyping }
func (UserStatus) EventName() string           { return EventUserStatus }
func (UserJoined) EventName() string           { return EventUserJoined }
func (Authenticate) EventName() string         { return EventAuthenticate }
func (JoinChat) EventName() string             { return EventJoinChat }
func (LeaveChat) EventName() string            { return EventLeaveChat }
func (Typing) EventName() string               { return EventTyping }

// Ephemeral reports whether frames of the named event are worth sending
// only on a live session and must never be queued for later.
func Ephemeral(event string) bool {
	return event == EventTyping
}

type validator interface {
	validate() error
}

func (Connected) validate() error     { return nil }
func (Authenticated) validate() error { return nil }
func (ServerError) validate() error   { return nil }

func (e NewMessage) validate() error {
	return require("id", e.ID, "chat_id", e.ChatID)
}

func (e MessageEdited) validate() error {
	return require("message_id", e.MessageID)
}

func (e MessageDeleted) validate() error {
	return require("message_id", e.MessageID)
}

func (e MessageStatusChanged) validate() error {
	if err := require("message_id", e.MessageID); err != nil {
		return err
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrMalformed, e.Status)
	}
	return nil
}

func (e MessageReaction) validate() error {
	if err := require("message_id", e.MessageID); err != nil {
		return err
	}
	if e.HasSnapshot() {
		return nil
	}
	if e.Action != ReactionAdd && e.Action != ReactionRemove {
		return fmt.Errorf("%w: reaction action %q", ErrMalformed, e.Action)
	}
	return require("emoji", e.Emoji, "user_id", e.UserID)
}

func (e UserTyping) validate() error {
	if err := require("chat_id", e.ChatID, "user_id", e.UserID); err != nil {
		return err
	}
	if e.IsTyping == nil {
		return fmt.Errorf("%w: missing is_typing", ErrMalformed)
	}
	return nil
}

func (e UserStatus) validate() error {
	return require("user_id", e.UserID)
}

func (e UserJoined) validate() error {
	return require("chat_id", e.ChatID, "user_id", e.UserID)
}

// require takes name/value pairs and fails on the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: missing %s", ErrMalformed, pairs[i])
		}
	}
	return nil
}

func unmarshal(payload json.RawMessage, v validator) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v.validate()
}

// Decode turns an inbound frame into its typed event.
//
// Older servers broadcast edits and deletions as new_message frames whose
// payload names the real event in an "event" field; those are decoded as
// the event they name.
func Decode(f Frame) (Event, error) {
	switch f.Event {
	case EventConnected:
		var ev Connected
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventAuthenticated:
		var ev Authenticated
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventError:
		var ev ServerError
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventNewMessage:
		var inner struct {
			Event string `json:"event"`
		}
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &inner); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		switch inner.Event {
		case EventMessageEdited, EventMessageDeleted:
			return Decode(Frame{Event: inner.Event, Payload: f.Payload})
		}
		var ev NewMessage
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventMessageEdited:
		var ev MessageEdited
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventMessageDeleted:
		var ev MessageDeleted
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventMessageStatus:
		var ev MessageStatusChanged
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventMessageReaction:
		var ev MessageReaction
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventUserTyping:
		var ev UserTyping
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventUserStatus:
		var ev UserStatus
		err := unmarshal(f.Payload, &ev)
		return ev, err
	case EventUserJoined:
		var ev UserJoined
		err := unmarshal(f.Payload, &ev)
		return ev, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}
