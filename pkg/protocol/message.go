// Package protocol defines the chat data model and the realtime wire protocol.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags the kind of content a message carries.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
	MessageTypeVoice MessageType = "voice"
)

// Valid reports whether mt is one of the known message types.
func (mt MessageType) Valid() bool {
	switch mt {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo,
		MessageTypeAudio, MessageTypeFile, MessageTypeVoice:
		return true
	default:
		return false
	}
}

// MessageStatus is the delivery status of a message.
// Pending and Failed only exist locally for optimistic sends.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusPending   MessageStatus = "pending"
	StatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is a status the server may push.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	default:
		return false
	}
}

// Local reports whether s belongs to an unconfirmed optimistic message.
func (s MessageStatus) Local() bool {
	return s == StatusPending || s == StatusFailed
}

// ChatType is the kind of conversation.
type ChatType string

const (
	ChatTypeDirect  ChatType = "direct"
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
)

// DeletedContent replaces the content of a tombstoned message.
const DeletedContent = "This message was deleted"

// Message is a single chat message.
type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chat_id"`
	SenderID  string        `json:"sender_id"`
	Content   string        `json:"content"`
	Type      MessageType   `json:"message_type,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
	Reactions Reactions     `json:"reactions,omitempty"`
	ReplyTo   string        `json:"reply_to,omitempty"`
	MediaURL  string        `json:"media_url,omitempty"`
	FileName  string        `json:"file_name,omitempty"`
	FileSize  int64         `json:"file_size,omitempty"`
	Duration  int           `json:"duration,omitempty"`
	Edited    bool          `json:"edited"`
	Deleted   bool          `json:"deleted"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Reactions = m.Reactions.Clone()
	return m
}

// Compare orders messages by creation time, then by identifier.
func (m Message) Compare(o Message) int {
	if c := m.CreatedAt.Compare(o.CreatedAt); c != 0 {
		return c
	}
	switch {
	case m.ID < o.ID:
		return -1
	case m.ID > o.ID:
		return 1
	default:
		return 0
	}
}

// UnmarshalJSON accepts both RFC 3339 timestamps and the zone-less
// ISO form produced by the chat backend.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if m.CreatedAt, err = ParseTime(aux.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	if m.UpdatedAt, err = ParseTime(aux.UpdatedAt); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	return nil
}

// Chat is a conversation and its denormalized summary.
type Chat struct {
	ID           string    `json:"id"`
	Type         ChatType  `json:"chat_type"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the chat.
func (c Chat) Clone() Chat {
	if c.Participants != nil {
		c.Participants = append([]string(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		last := c.LastMessage.Clone()
		c.LastMessage = &last
	}
	return c
}

// UnmarshalJSON accepts the same timestamp forms as Message.
func (c *Chat) UnmarshalJSON(data []byte) error {
	type plain Chat
	aux := struct {
		*plain
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if c.CreatedAt, err = ParseTime(aux.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	if c.UpdatedAt, err = ParseTime(aux.UpdatedAt); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses a wire timestamp. Zone-less values are read as UTC
// and an empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
