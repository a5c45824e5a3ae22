// Package rest defines the REST collaborator the sync engine reconciles against.
package rest

import (
	"context"

	"github.com/omochice/chatsync/pkg/protocol"
)

// Page selects a window of a chat's history, newest first on the server.
type Page struct {
	Limit int
	Skip  int
}

// Draft is the content of a message being sent.
type Draft struct {
	Content  string
	Type     protocol.MessageType
	ReplyTo  string
	MediaURL string
	FileName string
	FileSize int64
	Duration int
}

// Client is the chat backend's REST surface.
type Client interface {
	ListChats(ctx context.Context) ([]protocol.Chat, error)
	ListMessages(ctx context.Context, chatID string, page Page) ([]protocol.Message, error)
	SendMessage(ctx context.Context, chatID string, draft Draft) (protocol.Message, error)
	EditMessage(ctx context.Context, messageID, content string) error
	DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	MarkRead(ctx context.Context, messageID string) error
}
