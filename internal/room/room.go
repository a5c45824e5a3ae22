// Package room tracks the focused chat and its join/leave subscription.
package room

import (
	"fmt"
	"sync"

	"github.com/omochice/chatsync/pkg/protocol"
)

// Sender delivers outbound frames, typically a connection.Manager.
type Sender interface {
	Send(f protocol.Frame) error
}

// Membership holds at most one focused chat.
type Membership struct {
	sender Sender

	mu      sync.RWMutex
	focused string
}

// New creates a Membership that subscribes through sender.
func New(sender Sender) *Membership {
	return &Membership{sender: sender}
}

// Focused returns the focused chat id, or "" when none.
func (m *Membership) Focused() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focused
}

// Join focuses chatID and subscribes to it. Joining the chat that is already
// focused is a no-op. Focus moves even if sending fails, so unread
// accounting follows what the user is looking at.
func (m *Membership) Join(chatID, userID string) (bool, error) {
	m.mu.Lock()
	if m.focused == chatID {
		m.mu.Unlock()
		return false, nil
	}
	m.focused = chatID
	m.mu.Unlock()

	return true, m.send(protocol.JoinChat{ChatID: chatID, UserID: userID})
}

// Leave unsubscribes from chatID and clears the focus if it was chatID.
func (m *Membership) Leave(chatID, userID string) error {
	m.mu.Lock()
	if m.focused == chatID {
		m.focused = ""
	}
	m.mu.Unlock()

	return m.send(protocol.LeaveChat{ChatID: chatID, UserID: userID})
}

// Resubscribe re-sends join_chat for the focused chat, if any.
func (m *Membership) Resubscribe(userID string) error {
	chatID := m.Focused()

	if chatID == "" {
		return nil
	}
	return m.send(protocol.JoinChat{ChatID: chatID, UserID: userID})
}

// Clear drops the focus without notifying the server.
func (m *Membership) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focused = ""
}

func (m *Membership) send(ev protocol.Event) error {
	f, err := protocol.NewFrame(ev)
	if err != nil {
		return err
	}
	if err := m.sender.Send(f); err != nil {
		return fmt.Errorf("failed to send %s: %w", ev.EventName(), err)
	}
	return nil
}
