package fakeserver

import (
	"slices"
	"sync"

	"github.com/omochice/chatsync/pkg/protocol"
)

// database is the server's in-memory source of truth.
type database struct {
	mu       sync.RWMutex
	chats    map[string]*protocol.Chat
	messages map[string][]*protocol.Message
	byID     map[string]*protocol.Message
	// readBy records which users read a message.
	readBy map[string]map[string]bool
}

func newDatabase() *database {
	return &database{
		chats:    make(map[string]*protocol.Chat),
		messages: make(map[string][]*protocol.Message),
		byID:     make(map[string]*protocol.Message),
		readBy:   make(map[string]map[string]bool),
	}
}

func (d *database) participants(chatID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.chats[chatID]; ok {
		return slices.Clone(c.Participants)
	}
	return nil
}

func (d *database) isParticipant(chatID, userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chats[chatID]
	return ok && slices.Contains(c.Participants, userID)
}

// chatsOf lists the chats userID takes part in, with per-user unread counts.
func (d *database) chatsOf(userID string) []protocol.Chat {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := []protocol.Chat{}
	for _, c := range d.chats {
		if !slices.Contains(c.Participants, userID) {
			continue
		}
		chat := c.Clone()
		chat.UnreadCount = 0
		for _, m := range d.messages[c.ID] {
			if m.SenderID != userID && !m.Deleted && !d.readBy[m.ID][userID] {
				chat.UnreadCount++
			}
		}
		out = append(out, chat)
	}
	slices.SortFunc(out, func(a, b protocol.Chat) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// page returns messages newest first, skipping skip and returning at most limit.
func (d *database) page(chatID string, limit, skip int) []protocol.Message {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := d.messages[chatID]
	out := []protocol.Message{}
	for i := len(list) - 1 - skip; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i].Clone())
	}
	return out
}

func (d *database) insert(m protocol.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := m.Clone()
	list := d.messages[m.ChatID]
	i, _ := slices.BinarySearchFunc(list, &stored, func(a, b *protocol.Message) int { return a.Compare(*b) })
	d.messages[m.ChatID] = slices.Insert(list, i, &stored)
	d.byID[m.ID] = &stored
	if c, ok := d.chats[m.ChatID]; ok {
		last := stored.Clone()
		c.LastMessage = &last
		c.UpdatedAt = m.CreatedAt
	}
}

// update applies fn to a stored message and returns the result.
func (d *database) update(messageID string, fn func(m *protocol.Message, readBy map[string]bool)) (protocol.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.byID[messageID]
	if !ok {
		return protocol.Message{}, false
	}
	if d.readBy[messageID] == nil {
		d.readBy[messageID] = make(map[string]bool)
	}
	fn(m, d.readBy[messageID])
	if c, ok := d.chats[m.ChatID]; ok && c.LastMessage != nil && c.LastMessage.ID == m.ID {
		last := m.Clone()
		c.LastMessage = &last
	}
	return m.Clone(), true
}

func (d *database) message(messageID string) (protocol.Message, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byID[messageID]
	if !ok {
		return protocol.Message{}, false
	}
	return m.Clone(), true
}
