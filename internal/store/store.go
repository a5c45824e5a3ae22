// Package store holds the canonical client-side view of chats and messages.
//
// Every write goes through the same reconciliation rules whether it comes
// from a pushed event, a REST response or an optimistic local action:
// messages are keyed by id, ordered by (created_at, id), and partial
// updates to unknown messages are dropped.
package store

import (
	"cmp"
	"slices"
	"sync"

	"github.com/omochice/chatsync/pkg/protocol"
)

// FocusSource reports the chat the user is currently viewing.
type FocusSource interface {
	Focused() string
}

// Patch is a partial message update. Nil fields are left unchanged.
type Patch struct {
	Content   *string
	Edited    *bool
	Deleted   *bool
	Status    *protocol.MessageStatus
	Reactions *protocol.Reactions
}

// Store is safe for concurrent reads; writes are expected from a single goroutine.
type Store struct {
	mu          sync.RWMutex
	localUserID string
	focus       FocusSource
	chats       map[string]*protocol.Chat
	messages    map[string][]protocol.Message
	// index maps a message id to its chat id.
	index map[string]string
}

// New creates an empty store for localUserID. focus may be nil.
func New(localUserID string, focus FocusSource) *Store {
	return &Store{
		localUserID: localUserID,
		focus:       focus,
		chats:       make(map[string]*protocol.Chat),
		messages:    make(map[string][]protocol.Message),
		index:       make(map[string]string),
	}
}

// Reset drops all state and switches the local user.
func (s *Store) Reset(localUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUserID = localUserID
	s.chats = make(map[string]*protocol.Chat)
	s.messages = make(map[string][]protocol.Message)
	s.index = make(map[string]string)
}

// LocalUserID returns the user the store accounts unread counts for.
func (s *Store) LocalUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUserID
}

// SetChats replaces the chat list. Message lists of chats that are no
// longer listed are dropped; a locally known last message newer than the
// listed one is kept.
func (s *Store) SetChats(chats []protocol.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*protocol.Chat, len(chats))
	for _, c := range chats {
		next[c.ID] = s.mergeChat(c)
	}
	for id := range s.chats {
		if _, ok := next[id]; !ok {
			s.dropMessages(id)
		}
	}
	s.chats = next
}

// UpsertChat inserts or replaces one chat summary.
func (s *Store) UpsertChat(c protocol.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = s.mergeChat(c)
}

func (s *Store) mergeChat(c protocol.Chat) *protocol.Chat {
	merged := c.Clone()
	if old, ok := s.chats[c.ID]; ok && old.LastMessage != nil {
		if merged.LastMessage == nil || old.LastMessage.Compare(*merged.LastMessage) > 0 {
			last := old.LastMessage.Clone()
			merged.LastMessage = &last
		}
	}
	return &merged
}

func (s *Store) dropMessages(chatID string) {
	for _, m := range s.messages[chatID] {
		delete(s.index, m.ID)
	}
	delete(s.messages, chatID)
}

// Chat returns a copy of the chat summary.
func (s *Store) Chat(chatID string) (protocol.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return protocol.Chat{}, false
	}
	return c.Clone(), true
}

// Chats returns all chats, most recent activity first. Chats without
// messages come last; ties are broken by id.
func (s *Store) Chats() []protocol.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b protocol.Chat) int {
		switch {
		case a.LastMessage == nil && b.LastMessage == nil:
			return cmp.Compare(a.ID, b.ID)
		case a.LastMessage == nil:
			return 1
		case b.LastMessage == nil:
			return -1
		}
		if c := b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// SetMessages replaces the message list of a chat. Duplicates collapse to
// the last occurrence. Unconfirmed local messages not in msgs survive.
func (s *Store) SetMessages(chatID string, msgs []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := make(map[string]bool)
	for _, m := range s.messages[chatID] {
		if m.Deleted {
			deleted[m.ID] = true
		}
	}

	byID := make(map[string]protocol.Message, len(msgs))
	for _, m := range msgs {
		m = normalize(chatID, m)
		if deleted[m.ID] {
			m = tombstone(m)
		}
		byID[m.ID] = m
	}
	for _, m := range s.messages[chatID] {
		if _, ok := byID[m.ID]; !ok && m.Status.Local() {
			byID[m.ID] = m
		}
	}

	s.dropMessages(chatID)
	list := make([]protocol.Message, 0, len(byID))
	for _, m := range byID {
		list = append(list, m)
		s.index[m.ID] = chatID
	}
	slices.SortFunc(list, protocol.Message.Compare)
	s.messages[chatID] = list

	if len(list) > 0 {
		s.bumpLast(chatID, list[len(list)-1])
	}
}

// AddMessage inserts m into its ordered position; chatID is used when m
// carries none. If a message with the same id exists it is replaced in
// place instead, and a tombstoned message stays tombstoned. It reports
// whether m was new.
func (s *Store) AddMessage(chatID string, m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m = normalize(chatID, m)
	if owner, ok := s.index[m.ID]; ok {
		list := s.messages[owner]
		i := slices.IndexFunc(list, func(x protocol.Message) bool { return x.ID == m.ID })
		if list[i].Deleted {
			m = tombstone(m)
		}
		if owner == m.ChatID && list[i].Compare(m) == 0 {
			list[i] = m
		} else {
			s.messages[owner] = slices.Delete(list, i, i+1)
			s.insert(m)
		}
		s.syncLast(owner, m)
		return false
	}

	s.insert(m)
	return true
}

func (s *Store) insert(m protocol.Message) {
	list := s.messages[m.ChatID]
	i, _ := slices.BinarySearchFunc(list, m, protocol.Message.Compare)
	s.messages[m.ChatID] = slices.Insert(list, i, m)
	s.index[m.ID] = m.ChatID
}

// UpdateMessage applies p to an existing message. The owning chat is
// found by message id, so chatID may be empty. Updates for unknown
// messages are dropped and reported as false.
func (s *Store) UpdateMessage(chatID, messageID string, p Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.lookup(messageID)
	if !ok {
		return false
	}

	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Reactions != nil {
		m.Reactions = p.Reactions.Normalize()
	}
	if p.Deleted != nil && *p.Deleted {
		m.Deleted = true
	}
	if m.Deleted {
		*m = tombstone(*m)
	}
	s.syncLast(m.ChatID, *m)
	return true
}

// ApplyReaction reconciles a message_reaction event. A snapshot replaces
// the reaction map; a delta is applied to the locally known map.
func (s *Store) ApplyReaction(ev protocol.MessageReaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.lookup(ev.MessageID)
	if !ok {
		return false
	}

	switch {
	case ev.HasSnapshot():
		m.Reactions = ev.Reactions.Normalize()
	case ev.Action == protocol.ReactionAdd:
		m.Reactions = m.Reactions.With(ev.Emoji, ev.UserID)
	case ev.Action == protocol.ReactionRemove:
		m.Reactions = m.Reactions.Without(ev.Emoji, ev.UserID)
	default:
		return false
	}
	s.syncLast(m.ChatID, *m)
	return true
}

// RemoveMessage deletes an unconfirmed local message outright; chatID may be empty. Server
// messages are never removed; they are tombstoned through UpdateMessage.
func (s *Store) RemoveMessage(chatID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.lookup(messageID)
	if !ok || !m.Status.Local() {
		return false
	}
	owner := m.ChatID
	list := s.messages[owner]
	i := slices.IndexFunc(list, func(x protocol.Message) bool { return x.ID == messageID })
	s.messages[owner] = slices.Delete(list, i, i+1)
	delete(s.index, messageID)

	if c, ok := s.chats[owner]; ok && c.LastMessage != nil && c.LastMessage.ID == messageID {
		c.LastMessage = nil
		if rest := s.messages[owner]; len(rest) > 0 {
			last := rest[len(rest)-1].Clone()
			c.LastMessage = &last
		}
	}
	return true
}

// UpdateLastMessage points the chat summary at m if m is at least as
// recent as the current last message. Unknown chats get a stub entry.
func (s *Store) UpdateLastMessage(chatID string, m protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	s.bumpLast(chatID, m)
}

// CountUnread increments the unread count for m unless the local user sent
// it or its chat is focused. It reports whether the count changed.
func (s *Store) CountUnread(chatID string, m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SenderID == s.localUserID {
		return false
	}
	if s.focus != nil && s.focus.Focused() == chatID {
		return false
	}
	s.chat(chatID).UnreadCount++
	return true
}

// MarkRead resets the unread count of a chat.
func (s *Store) MarkRead(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[chatID]; ok {
		c.UnreadCount = 0
	}
}

// Messages returns a copy of a chat's ordered message list.
func (s *Store) Messages(chatID string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[chatID]
	out := make([]protocol.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a copy of a message by id.
func (s *Store) Message(messageID string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.lookup(messageID)
	if !ok {
		return protocol.Message{}, false
	}
	return m.Clone(), true
}

// LocateMessage returns the chat owning a message.
func (s *Store) LocateMessage(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chatID, ok := s.index[messageID]
	return chatID, ok
}

// lookup returns a pointer into the owning list. Messages are found through
// the id index, so callers may omit the chat id.
func (s *Store) lookup(messageID string) (*protocol.Message, bool) {
	owner, ok := s.index[messageID]
	if !ok {
		return nil, false
	}
	list := s.messages[owner]
	i := slices.IndexFunc(list, func(x protocol.Message) bool { return x.ID == messageID })
	if i < 0 {
		return nil, false
	}
	return &list[i], true
}

func (s *Store) chat(chatID string) *protocol.Chat {
	c, ok := s.chats[chatID]
	if !ok {
		c = &protocol.Chat{ID: chatID}
		s.chats[chatID] = c
	}
	return c
}

// bumpLast sets the chat's last message to m when m is not older.
func (s *Store) bumpLast(chatID string, m protocol.Message) {
	c := s.chat(chatID)
	if c.LastMessage != nil && c.LastMessage.ID != m.ID && c.LastMessage.Compare(m) > 0 {
		return
	}
	last := m.Clone()
	c.LastMessage = &last
}

// syncLast refreshes the summary copy when m is the chat's last message.
func (s *Store) syncLast(chatID string, m protocol.Message) {
	if c, ok := s.chats[chatID]; ok && c.LastMessage != nil && c.LastMessage.ID == m.ID {
		last := m.Clone()
		c.LastMessage = &last
	}
}

func normalize(chatID string, m protocol.Message) protocol.Message {
	m = m.Clone()
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	m.Reactions = m.Reactions.Normalize()
	if m.Deleted {
		m = tombstone(m)
	}
	return m
}

func tombstone(m protocol.Message) protocol.Message {
	m.Deleted = true
	m.Content = protocol.DeletedContent
	m.MediaURL = ""
	return m
}
