package engine

import (
	"errors"

	"github.com/omochice/chatsync/internal/connection"
	"github.com/omochice/chatsync/internal/router"
	"github.com/omochice/chatsync/internal/store"
	"github.com/omochice/chatsync/pkg/protocol"
)

func (s *Session) routes() {
	router.On(s.router, s.onConnected)
	router.On(s.router, s.onAuthenticated)
	router.On(s.router, s.onServerError)
	router.On(s.router, s.onNewMessage)
	router.On(s.router, s.onMessageEdited)
	router.On(s.router, s.onMessageDeleted)
	router.On(s.router, s.onMessageStatus)
	router.On(s.router, s.onMessageReaction)
	router.On(s.router, s.onUserTyping)
	router.On(s.router, s.onUserStatus)
	router.On(s.router, s.onUserJoined)
}

// deliver applies one delivery from the connection. Deliveries from a
// superseded session are dropped.
func (s *Session) deliver(d connection.Delivery) {
	if !s.conn.IsCurrent(d.Epoch) {
		s.metrics.StaleEvent()
		return
	}
	switch {
	case d.Lifecycle != nil:
		s.onLifecycle(*d.Lifecycle)
	case d.Frame != nil:
		_ = s.router.Dispatch(*d.Frame)
	}
}

func (s *Session) onLifecycle(lc connection.Lifecycle) {
	switch {
	case lc.To == connection.Authenticated && lc.Resumed:
		if err := s.rooms.Resubscribe(s.userID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to resubscribe")
		}
	case lc.To == connection.Disconnected && errors.Is(lc.Err, connection.ErrAuthRejected):
		// The session is over; the user has to log in again.
		s.logger.Error().Err(lc.Err).Str("user_id", lc.UserID).Msg("session rejected")
		s.resetLocked("")
	}
	s.notify(Change{Kind: ChangeConnection, UserID: lc.UserID, Lifecycle: &lc})
}

func (s *Session) onConnected(ev protocol.Connected) {
	s.logger.Debug().Str("sid", ev.SID).Msg("transport connected")
}

func (s *Session) onAuthenticated(ev protocol.Authenticated) {
	s.logger.Debug().Str("user_id", ev.UserID).Msg("authenticated")
}

func (s *Session) onServerError(ev protocol.ServerError) {
	s.logger.Warn().Str("message", ev.Message).Msg("server error")
}

func (s *Session) onNewMessage(ev protocol.NewMessage) {
	m := ev.Message
	if s.store.AddMessage(m.ChatID, m) {
		if s.store.CountUnread(m.ChatID, m) {
			s.notify(Change{Kind: ChangeChats, ChatID: m.ChatID})
		}
	}
	s.bumpLast(m.ChatID, m.ID)
	s.notify(Change{Kind: ChangeMessages, ChatID: m.ChatID})
}

// bumpLast points the chat summary at the stored copy of a message, which
// may differ from the pushed one when it was already tombstoned.
func (s *Session) bumpLast(chatID, messageID string) {
	if stored, ok := s.store.Message(messageID); ok {
		s.store.UpdateLastMessage(chatID, stored)
		s.notify(Change{Kind: ChangeChats, ChatID: chatID})
	}
}

func (s *Session) onMessageEdited(ev protocol.MessageEdited) {
	edited := true
	s.update(ev.ChatID, ev.MessageID, store.Patch{Content: &ev.Content, Edited: &edited})
}

func (s *Session) onMessageDeleted(ev protocol.MessageDeleted) {
	deleted := true
	s.update(ev.ChatID, ev.MessageID, store.Patch{Deleted: &deleted})
}

// Status updates are last-write-wins; the server is the source of truth.
func (s *Session) onMessageStatus(ev protocol.MessageStatusChanged) {
	s.update(ev.ChatID, ev.MessageID, store.Patch{Status: &ev.Status})
}

func (s *Session) onMessageReaction(ev protocol.MessageReaction) {
	if !s.store.ApplyReaction(ev) {
		s.logger.Debug().Str("message_id", ev.MessageID).Msg("reaction for unknown message dropped")
		return
	}
	s.changed(ev.MessageID)
}

func (s *Session) update(chatID, messageID string, p store.Patch) {
	if !s.store.UpdateMessage(chatID, messageID, p) {
		s.logger.Debug().Str("message_id", messageID).Msg("update for unknown message dropped")
		return
	}
	s.changed(messageID)
}

func (s *Session) changed(messageID string) {
	if chatID, ok := s.store.LocateMessage(messageID); ok {
		s.notify(Change{Kind: ChangeMessages, ChatID: chatID})
	}
}

func (s *Session) onUserTyping(ev protocol.UserTyping) {
	if ev.UserID == s.userID {
		return
	}
	if s.presence.SetTyping(ev.ChatID, ev.UserID, ev.Typing()) {
		s.notify(Change{Kind: ChangeTyping, ChatID: ev.ChatID})
	}
}

func (s *Session) onUserStatus(ev protocol.UserStatus) {
	for _, chatID := range s.presence.SetOnline(ev.UserID, ev.IsOnline, ev.LastSeenTime()) {
		s.notify(Change{Kind: ChangeTyping, ChatID: chatID})
	}
	s.notify(Change{Kind: ChangePresence, UserID: ev.UserID})
}

func (s *Session) onUserJoined(ev protocol.UserJoined) {
	s.logger.Debug().Str("chat_id", ev.ChatID).Str("user_id", ev.UserID).Msg("user joined")
}
