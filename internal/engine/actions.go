package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/omochice/chatsync/internal/rest"
	"github.com/omochice/chatsync/internal/store"
	"github.com/omochice/chatsync/pkg/protocol"
)

// OpenChat focuses chatID: it subscribes to the chat room and resets its
// unread count. Messages of the chat processed afterwards are not counted
// as unread.
func (s *Session) OpenChat(ctx context.Context, chatID string) error {
	var err error
	if doErr := s.do(ctx, func() {
		if s.userID == "" {
			err = ErrLoggedOut
			return
		}
		if _, err = s.rooms.Join(chatID, s.userID); err != nil {
			s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to join chat")
		}
		s.store.MarkRead(chatID)
		s.notify(Change{Kind: ChangeChats, ChatID: chatID})
	}); doErr != nil {
		return doErr
	}
	return err
}

// CloseChat unsubscribes from chatID and drops the focus if it was chatID.
func (s *Session) CloseChat(ctx context.Context, chatID string) error {
	var err error
	if doErr := s.do(ctx, func() {
		if s.userID == "" {
			err = ErrLoggedOut
			return
		}
		delete(s.announced, chatID)
		err = s.rooms.Leave(chatID, s.userID)
	}); doErr != nil {
		return doErr
	}
	return err
}

// SetTyping announces a local typing transition in chatID. Repeated
// "typing" announcements are throttled; "stopped" is always sent.
func (s *Session) SetTyping(ctx context.Context, chatID string, typing bool) error {
	var err error
	if doErr := s.do(ctx, func() {
		if s.userID == "" {
			err = ErrLoggedOut
			return
		}
		if typing {
			allowed := s.limiter.Allow()
			if s.announced[chatID] && !allowed {
				return
			}
			s.announced[chatID] = true
		} else {
			delete(s.announced, chatID)
		}
		var f protocol.Frame
		if f, err = protocol.NewFrame(protocol.Typing{ChatID: chatID, UserID: s.userID, IsTyping: typing}); err != nil {
			return
		}
		if err = s.conn.Send(f); err != nil {
			delete(s.announced, chatID)
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// SendMessage sends a message through REST. A pending placeholder is shown
// right away and replaced by the server's record on success; on failure it
// is kept and marked failed so it can be retried with RetrySend.
func (s *Session) SendMessage(ctx context.Context, chatID string, draft rest.Draft) (protocol.Message, error) {
	if s.rest == nil {
		return protocol.Message{}, ErrNoREST
	}
	if draft.Type == "" {
		draft.Type = protocol.MessageTypeText
	}

	var (
		local protocol.Message
		gen   uint64
		err   error
	)
	if doErr := s.do(ctx, func() {
		if s.userID == "" {
			err = ErrLoggedOut
			return
		}
		gen = s.gen
		local = protocol.Message{
			ID:        localIDPrefix + uuid.NewString(),
			ChatID:    chatID,
			SenderID:  s.userID,
			Content:   draft.Content,
			Type:      draft.Type,
			Status:    protocol.StatusPending,
			ReplyTo:   draft.ReplyTo,
			MediaURL:  draft.MediaURL,
			FileName:  draft.FileName,
			FileSize:  draft.FileSize,
			Duration:  draft.Duration,
			CreatedAt: s.now().UTC(),
		}
		s.drafts[local.ID] = draft
		s.store.AddMessage(chatID, local)
		s.store.UpdateLastMessage(chatID, local)
		s.notify(Change{Kind: ChangeMessages, ChatID: chatID})
		s.notify(Change{Kind: ChangeChats, ChatID: chatID})
	}); doErr != nil {
		return protocol.Message{}, doErr
	}
	if err != nil {
		return protocol.Message{}, err
	}
	return s.deliverDraft(ctx, gen, local, draft)
}

// RetrySend re-sends a message whose send failed.
func (s *Session) RetrySend(ctx context.Context, localID string) (protocol.Message, error) {
	if s.rest == nil {
		return protocol.Message{}, ErrNoREST
	}

	var (
		local protocol.Message
		draft rest.Draft
		gen   uint64
		err   error
	)
	if doErr := s.do(ctx, func() {
		var ok, known bool
		local, ok = s.store.Message(localID)
		draft, known = s.drafts[localID]
		if !ok || !known || local.Status != protocol.StatusFailed {
			err = fmt.Errorf("%w: %s is not a failed send", ErrUnknownMessage, localID)
			return
		}
		gen = s.gen
		pending := protocol.StatusPending
		s.store.UpdateMessage(local.ChatID, localID, store.Patch{Status: &pending})
		s.notify(Change{Kind: ChangeMessages, ChatID: local.ChatID})
	}); doErr != nil {
		return protocol.Message{}, doErr
	}
	if err != nil {
		return protocol.Message{}, err
	}
	return s.deliverDraft(ctx, gen, local, draft)
}

func (s *Session) deliverDraft(ctx context.Context, gen uint64, local protocol.Message, draft rest.Draft) (protocol.Message, error) {
	sent, sendErr := s.rest.SendMessage(ctx, local.ChatID, draft)

	if err := s.apply(ctx, gen, func() {
		chatID := local.ChatID
		if sendErr != nil {
			failed := protocol.StatusFailed
			s.store.UpdateMessage(chatID, local.ID, store.Patch{Status: &failed})
			s.notify(Change{Kind: ChangeMessages, ChatID: chatID})
			return
		}
		delete(s.drafts, local.ID)
		s.store.RemoveMessage(chatID, local.ID)
		s.store.AddMessage(chatID, sent)
		s.bumpLast(chatID, sent.ID)
		s.notify(Change{Kind: ChangeMessages, ChatID: chatID})
	}); err != nil {
		return protocol.Message{}, err
	}

	if sendErr != nil {
		s.logger.Warn().Err(sendErr).Str("chat_id", local.ChatID).Str("message_id", local.ID).Msg("send failed")
		return protocol.Message{}, fmt.Errorf("failed to send message: %w", sendErr)
	}
	return sent, nil
}

// RefreshChats reloads the chat list.
func (s *Session) RefreshChats(ctx context.Context) error {
	if s.rest == nil {
		return ErrNoREST
	}
	_, gen, err := s.current(ctx)
	if err != nil {
		return err
	}
	chats, err := s.rest.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chats: %w", err)
	}
	return s.apply(ctx, gen, func() {
		s.store.SetChats(chats)
		s.notify(Change{Kind: ChangeChats})
	})
}

// LoadMessages fetches a page of a chat's history. The first page replaces
// the local list; later pages are merged into it.
func (s *Session) LoadMessages(ctx context.Context, chatID string, page rest.Page) error {
	if s.rest == nil {
		return ErrNoREST
	}
	_, gen, err := s.current(ctx)
	if err != nil {
		return err
	}
	msgs, err := s.rest.ListMessages(ctx, chatID, page)
	if err != nil {
		return fmt.Errorf("failed to list messages of %s: %w", chatID, err)
	}
	return s.apply(ctx, gen, func() {
		if page.Skip == 0 {
			s.store.SetMessages(chatID, msgs)
		} else {
			for _, m := range msgs {
				s.store.AddMessage(chatID, m)
			}
		}
		s.notify(Change{Kind: ChangeMessages, ChatID: chatID})
		s.notify(Change{Kind: ChangeChats, ChatID: chatID})
	})
}

// EditMessage replaces the content of a sent message.
func (s *Session) EditMessage(ctx context.Context, messageID, content string) error {
	gen, err := s.prepare(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.rest.EditMessage(ctx, messageID, content); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return s.apply(ctx, gen, func() {
		edited := true
		s.update("", messageID, store.Patch{Content: &content, Edited: &edited})
	})
}

// DeleteMessage tombstones a message. A failed local send is discarded
// without contacting the server.
func (s *Session) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	if strings.HasPrefix(messageID, localIDPrefix) {
		var err error
		if doErr := s.do(ctx, func() {
			m, ok := s.store.Message(messageID)
			if !ok {
				err = ErrUnknownMessage
				return
			}
			if m.Status != protocol.StatusFailed {
				err = ErrNotSent
				return
			}
			delete(s.drafts, messageID)
			s.store.RemoveMessage(m.ChatID, messageID)
			s.notify(Change{Kind: ChangeMessages, ChatID: m.ChatID})
			s.notify(Change{Kind: ChangeChats, ChatID: m.ChatID})
		}); doErr != nil {
			return doErr
		}
		return err
	}

	gen, err := s.prepare(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.rest.DeleteMessage(ctx, messageID, forEveryone); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return s.apply(ctx, gen, func() {
		deleted := true
		s.update("", messageID, store.Patch{Deleted: &deleted})
	})
}

// AddReaction reacts to a message with emoji.
func (s *Session) AddReaction(ctx context.Context, messageID, emoji string) error {
	return s.react(ctx, messageID, emoji, protocol.ReactionAdd)
}

// RemoveReaction withdraws a reaction.
func (s *Session) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return s.react(ctx, messageID, emoji, protocol.ReactionRemove)
}

func (s *Session) react(ctx context.Context, messageID, emoji, action string) error {
	gen, err := s.prepare(ctx, messageID)
	if err != nil {
		return err
	}
	call := s.rest.AddReaction
	if action == protocol.ReactionRemove {
		call = s.rest.RemoveReaction
	}
	if err := call(ctx, messageID, emoji); err != nil {
		return fmt.Errorf("failed to %s reaction: %w", action, err)
	}
	// The REST reply carries no snapshot; the pushed message_reaction that
	// follows replaces whatever this computes.
	return s.apply(ctx, gen, func() {
		ev := protocol.MessageReaction{MessageID: messageID, Action: action, Emoji: emoji, UserID: s.userID}
		if s.store.ApplyReaction(ev) {
			s.changed(messageID)
		}
	})
}

// MarkRead resets a chat's unread count and reports its latest message
// from another user as read.
func (s *Session) MarkRead(ctx context.Context, chatID string) error {
	var (
		lastID string
		err    error
	)
	if doErr := s.do(ctx, func() {
		if s.userID == "" {
			err = ErrLoggedOut
			return
		}
		s.store.MarkRead(chatID)
		s.notify(Change{Kind: ChangeChats, ChatID: chatID})
		if c, ok := s.store.Chat(chatID); ok && c.LastMessage != nil {
			if last := c.LastMessage; last.SenderID != s.userID && !last.Status.Local() {
				lastID = last.ID
			}
		}
	}); doErr != nil {
		return doErr
	}
	if err != nil || lastID == "" || s.rest == nil {
		return err
	}
	if err := s.rest.MarkRead(ctx, lastID); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", chatID, err)
	}
	return nil
}

// prepare checks that messageID names a sent message and returns the
// session generation to apply the REST result under.
func (s *Session) prepare(ctx context.Context, messageID string) (uint64, error) {
	if s.rest == nil {
		return 0, ErrNoREST
	}
	var (
		gen uint64
		err error
	)
	if doErr := s.do(ctx, func() {
		if s.userID == "" {
			err = ErrLoggedOut
			return
		}
		m, ok := s.store.Message(messageID)
		switch {
		case !ok:
			err = fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
		case m.Status.Local():
			err = fmt.Errorf("%w: %s", ErrNotSent, messageID)
		}
		gen = s.gen
	}); doErr != nil {
		return 0, doErr
	}
	return gen, err
}
