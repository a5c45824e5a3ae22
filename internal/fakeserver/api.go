package fakeserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/omochice/chatsync/pkg/protocol"
)

type messageCreate struct {
	ChatID   string               `json:"chat_id"`
	SenderID string               `json:"sender_id"`
	Content  string               `json:"content"`
	Type     protocol.MessageType `json:"message_type"`
	ReplyTo  string               `json:"reply_to"`
	MediaURL string               `json:"media_url"`
	FileName string               `json:"file_name"`
	FileSize int64                `json:"file_size"`
	Duration int                  `json:"duration"`
}

var errChatNotFound = errors.New("chat not found")

type reactionRequest struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// AddChat creates or replaces a chat.
func (s *Server) AddChat(c protocol.Chat) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	c.LastMessage = nil
	stored := c.Clone()
	s.data.chats[c.ID] = &stored
}

// PostMessage stores a message from userID as if it came through the API
// and broadcasts it.
func (s *Server) PostMessage(chatID, userID, content string) (protocol.Message, error) {
	return s.createMessage(chatID, userID, messageCreate{ChatID: chatID, SenderID: userID, Content: content})
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chats/{$}", s.authed(s.listChats))
	mux.HandleFunc("GET /api/chats/{chat_id}/messages", s.authed(s.listMessages))
	mux.HandleFunc("POST /api/chats/{chat_id}/messages", s.authed(s.sendMessage))
	mux.HandleFunc("PUT /api/chats/messages/{message_id}", s.authed(s.editMessage))
	mux.HandleFunc("DELETE /api/chats/messages/{message_id}", s.authed(s.deleteMessage))
	mux.HandleFunc("POST /api/chats/messages/{message_id}/react", s.authed(s.react(protocol.ReactionAdd)))
	mux.HandleFunc("DELETE /api/chats/messages/{message_id}/react", s.authed(s.react(protocol.ReactionRemove)))
	mux.HandleFunc("POST /api/chats/messages/{message_id}/read", s.authed(s.markRead))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authorize(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) listChats(w http.ResponseWriter, _ *http.Request, userID string) {
	writeJSON(w, http.StatusOK, s.data.chatsOf(userID))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, userID string) {
	chatID := r.PathValue("chat_id")
	if !s.data.isParticipant(chatID, userID) {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	limit := queryInt(r, "limit", 50)
	skip := queryInt(r, "skip", 0)
	writeJSON(w, http.StatusOK, s.data.page(chatID, limit, skip))
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var body messageCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if body.SenderID != userID {
		writeError(w, http.StatusForbidden, "Cannot send as another user")
		return
	}
	m, err := s.createMessage(r.PathValue("chat_id"), userID, body)
	if err != nil {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) createMessage(chatID, userID string, body messageCreate) (protocol.Message, error) {
	if !s.data.isParticipant(chatID, userID) {
		return protocol.Message{}, errChatNotFound
	}
	if body.Type == "" {
		body.Type = protocol.MessageTypeText
	}
	now := s.now().UTC()
	m := protocol.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  userID,
		Content:   body.Content,
		Type:      body.Type,
		Status:    protocol.StatusSent,
		ReplyTo:   body.ReplyTo,
		MediaURL:  body.MediaURL,
		FileName:  body.FileName,
		FileSize:  body.FileSize,
		Duration:  body.Duration,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.insert(m)
	s.broadcast(chatID, protocol.NewMessage{Message: m})
	return m, nil
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request, userID string) {
	content := r.URL.Query().Get("content")
	var forbidden bool
	m, ok := s.data.update(r.PathValue("message_id"), func(m *protocol.Message, _ map[string]bool) {
		if m.SenderID != userID || m.Deleted {
			forbidden = true
			return
		}
		m.Content = content
		m.Edited = true
		m.UpdatedAt = s.now().UTC()
	})
	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "Message not found")
		return
	case forbidden:
		writeError(w, http.StatusForbidden, "Cannot edit this message")
		return
	}
	// Edits go out as new_message frames naming the real event.
	s.broadcastLegacy(m.ChatID, protocol.EventMessageEdited, map[string]any{
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"content":    m.Content,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message updated"})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	forEveryone, _ := strconv.ParseBool(r.URL.Query().Get("for_everyone"))
	var forbidden bool
	m, ok := s.data.update(r.PathValue("message_id"), func(m *protocol.Message, _ map[string]bool) {
		if !forEveryone {
			return
		}
		if m.SenderID != userID {
			forbidden = true
			return
		}
		m.Deleted = true
		m.Content = protocol.DeletedContent
		m.MediaURL = ""
		m.UpdatedAt = s.now().UTC()
	})
	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "Message not found")
		return
	case forbidden:
		writeError(w, http.StatusForbidden, "Cannot delete this message for everyone")
		return
	}
	if forEveryone {
		s.broadcastLegacy(m.ChatID, protocol.EventMessageDeleted, map[string]any{
			"message_id": m.ID,
			"chat_id":    m.ChatID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message deleted"})
}

func (s *Server) react(action string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		var body reactionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Emoji == "" {
			writeError(w, http.StatusUnprocessableEntity, "emoji is required")
			return
		}
		m, ok := s.data.update(r.PathValue("message_id"), func(m *protocol.Message, _ map[string]bool) {
			if action == protocol.ReactionAdd {
				m.Reactions = m.Reactions.With(body.Emoji, userID)
			} else {
				m.Reactions = m.Reactions.Without(body.Emoji, userID)
			}
		})
		if !ok {
			writeError(w, http.StatusNotFound, "Message not found")
			return
		}

		ev := protocol.MessageReaction{ChatID: m.ChatID, MessageID: m.ID}
		if s.snapshots {
			ev.Reactions = m.Reactions
			if ev.Reactions == nil {
				ev.Reactions = protocol.Reactions{}
			}
		} else {
			ev.Action, ev.Emoji, ev.UserID = action, body.Emoji, userID
		}
		s.broadcast(m.ChatID, ev)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Reaction updated"})
	}
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request, userID string) {
	var own bool
	m, ok := s.data.update(r.PathValue("message_id"), func(m *protocol.Message, readBy map[string]bool) {
		if m.SenderID == userID {
			own = true
			return
		}
		readBy[userID] = true
		m.Status = protocol.StatusRead
	})
	if !ok {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if !own {
		s.broadcast(m.ChatID, protocol.MessageStatusChanged{
			ChatID:    m.ChatID,
			MessageID: m.ID,
			Status:    protocol.StatusRead,
			UserID:    userID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message marked as read"})
}

func (s *Server) broadcast(chatID string, ev protocol.Event) {
	s.hub.toRoom(s.frame(ev), chatID, s.data.participants(chatID), nil)
}

func (s *Server) broadcastLegacy(chatID, event string, payload map[string]any) {
	payload["event"] = event
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal payload")
		return
	}
	f := protocol.Frame{Event: protocol.EventNewMessage, Payload: data}
	s.hub.toRoom(f, chatID, s.data.participants(chatID), nil)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
