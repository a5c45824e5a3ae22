package fakeserver

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omochice/chatsync/internal/transport"
	"github.com/omochice/chatsync/pkg/protocol"
)

// client is one connection. userID and rooms are guarded by the hub.
type client struct {
	id       string
	conn     transport.Conn
	userID   string
	rooms    map[string]bool
	outgoing chan []byte
}

// hub tracks connections, the user each one authenticated as, and the
// chat rooms it joined. Both the TCP and the WebSocket side share one hub.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  zerolog.Logger
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		clients: make(map[*client]bool),
		logger:  logger,
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// unregister removes c and reports whether its user has no other connection left.
func (h *hub) unregister(c *client) (userID string, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	if c.userID == "" {
		return "", false
	}
	for other := range h.clients {
		if other.userID == c.userID {
			return c.userID, false
		}
	}
	return c.userID, true
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) authenticate(c *client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.userID = userID
}

func (h *hub) user(c *client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.userID
}

func (h *hub) join(c *client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.rooms[chatID] = true
}

func (h *hub) leave(c *client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, chatID)
}

func (h *hub) online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// members returns the users joined to the chatID room.
func (h *hub) members(chatID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var users []string
	for c := range h.clients {
		if c.rooms[chatID] && !slices.Contains(users, c.userID) {
			users = append(users, c.userID)
		}
	}
	slices.Sort(users)
	return users
}

// toRoom queues f for every client in the chatID room and for every
// connection of the given users, except skip.
func (h *hub) toRoom(f protocol.Frame, chatID string, users []string, skip *client) {
	h.broadcast(f, skip, func(c *client) bool {
		return c.rooms[chatID] || (c.userID != "" && slices.Contains(users, c.userID))
	})
}

// toAuthenticated queues f for every authenticated connection except skip.
func (h *hub) toAuthenticated(f protocol.Frame, skip *client) {
	h.broadcast(f, skip, func(c *client) bool { return c.userID != "" })
}

func (h *hub) broadcast(f protocol.Frame, skip *client, match func(*client) bool) {
	data, err := f.Encode()
	if err != nil {
		h.logger.Error().Err(err).Str("event", f.Event).Msg("failed to encode frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c == skip || !match(c) {
			continue
		}
		select {
		case c.outgoing <- data:
		default:
			h.logger.Warn().Str("client", c.id).Msg("client channel full, skipping")
		}
	}
}

// kick closes every connection of userID and returns how many there were.
func (h *hub) kick(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if userID == "" || c.userID == userID {
			_ = c.conn.Close()
			n++
		}
	}
	return n
}
