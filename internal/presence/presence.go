// Package presence tracks ephemeral typing indicators and contact online status.
package presence

import (
	"slices"
	"sync"
	"time"
)

// Status is the last known online state of a user.
type Status struct {
	Online   bool
	LastSeen time.Time
}

// Tracker keeps per-chat typing sets and per-user online status.
//
// A typing entry expires ttl after its last refresh so a peer that vanishes
// mid-typing does not leave a stuck indicator. A zero ttl disables expiry.
type Tracker struct {
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	typing map[string]map[string]time.Time
	status map[string]Status
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(ttl time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		ttl:    ttl,
		now:    time.Now,
		typing: make(map[string]map[string]time.Time),
		status: make(map[string]Status),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTyping records a typing transition. It reports whether the visible
// typing set of the chat changed.
func (t *Tracker) SetTyping(chatID, userID string, typing bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	users := t.typing[chatID]
	since, ok := users[userID]
	was := ok && t.live(since, now)
	if !typing {
		if !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, chatID)
		}
		return was
	}

	if users == nil {
		users = make(map[string]time.Time)
		t.typing[chatID] = users
	}
	users[userID] = now
	return !was
}

// Typing returns the users typing in a chat, sorted.
func (t *Tracker) Typing(chatID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]string, 0, len(t.typing[chatID]))
	for user, since := range t.typing[chatID] {
		if t.live(since, now) {
			out = append(out, user)
		}
	}
	slices.Sort(out)
	return out
}

// Expire drops typing entries older than the ttl and returns the chats
// whose typing set changed.
func (t *Tracker) Expire(now time.Time) []string {
	if t.ttl <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for chatID, users := range t.typing {
		before := len(users)
		for user, since := range users {
			if !t.live(since, now) {
				delete(users, user)
			}
		}
		if len(users) == before {
			continue
		}
		if len(users) == 0 {
			delete(t.typing, chatID)
		}
		changed = append(changed, chatID)
	}
	slices.Sort(changed)
	return changed
}

func (t *Tracker) live(since, now time.Time) bool {
	return t.ttl <= 0 || now.Sub(since) < t.ttl
}

// SetOnline records a user's online status. Going offline also clears the
// user from every typing set. It returns the chats whose typing set changed.
func (t *Tracker) SetOnline(userID string, online bool, lastSeen time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status[userID] = Status{Online: online, LastSeen: lastSeen}
	if online {
		return nil
	}

	var changed []string
	for chatID, users := range t.typing {
		if _, ok := users[userID]; !ok {
			continue
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, chatID)
		}
		changed = append(changed, chatID)
	}
	slices.Sort(changed)
	return changed
}

// Online returns the last known status of a user.
func (t *Tracker) Online(userID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.status[userID]
	return s, ok
}

// Reset clears all typing and status state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing = make(map[string]map[string]time.Time)
	t.status = make(map[string]Status)
}
