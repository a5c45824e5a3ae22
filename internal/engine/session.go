// Package engine runs the sync loop that ties the connection, the event
// router and the local chat state together.
//
// All writes to the store, the presence tracker and the room membership
// happen on the goroutine running Session.Run. Public operations that need
// the network await it on the caller's goroutine and then apply the result
// on the loop, so a single inbound event or REST completion is always
// applied atomically.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/chatsync/internal/connection"
	"github.com/omochice/chatsync/internal/logging"
	"github.com/omochice/chatsync/internal/metrics"
	"github.com/omochice/chatsync/internal/presence"
	"github.com/omochice/chatsync/internal/rest"
	"github.com/omochice/chatsync/internal/room"
	"github.com/omochice/chatsync/internal/router"
	"github.com/omochice/chatsync/internal/store"
	"github.com/omochice/chatsync/pkg/protocol"
)

var (
	// ErrClosed is returned by operations issued after Run has returned.
	ErrClosed = errors.New("session closed")
	// ErrNoREST is returned by operations that need the REST backend when none is configured.
	ErrNoREST = errors.New("no REST client configured")
	// ErrUnknownMessage is returned when an operation names a message the store does not hold.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotSent is returned when editing or reacting to an unconfirmed local message.
	ErrNotSent = errors.New("message not yet sent")
	// ErrLoggedOut is returned when an operation needs a logged in user.
	ErrLoggedOut = errors.New("not logged in")
)

const (
	localIDPrefix  = "local-"
	changesBacklog = 64
)

// Connection is the part of connection.Manager the session drives.
type Connection interface {
	Connect(userID string)
	Disconnect()
	Send(f protocol.Frame) error
	Deliveries() <-chan connection.Delivery
	IsCurrent(epoch uint64) bool
	State() connection.State
}

// Options configures a Session.
type Options struct {
	Conn Connection
	// REST is optional; operations that need it fail with ErrNoREST.
	REST rest.Client
	// TypingTTL expires remote typing indicators; 0 keeps them until cleared.
	TypingTTL     time.Duration
	SweepInterval time.Duration
	// TypingInterval is the minimum gap between repeated local typing announcements.
	TypingInterval time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	// Now replaces time.Now.
	Now func() time.Time
}

// Session is one user's realtime chat session.
type Session struct {
	conn    Connection
	rest    rest.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sweep   time.Duration

	router   *router.Router
	store    *store.Store
	presence *presence.Tracker
	rooms    *room.Membership

	tasks   chan func()
	changes chan Change
	stopped chan struct{}

	// Owned by the loop.
	userID    string
	gen       uint64
	drafts    map[string]rest.Draft
	announced map[string]bool
	limiter   *rate.Limiter
}

// New creates a Session. Call Run to start processing.
func New(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	every := rate.Inf
	if opts.TypingInterval > 0 {
		every = rate.Every(opts.TypingInterval)
	}

	s := &Session{
		conn:      opts.Conn,
		rest:      opts.REST,
		logger:    logging.Component(opts.Logger, "engine"),
		metrics:   opts.Metrics,
		now:       opts.Now,
		tasks:     make(chan func()),
		changes:   make(chan Change, changesBacklog),
		stopped:   make(chan struct{}),
		drafts:    make(map[string]rest.Draft),
		announced: make(map[string]bool),
		limiter:   rate.NewLimiter(every, 1),
	}
	if opts.TypingTTL > 0 {
		s.sweep = opts.SweepInterval
		if s.sweep <= 0 {
			s.sweep = opts.TypingTTL / 4
		}
	}
	s.rooms = room.New(opts.Conn)
	s.store = store.New("", s.rooms)
	s.presence = presence.New(opts.TypingTTL, presence.WithClock(opts.Now))
	s.router = router.New(opts.Logger, opts.Metrics)
	s.routes()
	return s
}

// Run processes deliveries and operations until ctx is done or the
// connection's delivery channel closes. It may be called once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)

	var tick <-chan time.Time
	if s.sweep > 0 {
		t := time.NewTicker(s.sweep)
		defer t.Stop()
		tick = t.C
	}

	deliveries := s.conn.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrClosed
			}
			s.deliver(d)
		case fn := <-s.tasks:
			fn()
		case <-tick:
			for _, chatID := range s.presence.Expire(s.now()) {
				s.notify(Change{Kind: ChangeTyping, ChatID: chatID})
			}
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case s.tasks <- task:
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// apply runs fn on the loop unless the session switched users since gen.
// REST results are applied even if the caller gave up waiting.
func (s *Session) apply(ctx context.Context, gen uint64, fn func()) error {
	return s.do(context.WithoutCancel(ctx), func() {
		if s.gen != gen {
			s.logger.Debug().Msg("discarded result from a previous session")
			return
		}
		fn()
	})
}

// current returns the loop-owned user and generation.
func (s *Session) current(ctx context.Context) (userID string, gen uint64, err error) {
	err = s.do(ctx, func() {
		userID, gen = s.userID, s.gen
	})
	if err == nil && userID == "" {
		err = ErrLoggedOut
	}
	return userID, gen, err
}

// Login starts a session for userID. Logging in as another user drops all
// local state first.
func (s *Session) Login(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	return s.do(ctx, func() {
		if userID != s.userID {
			s.resetLocked(userID)
		}
		s.conn.Connect(userID)
	})
}

// Logout ends the session: any pending reconnect is cancelled, the
// transport is closed and focus is cleared. Events still in flight from
// the old connection are discarded.
func (s *Session) Logout(ctx context.Context) error {
	return s.do(ctx, func() {
		s.conn.Disconnect()
		s.resetLocked("")
	})
}

func (s *Session) resetLocked(userID string) {
	s.gen++
	s.userID = userID
	s.rooms.Clear()
	s.presence.Reset()
	s.store.Reset(userID)
	clear(s.drafts)
	clear(s.announced)
	s.notify(Change{Kind: ChangeChats})
}

// Changes reports what changed so the UI can re-read the affected views.
// Notifications are dropped while the channel is full.
func (s *Session) Changes() <-chan Change {
	return s.changes
}

func (s *Session) notify(c Change) {
	select {
	case s.changes <- c:
	default:
	}
}

// UserID returns the logged in user, or "".
func (s *Session) UserID() string {
	return s.store.LocalUserID()
}

// State returns the connection state.
func (s *Session) State() connection.State {
	return s.conn.State()
}

// Focused returns the chat currently open, or "".
func (s *Session) Focused() string {
	return s.rooms.Focused()
}

// Chats returns the chat list, most recently active first.
func (s *Session) Chats() []protocol.Chat {
	return s.store.Chats()
}

// Chat returns one chat summary.
func (s *Session) Chat(chatID string) (protocol.Chat, bool) {
	return s.store.Chat(chatID)
}

// Messages returns the ordered messages of a chat.
func (s *Session) Messages(chatID string) []protocol.Message {
	return s.store.Messages(chatID)
}

// Message returns a message by id.
func (s *Session) Message(messageID string) (protocol.Message, bool) {
	return s.store.Message(messageID)
}

// Typing returns the users currently typing in a chat.
func (s *Session) Typing(chatID string) []string {
	return s.presence.Typing(chatID)
}

// Online returns the last known online status of a user.
func (s *Session) Online(userID string) (presence.Status, bool) {
	return s.presence.Online(userID)
}
