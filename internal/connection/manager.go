package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/chatsync/internal/metrics"
	"github.com/omochice/chatsync/internal/transport"
	"github.com/omochice/chatsync/pkg/protocol"
)

// closeGrace bounds how long Close waits for the final lifecycle to be taken.
const closeGrace = 100 * time.Millisecond

var (
	// ErrAuthRejected is reported when the server answers authenticate with an error.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrAuthTimeout is reported when authenticated does not arrive in time.
	ErrAuthTimeout = errors.New("authentication timed out")
	// ErrNotConnected is returned by Send for ephemeral frames without a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("connection manager closed")
)

// Options configures a Manager.
type Options struct {
	Dialer  transport.Dialer
	Backoff Backoff
	// MaxAttempts bounds consecutive reconnect attempts; 0 means no bound.
	MaxAttempts int
	DialTimeout time.Duration
	AuthTimeout time.Duration
	// MaxPending bounds frames queued while not authenticated.
	MaxPending int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// link is one connection instance.
type link struct {
	gen       uint64
	userID    string
	conn      transport.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	out       *queue[[]byte]
	authTimer *time.Timer
}

// Manager owns the persistent connection to the chat server: dialing,
// the authenticate handshake, reconnection with backoff and the outbound queue.
//
// Inbound frames and lifecycle notifications are delivered in order on Deliveries.
type Manager struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      State
	userID     string
	attempts   int
	epoch      uint64
	gen        uint64
	authedOnce bool
	cur        *link
	timer      *time.Timer
	timerSeq   uint64
	pending    [][]byte
	closed     bool

	inbox      *queue[Delivery]
	deliveries chan Delivery
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 256
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = time.Second
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = DefaultMaxDelay
	}
	if opts.Backoff.Max < opts.Backoff.Base {
		opts.Backoff.Max = opts.Backoff.Base
	}

	m := &Manager{
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "connection").Logger(),
		metrics:    opts.Metrics,
		inbox:      newQueue[Delivery](),
		deliveries: make(chan Delivery),
		done:       make(chan struct{}),
	}
	m.metrics.ConnectionState(int(Disconnected))

	m.wg.Add(1)
	go m.pump()
	return m
}

// Deliveries returns the ordered stream of inbound frames and lifecycle changes.
// It is closed by Close.
func (m *Manager) Deliveries() <-chan Delivery {
	return m.deliveries
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the user of the current session, if any.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Attempts returns the reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// IsCurrent reports whether a delivery's epoch is still the live session.
// The epoch changes on Disconnect and when Connect switches users, so frames
// received before either must not be applied.
func (m *Manager) IsCurrent(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

// Connect starts a session for userID. It is a no-op if a connection for
// the same user is already connecting or established. Failures surface as
// lifecycle notifications, never as a return value.
func (m *Manager) Connect(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if userID == m.userID && m.state.Active() {
		return
	}
	if userID != m.userID {
		m.epoch++
		m.pending = nil
		m.authedOnce = false
	}
	m.teardownLocked()
	m.userID = userID
	m.attempts = 0
	m.openLocked()
}

// Disconnect cancels any pending reconnect, closes the transport and moves
// to Disconnected. Frames received before the call are no longer current.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	if m.state == Disconnected && m.cur == nil && m.timer == nil && m.userID == "" {
		return
	}
	m.epoch++
	m.teardownLocked()
	m.attempts = 0
	m.pending = nil
	m.authedOnce = false
	m.transitionLocked(Disconnected, Lifecycle{})
	m.userID = ""
}

// Send writes f on the authenticated connection. While the session is not
// authenticated the frame is queued and flushed right after the handshake;
// ephemeral frames are dropped with ErrNotConnected instead.
func (m *Manager) Send(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.state == Authenticated && m.cur != nil {
		m.cur.out.push(data)
		return nil
	}
	if protocol.Ephemeral(f.Event) || m.userID == "" {
		return ErrNotConnected
	}
	// Collapse only an immediate repeat: join, leave, join must replay in full.
	if n := len(m.pending); n > 0 && bytes.Equal(m.pending[n-1], data) {
		return nil
	}
	if len(m.pending) >= m.opts.MaxPending {
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.metrics.EventDropped(metrics.ReasonOverflow)
		m.logger.Warn().Int("max_pending", m.opts.MaxPending).Msg("outbound queue full, dropped oldest frame")
	}
	m.pending = append(m.pending, data)
	return nil
}

// Close disconnects and stops delivering. The final Disconnected transition
// is still delivered if a consumer takes it within closeGrace; Deliveries
// is closed afterwards. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.disconnectLocked()
	m.closed = true
	m.inbox.seal()
	m.mu.Unlock()

	grace := time.AfterFunc(closeGrace, func() { close(m.done) })
	m.wg.Wait()
	if grace.Stop() {
		close(m.done)
	}
	return nil
}

func (m *Manager) pump() {
	defer m.wg.Done()
	defer close(m.deliveries)

	for {
		d, ok := m.inbox.pop(m.done)
		if !ok {
			return
		}
		select {
		case m.deliveries <- d:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) openLocked() {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		gen:    m.gen,
		userID: m.userID,
		ctx:    ctx,
		cancel: cancel,
		out:    newQueue[[]byte](),
	}
	m.cur = l
	m.transitionLocked(Connecting, Lifecycle{})

	m.wg.Add(1)
	go m.run(ctx, l)
}

// teardownLocked drops the current link and any scheduled retry.
func (m *Manager) teardownLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
	if l := m.cur; l != nil {
		m.cur = nil
		m.closeLink(l)
	}
}

func (m *Manager) closeLink(l *link) {
	l.cancel()
	l.out.close()
	if l.authTimer != nil {
		l.authTimer.Stop()
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			m.logger.Debug().Err(err).Uint64("generation", l.gen).Msg("close failed")
		}
	}
}

func (m *Manager) transitionLocked(to State, lc Lifecycle) {
	lc.From = m.state
	lc.To = to
	lc.UserID = m.userID
	lc.Generation = m.gen
	if lc.Attempt == 0 {
		lc.Attempt = m.attempts
	}
	m.state = to
	m.metrics.ConnectionState(int(to))

	ev := m.logger.Info()
	if lc.Err != nil {
		ev = m.logger.Warn().Err(lc.Err)
	}
	ev.Str("from", lc.From.String()).
		Str("to", to.String()).
		Str("user_id", lc.UserID).
		Int("attempt", lc.Attempt).
		Uint64("generation", lc.Generation).
		Msg("connection state changed")

	m.inbox.push(Delivery{Epoch: m.epoch, Lifecycle: &lc})
}

// run dials, authenticates and then reads until the link dies.
func (m *Manager) run(ctx context.Context, l *link) {
	defer m.wg.Done()

	dctx, dcancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	conn, err := m.opts.Dialer.Dial(dctx)
	dcancel()
	if err != nil {
		if ctx.Err() == nil {
			m.lost(l, err)
		}
		return
	}

	m.mu.Lock()
	if m.cur != l {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	m.transitionLocked(Authenticating, Lifecycle{})
	l.authTimer = time.AfterFunc(m.opts.AuthTimeout, func() {
		m.authExpired(l)
	})
	m.mu.Unlock()

	if err := m.authenticate(ctx, conn, l.userID); err != nil {
		if ctx.Err() == nil {
			m.lost(l, err)
		}
		return
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.lost(l, err)
			}
			return
		}
		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			m.metrics.EventDropped(metrics.ReasonMalformed)
			m.logger.Warn().Err(err).Msg("dropped undecodable frame")
			continue
		}
		m.receive(l, f)
	}
}

func (m *Manager) authenticate(ctx context.Context, conn transport.Conn, userID string) error {
	f, err := protocol.NewFrame(protocol.Authenticate{UserID: userID})
	if err != nil {
		return err
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send authenticate: %w", err)
	}
	return nil
}

func (m *Manager) receive(l *link, f protocol.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != l {
		m.metrics.StaleEvent()
		return
	}

	if m.state == Authenticating {
		switch f.Event {
		case protocol.EventAuthenticated:
			l.authTimer.Stop()
			resumed := m.authedOnce
			m.authedOnce = true
			m.attempts = 0
			for _, p := range m.pending {
				l.out.push(p)
			}
			m.pending = nil
			m.wg.Add(1)
			go m.writeLoop(l)
			m.transitionLocked(Authenticated, Lifecycle{Resumed: resumed})
		case protocol.EventError:
			var ev protocol.ServerError
			_ = json.Unmarshal(f.Payload, &ev)
			m.epoch++
			m.teardownLocked()
			m.attempts = 0
			m.pending = nil
			m.authedOnce = false
			m.transitionLocked(Disconnected, Lifecycle{Err: fmt.Errorf("%w: %s", ErrAuthRejected, ev.Message)})
			m.userID = ""
			return
		}
	}

	m.inbox.push(Delivery{Epoch: m.epoch, Frame: &f})
}

func (m *Manager) writeLoop(l *link) {
	defer m.wg.Done()

	for {
		data, ok := l.out.pop(nil)
		if !ok {
			return
		}
		if err := l.conn.Write(l.ctx, data); err != nil {
			if l.ctx.Err() == nil {
				m.lost(l, fmt.Errorf("failed to write frame: %w", err))
			}
			return
		}
	}
}

func (m *Manager) authExpired(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != l || m.state != Authenticating {
		return
	}
	m.lostLocked(l, ErrAuthTimeout)
}

// lost handles an unexpected end of l.
func (m *Manager) lost(l *link, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostLocked(l, err)
}

func (m *Manager) lostLocked(l *link, err error) {
	if m.cur != l {
		return
	}
	m.cur = nil
	m.closeLink(l)

	m.attempts++
	if m.opts.MaxAttempts > 0 && m.attempts > m.opts.MaxAttempts {
		m.attempts = m.opts.MaxAttempts
		m.transitionLocked(Reconnecting, Lifecycle{Exhausted: true, Err: err})
		return
	}

	delay := m.opts.Backoff.Delay(m.attempts - 1)
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() {
		m.retry(seq)
	})
	m.metrics.ReconnectAttempt()
	m.transitionLocked(Reconnecting, Lifecycle{Delay: delay, Err: err})
}

func (m *Manager) retry(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || seq != m.timerSeq || m.state != Reconnecting {
		return
	}
	m.timer = nil
	m.openLocked()
}
