// Package fakeserver is an in-process chat backend speaking the realtime
// protocol over TCP and WebSocket on one port, plus the REST API under /api.
// It backs the end-to-end tests and the development server command.
package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omochice/chatsync/internal/transport"
	"github.com/omochice/chatsync/internal/transport/tcp"
	"github.com/omochice/chatsync/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Received is an inbound frame as seen by the server.
type Received struct {
	UserID string
	Frame  protocol.Frame
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSecret sets the HMAC key used to sign and verify access tokens.
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// WithReactionSnapshots makes reaction broadcasts carry the full reaction
// map instead of an add/remove delta.
func WithReactionSnapshots() Option {
	return func(s *Server) { s.snapshots = true }
}

// Server is a fake chat backend.
type Server struct {
	address   string
	listener  net.Listener
	http      *http.Server
	httpConns *connListener
	hub       *hub
	logger    zerolog.Logger
	secret    []byte
	snapshots bool
	now       func() time.Time

	mu       sync.Mutex
	rejected map[string]bool
	silent   map[string]bool
	received []Received
	seq      int
	data     *database

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a Server that will listen on address.
func New(address string, opts ...Option) *Server {
	s := &Server{
		address:  address,
		logger:   zerolog.Nop(),
		secret:   []byte("chatsync-dev-secret"),
		now:      time.Now,
		rejected: make(map[string]bool),
		silent:   make(map[string]bool),
		data:     newDatabase(),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.logger)
	return s
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.httpConns = newConnListener(listener.Addr())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.routes(mux)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server started (TCP, WebSocket and REST)")

	s.wg.Add(2)
	go s.acceptConnections()
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(s.httpConns); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()
	return nil
}

// Stop closes the listener and every connection.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.http != nil {
		_ = s.http.Close()
	}
	s.hub.kick("")
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// WebSocketURL returns the URL of the realtime WebSocket endpoint.
func (s *Server) WebSocketURL() string {
	return "ws://" + s.Addr() + "/ws"
}

// APIURL returns the base URL of the REST API.
func (s *Server) APIURL() string {
	return "http://" + s.Addr() + "/api"
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

// Online reports whether userID has an authenticated connection.
func (s *Server) Online(userID string) bool {
	return s.hub.online(userID)
}

// RoomMembers returns the users joined to a chat room.
func (s *Server) RoomMembers(chatID string) []string {
	return s.hub.members(chatID)
}

// Reject makes authenticate fail for userID.
func (s *Server) Reject(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[userID] = true
}

// Silence makes the server ignore authenticate from userID, or answer it
// again when silent is false.
func (s *Server) Silence(userID string, silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[userID] = silent
}

// Kick drops every connection of userID, as a network failure would.
func (s *Server) Kick(userID string) int {
	return s.hub.kick(userID)
}

// Received returns the frames received so far, in arrival order.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Publish sends ev to the chatID room and the chat's participants.
func (s *Server) Publish(chatID string, ev protocol.Event) error {
	f, err := protocol.NewFrame(ev)
	if err != nil {
		return err
	}
	s.hub.toRoom(f, chatID, s.data.participants(chatID), nil)
	return nil
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection determines whether the connection is HTTP or raw TCP.
// Nothing is written before the client's first bytes arrive.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	proto, reader, err := detectProtocol(conn)
	if err != nil {
		s.logger.Debug().Err(err).Msg("failed to peek connection")
		_ = conn.Close()
		return
	}

	buffered := &bufferedConn{Conn: conn, reader: reader}
	if proto == protocolHTTP {
		s.httpConns.push(buffered)
		return
	}
	s.serveClient(tcp.NewConn(buffered), "tcp")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveClient(&wsConn{conn: conn}, "ws")
	}()
}

func (s *Server) serveClient(conn transport.Conn, kind string) {
	s.mu.Lock()
	s.seq++
	c := &client{
		id:       fmt.Sprintf("%s-%d", kind, s.seq),
		conn:     conn,
		rooms:    make(map[string]bool),
		outgoing: make(chan []byte, 64),
	}
	s.mu.Unlock()

	s.hub.register(c)
	logger := s.logger.With().Str("client", c.id).Logger()
	logger.Debug().Str("remote", conn.RemoteAddr()).Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case data := <-c.outgoing:
				if err := conn.Write(ctx, data); err != nil {
					logger.Debug().Err(err).Msg("failed to send frame")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	defer func() {
		cancel()
		<-writerDone
		_ = conn.Close()
		if userID, last := s.hub.unregister(c); last {
			s.hub.toAuthenticated(s.frame(protocol.UserStatus{
				UserID:   userID,
				IsOnline: false,
				LastSeen: s.now().UTC().Format(time.RFC3339Nano),
			}), nil)
		}
		logger.Debug().Msg("client disconnected")
	}()

	s.reply(c, protocol.Connected{SID: c.id})

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		s.handleFrame(c, f, logger)
	}
}

func (s *Server) handleFrame(c *client, f protocol.Frame, logger zerolog.Logger) {
	rec := Received{UserID: s.hub.user(c), Frame: f}
	s.mu.Lock()
	s.received = append(s.received, rec)
	s.mu.Unlock()

	ev, err := decodeOutbound(f)
	if err != nil {
		logger.Warn().Err(err).Str("event", f.Event).Msg("dropped frame")
		return
	}

	switch ev := ev.(type) {
	case protocol.Authenticate:
		s.mu.Lock()
		rejected, silent := s.rejected[ev.UserID], s.silent[ev.UserID]
		s.mu.Unlock()
		switch {
		case ev.UserID == "":
			s.reply(c, protocol.ServerError{Message: "Invalid user_id"})
		case rejected:
			s.reply(c, protocol.ServerError{Message: "Authentication failed"})
		case silent:
		default:
			s.hub.authenticate(c, ev.UserID)
			logger.Info().Str("user_id", ev.UserID).Msg("user authenticated")
			s.reply(c, protocol.Authenticated{UserID: ev.UserID})
			s.hub.toAuthenticated(s.frame(protocol.UserStatus{UserID: ev.UserID, IsOnline: true}), c)
		}
	case protocol.JoinChat:
		s.hub.join(c, ev.ChatID)
		s.hub.toRoom(s.frame(protocol.UserJoined{ChatID: ev.ChatID, UserID: ev.UserID}), ev.ChatID, nil, c)
	case protocol.LeaveChat:
		s.hub.leave(c, ev.ChatID)
	case protocol.Typing:
		typing := ev.IsTyping
		s.hub.toRoom(s.frame(protocol.UserTyping{ChatID: ev.ChatID, UserID: ev.UserID, IsTyping: &typing}), ev.ChatID, nil, c)
	}
}

// decodeOutbound decodes the client-to-server events.
func decodeOutbound(f protocol.Frame) (protocol.Event, error) {
	switch f.Event {
	case protocol.EventAuthenticate:
		return decodeAs[protocol.Authenticate](f)
	case protocol.EventJoinChat:
		return decodeAs[protocol.JoinChat](f)
	case protocol.EventLeaveChat:
		return decodeAs[protocol.LeaveChat](f)
	case protocol.EventTyping:
		return decodeAs[protocol.Typing](f)
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, f.Event)
	}
}

func decodeAs[T protocol.Event](f protocol.Frame) (protocol.Event, error) {
	var ev T
	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	return ev, nil
}

func (s *Server) frame(ev protocol.Event) protocol.Frame {
	f, err := protocol.NewFrame(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", ev.EventName()).Msg("failed to build frame")
	}
	return f
}

func (s *Server) reply(c *client, ev protocol.Event) {
	data, err := s.frame(ev).Encode()
	if err != nil {
		return
	}
	select {
	case c.outgoing <- data:
	default:
	}
}
