package fakeserver_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatsync/internal/fakeserver"
	"github.com/omochice/chatsync/internal/rest"
	"github.com/omochice/chatsync/internal/transport"
	"github.com/omochice/chatsync/internal/transport/tcp"
	wstransport "github.com/omochice/chatsync/internal/transport/ws"
	"github.com/omochice/chatsync/pkg/protocol"
)

func startServer(t *testing.T, opts ...fakeserver.Option) *fakeserver.Server {
	t.Helper()
	srv := fakeserver.New("127.0.0.1:0", opts...)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	srv.AddChat(protocol.Chat{ID: "c1", Type: protocol.ChatTypeDirect, Participants: []string{"alice", "bob"}})
	return srv
}

func dial(t *testing.T, srv *fakeserver.Server, kind string) transport.Conn {
	t.Helper()
	var d transport.Dialer = tcp.Dialer{Address: srv.Addr()}
	if kind == "ws" {
		d = wstransport.Dialer{URL: srv.WebSocketURL()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn transport.Conn, ev protocol.Event) {
	t.Helper()
	f, err := protocol.NewFrame(ev)
	require.NoError(t, err)
	data, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), data))
}

// next reads frames until one named event arrives.
func next(t *testing.T, conn transport.Conn, event string) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		data, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %s", event)
		var f protocol.Frame
		require.NoError(t, f.Decode(data))
		ev, err := protocol.Decode(f)
		require.NoError(t, err)
		if ev.EventName() == event {
			return ev
		}
	}
}

func login(t *testing.T, srv *fakeserver.Server, kind, userID string) transport.Conn {
	t.Helper()
	conn := dial(t, srv, kind)
	// Raw TCP is only told apart from HTTP once the client has written,
	// so the client speaks first.
	send(t, conn, protocol.Authenticate{UserID: userID})
	ev := next(t, conn, protocol.EventAuthenticated)
	require.Equal(t, userID, ev.(protocol.Authenticated).UserID)
	return conn
}

func TestServer_Authenticate(t *testing.T) {
	for _, kind := range []string{"tcp", "ws"} {
		t.Run(kind, func(t *testing.T) {
			srv := startServer(t)
			login(t, srv, kind, "alice")

			assert.Eventually(t, func() bool { return srv.Online("alice") }, time.Second, 5*time.Millisecond)
			assert.Equal(t, 1, srv.ClientCount())
		})
	}
}

func TestServer_RejectsUser(t *testing.T) {
	srv := startServer(t)
	srv.Reject("mallory")

	conn := dial(t, srv, "tcp")
	send(t, conn, protocol.Authenticate{UserID: "mallory"})
	ev := next(t, conn, protocol.EventError)
	assert.Equal(t, "Authentication failed", ev.(protocol.ServerError).Message)
	assert.False(t, srv.Online("mallory"))
}

func TestServer_TypingReachesRoom(t *testing.T) {
	srv := startServer(t)
	alice := login(t, srv, "ws", "alice")
	bob := login(t, srv, "tcp", "bob")

	send(t, bob, protocol.JoinChat{ChatID: "c1", UserID: "bob"})
	require.Eventually(t, func() bool {
		return len(srv.RoomMembers("c1")) == 1
	}, time.Second, 5*time.Millisecond)
	send(t, alice, protocol.JoinChat{ChatID: "c1", UserID: "alice"})
	joined := next(t, bob, protocol.EventUserJoined).(protocol.UserJoined)
	assert.Equal(t, "alice", joined.UserID)

	send(t, alice, protocol.Typing{ChatID: "c1", UserID: "alice", IsTyping: true})
	typing := next(t, bob, protocol.EventUserTyping).(protocol.UserTyping)
	assert.Equal(t, "alice", typing.UserID)
	assert.True(t, typing.Typing())
}

func TestServer_StatusOnDisconnect(t *testing.T) {
	srv := startServer(t)
	alice := login(t, srv, "tcp", "alice")
	login(t, srv, "tcp", "bob")

	next(t, alice, protocol.EventUserStatus)
	require.Equal(t, 1, srv.Kick("bob"))

	ev := next(t, alice, protocol.EventUserStatus).(protocol.UserStatus)
	assert.Equal(t, "bob", ev.UserID)
	assert.False(t, ev.IsOnline)
	assert.False(t, ev.LastSeenTime().IsZero())
}

func TestServer_RESTBroadcasts(t *testing.T) {
	srv := startServer(t)
	bob := login(t, srv, "ws", "bob")

	token, err := srv.Token("alice")
	require.NoError(t, err)
	userID, err := rest.UserIDFromToken(token)
	require.NoError(t, err)
	api := rest.NewHTTPClient(srv.APIURL(), userID, token)
	ctx := context.Background()

	m, err := api.SendMessage(ctx, "c1", rest.Draft{Content: "hi bob"})
	require.NoError(t, err)
	pushed := next(t, bob, protocol.EventNewMessage).(protocol.NewMessage)
	assert.Equal(t, m.ID, pushed.ID)
	assert.Equal(t, "hi bob", pushed.Content)

	require.NoError(t, api.EditMessage(ctx, m.ID, "hi again"))
	edited := next(t, bob, protocol.EventMessageEdited).(protocol.MessageEdited)
	assert.Equal(t, "hi again", edited.Content)

	require.NoError(t, api.AddReaction(ctx, m.ID, "👍"))
	reaction := next(t, bob, protocol.EventMessageReaction).(protocol.MessageReaction)
	assert.Equal(t, protocol.ReactionAdd, reaction.Action)
	assert.Equal(t, "alice", reaction.UserID)

	chats, err := api.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "hi again", chats[0].LastMessage.Content)

	msgs, err := api.ListMessages(ctx, "c1", rest.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.Reactions{"👍": {"alice"}}, msgs[0].Reactions)

	require.NoError(t, api.DeleteMessage(ctx, m.ID, true))
	deleted := next(t, bob, protocol.EventMessageDeleted).(protocol.MessageDeleted)
	assert.Equal(t, m.ID, deleted.MessageID)
}

func TestServer_ReactionSnapshots(t *testing.T) {
	srv := startServer(t, fakeserver.WithReactionSnapshots())
	bob := login(t, srv, "tcp", "bob")

	m, err := srv.PostMessage("c1", "bob", "hello")
	require.NoError(t, err)
	next(t, bob, protocol.EventNewMessage)

	token, err := srv.Token("alice")
	require.NoError(t, err)
	api := rest.NewHTTPClient(srv.APIURL(), "alice", token)
	require.NoError(t, api.AddReaction(context.Background(), m.ID, "🎉"))

	ev := next(t, bob, protocol.EventMessageReaction).(protocol.MessageReaction)
	require.True(t, ev.HasSnapshot())
	assert.Equal(t, protocol.Reactions{"🎉": {"alice"}}, ev.Reactions)
}

func TestServer_RESTRequiresToken(t *testing.T) {
	srv := startServer(t)
	api := rest.NewHTTPClient(srv.APIURL(), "alice", "garbage")

	_, err := api.ListChats(context.Background())
	var se *rest.StatusError
	require.True(t, errors.As(err, &se), "error %v is not a StatusError", err)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}
