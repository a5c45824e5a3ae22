package test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatsync/internal/client"
	"github.com/omochice/chatsync/internal/config"
	"github.com/omochice/chatsync/internal/connection"
	"github.com/omochice/chatsync/internal/engine"
	"github.com/omochice/chatsync/internal/fakeserver"
	"github.com/omochice/chatsync/internal/rest"
	"github.com/omochice/chatsync/pkg/protocol"
)

const wait = 3 * time.Second

func startServer(t *testing.T) *fakeserver.Server {
	t.Helper()
	srv := fakeserver.New("127.0.0.1:0")
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	srv.AddChat(protocol.Chat{ID: "c1", Type: protocol.ChatTypeDirect, Participants: []string{"alice", "bob"}})
	srv.AddChat(protocol.Chat{ID: "c2", Type: protocol.ChatTypeGroup, Participants: []string{"alice", "bob", "carol"}})
	return srv
}

// connect builds a client for userID against srv, runs it and logs in.
func connect(t *testing.T, srv *fakeserver.Server, userID string, tune func(*config.Config)) *client.Client {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	token, err := srv.Token(userID)
	require.NoError(t, err)
	cfg.Server.URL = srv.WebSocketURL()
	cfg.Server.APIURL = srv.APIURL()
	cfg.Session.UserID = userID
	cfg.Session.Token = token
	cfg.Reconnect.BaseDelay = 50 * time.Millisecond
	cfg.Reconnect.Jitter = 0
	cfg.Connection.AuthTimeout = time.Second
	if tune != nil {
		tune(cfg)
	}

	c, err := client.New(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		<-done
	})

	require.NoError(t, c.Login(ctx, userID))
	return c
}

func authenticated(t *testing.T, c *client.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == connection.Authenticated
	}, wait, 5*time.Millisecond)
}

func unread(c *client.Client, chatID string) int {
	chat, ok := c.Chat(chatID)
	if !ok {
		return -1
	}
	return chat.UnreadCount
}

func TestIntegration_UnreadFollowsFocus(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	alice := connect(t, srv, "alice", nil)
	authenticated(t, alice)
	require.NoError(t, alice.RefreshChats(ctx))
	require.NoError(t, alice.OpenChat(ctx, "c1"))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, srv.RoomMembers("c1"))
	}, wait, 5*time.Millisecond)

	m1, err := srv.PostMessage("c1", "bob", "in focus")
	require.NoError(t, err)
	m2, err := srv.PostMessage("c2", "bob", "elsewhere")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok1 := alice.Message(m1.ID)
		_, ok2 := alice.Message(m2.ID)
		return ok1 && ok2
	}, wait, 5*time.Millisecond)

	assert.Equal(t, 0, unread(alice, "c1"))
	assert.Equal(t, 1, unread(alice, "c2"))

	chat, _ := alice.Chat("c2")
	require.NotNil(t, chat.LastMessage)
	assert.Equal(t, m2.ID, chat.LastMessage.ID)
}

func TestIntegration_SendReachesPeer(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	alice := connect(t, srv, "alice", nil)
	bob := connect(t, srv, "bob", nil)
	authenticated(t, alice)
	authenticated(t, bob)
	require.NoError(t, alice.OpenChat(ctx, "c1"))
	require.NoError(t, bob.RefreshChats(ctx))

	sent, err := alice.SendMessage(ctx, "c1", rest.Draft{Content: "hello bob"})
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.SenderID)

	require.Eventually(t, func() bool {
		m, ok := bob.Message(sent.ID)
		return ok && m.Content == "hello bob"
	}, wait, 5*time.Millisecond)
	assert.Equal(t, 1, unread(bob, "c1"))

	// The echo and the REST response carry the same id: one entry.
	require.Eventually(t, func() bool {
		msgs := alice.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, wait, 5*time.Millisecond)

	require.NoError(t, bob.OpenChat(ctx, "c1"))
	assert.Equal(t, 0, unread(bob, "c1"))
	require.NoError(t, bob.MarkRead(ctx, "c1"))
	require.Eventually(t, func() bool {
		m, ok := alice.Message(sent.ID)
		return ok && m.Status == protocol.StatusRead
	}, wait, 5*time.Millisecond)
}

func TestIntegration_EditDeleteAndReactions(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	alice := connect(t, srv, "alice", nil)
	bob := connect(t, srv, "bob", nil)
	authenticated(t, alice)
	authenticated(t, bob)
	require.NoError(t, bob.OpenChat(ctx, "c1"))

	sent, err := alice.SendMessage(ctx, "c1", rest.Draft{Content: "tpyo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := bob.Message(sent.ID)
		return ok
	}, wait, 5*time.Millisecond)

	require.NoError(t, alice.EditMessage(ctx, sent.ID, "typo"))
	require.Eventually(t, func() bool {
		m, _ := bob.Message(sent.ID)
		return m.Content == "typo" && m.Edited
	}, wait, 5*time.Millisecond)

	require.NoError(t, bob.AddReaction(ctx, sent.ID, "👍"))
	require.Eventually(t, func() bool {
		m, _ := alice.Message(sent.ID)
		return assert.ObjectsAreEqual([]string{"bob"}, m.Reactions["👍"])
	}, wait, 5*time.Millisecond)

	require.NoError(t, bob.RemoveReaction(ctx, sent.ID, "👍"))
	require.Eventually(t, func() bool {
		m, _ := alice.Message(sent.ID)
		return len(m.Reactions["👍"]) == 0
	}, wait, 5*time.Millisecond)

	require.NoError(t, alice.DeleteMessage(ctx, sent.ID, true))
	require.Eventually(t, func() bool {
		m, ok := bob.Message(sent.ID)
		return ok && m.Deleted
	}, wait, 5*time.Millisecond)
	assert.Len(t, bob.Messages("c1"), 1, "deleted messages keep their place")
}

func TestIntegration_HistoryPaging(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := srv.PostMessage("c1", "bob", text)
		require.NoError(t, err)
	}

	alice := connect(t, srv, "alice", nil)
	authenticated(t, alice)
	require.NoError(t, alice.LoadMessages(ctx, "c1", rest.Page{Limit: 2}))
	require.Len(t, alice.Messages("c1"), 2)
	require.NoError(t, alice.LoadMessages(ctx, "c1", rest.Page{Limit: 2, Skip: 2}))

	var contents []string
	for _, m := range alice.Messages("c1") {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents)
}

func TestIntegration_TypingReachesRoom(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	alice := connect(t, srv, "alice", nil)
	bob := connect(t, srv, "bob", func(cfg *config.Config) {
		cfg.Presence.TypingTTL = 200 * time.Millisecond
		cfg.Presence.SweepInterval = 20 * time.Millisecond
	})
	authenticated(t, alice)
	authenticated(t, bob)
	require.NoError(t, alice.OpenChat(ctx, "c2"))
	require.NoError(t, bob.OpenChat(ctx, "c2"))
	require.Eventually(t, func() bool {
		return len(srv.RoomMembers("c2")) == 2
	}, wait, 5*time.Millisecond)

	require.NoError(t, alice.SetTyping(ctx, "c2", true))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, bob.Typing("c2"))
	}, wait, 5*time.Millisecond)

	// Without a stop event the indicator expires locally.
	require.Eventually(t, func() bool {
		return len(bob.Typing("c2")) == 0
	}, wait, 10*time.Millisecond)
}

func TestIntegration_PresenceOnDisconnect(t *testing.T) {
	srv := startServer(t)

	alice := connect(t, srv, "alice", nil)
	authenticated(t, alice)
	bob := connect(t, srv, "bob", func(cfg *config.Config) {
		cfg.Reconnect.BaseDelay = time.Hour
		cfg.Reconnect.MaxDelay = time.Hour
	})
	authenticated(t, bob)

	require.Eventually(t, func() bool {
		st, ok := alice.Online("bob")
		return ok && st.Online
	}, wait, 5*time.Millisecond)

	srv.Kick("bob")
	require.Eventually(t, func() bool {
		st, ok := alice.Online("bob")
		return ok && !st.Online && !st.LastSeen.IsZero()
	}, wait, 5*time.Millisecond)
}

func TestIntegration_ReauthenticatesBeforeReplay(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	alice := connect(t, srv, "alice", func(cfg *config.Config) {
		cfg.Reconnect.BaseDelay = 300 * time.Millisecond
	})
	authenticated(t, alice)
	require.NoError(t, alice.OpenChat(ctx, "c1"))
	require.Eventually(t, func() bool {
		return len(srv.RoomMembers("c1")) == 1
	}, wait, 5*time.Millisecond)

	mark := len(srv.Received())
	require.Equal(t, 1, srv.Kick("alice"))
	require.Eventually(t, func() bool {
		return alice.State() == connection.Reconnecting
	}, wait, 5*time.Millisecond)

	// Queued while the transport is down. Focus moves to c2 right away.
	require.NoError(t, alice.OpenChat(ctx, "c2"))
	assert.Equal(t, "c2", alice.Focused())

	authenticated(t, alice)
	require.Eventually(t, func() bool {
		return len(srv.RoomMembers("c2")) == 1
	}, wait, 5*time.Millisecond)
	assert.Empty(t, srv.RoomMembers("c1"))

	after := srv.Received()[mark:]
	require.NotEmpty(t, after)
	assert.Equal(t, protocol.EventAuthenticate, after[0].Frame.Event)
	var auth protocol.Authenticate
	require.NoError(t, json.Unmarshal(after[0].Frame.Payload, &auth))
	assert.Equal(t, "alice", auth.UserID)

	var joined []string
	for _, r := range after[1:] {
		if r.Frame.Event != protocol.EventJoinChat {
			continue
		}
		assert.Equal(t, "alice", r.UserID, "join replayed before authentication")
		var join protocol.JoinChat
		require.NoError(t, json.Unmarshal(r.Frame.Payload, &join))
		joined = append(joined, join.ChatID)
	}
	require.NotEmpty(t, joined)
	for _, chatID := range joined {
		assert.Equal(t, "c2", chatID)
	}
}

func TestIntegration_AuthRejected(t *testing.T) {
	srv := startServer(t)
	srv.Reject("mallory")

	mallory := connect(t, srv, "mallory", nil)
	require.Eventually(t, func() bool {
		return mallory.State() == connection.Disconnected && mallory.UserID() == ""
	}, wait, 5*time.Millisecond)
	assert.False(t, srv.Online("mallory"))

	_, err := mallory.SendMessage(context.Background(), "c1", rest.Draft{Content: "hi"})
	assert.ErrorIs(t, err, engine.ErrLoggedOut)
}

func TestIntegration_AuthTimeoutRetries(t *testing.T) {
	srv := startServer(t)
	srv.Silence("alice", true)

	alice := connect(t, srv, "alice", func(cfg *config.Config) {
		cfg.Connection.AuthTimeout = 100 * time.Millisecond
	})
	var lost *connection.Lifecycle
	require.Eventually(t, func() bool {
		select {
		case ch := <-alice.Changes():
			if ch.Kind == engine.ChangeConnection && ch.Lifecycle.To == connection.Reconnecting {
				lost = ch.Lifecycle
				return true
			}
		default:
		}
		return false
	}, wait, time.Millisecond)
	assert.ErrorIs(t, lost.Err, connection.ErrAuthTimeout)

	srv.Silence("alice", false)
	authenticated(t, alice)
}
