package room_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatsync/internal/room"
	"github.com/omochice/chatsync/pkg/protocol"
)

type mockSender struct {
	frames []protocol.Frame
	err    error
}

func (s *mockSender) Send(f protocol.Frame) error {
	s.frames = append(s.frames, f)
	return s.err
}

func (s *mockSender) events(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range s.frames {
		var p struct {
			ChatID string `json:"chat_id"`
			UserID string `json:"user_id"`
		}
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		out = append(out, f.Event+":"+p.ChatID+":"+p.UserID)
	}
	return out
}

func TestMembership_JoinOncePerFocusChange(t *testing.T) {
	s := &mockSender{}
	m := room.New(s)

	joined, err := m.Join("c1", "u1")
	require.NoError(t, err)
	assert.True(t, joined)

	joined, err = m.Join("c1", "u1")
	require.NoError(t, err)
	assert.False(t, joined)

	_, err = m.Join("c2", "u1")
	require.NoError(t, err)

	assert.Equal(t, "c2", m.Focused())
	assert.Equal(t, []string{"join_chat:c1:u1", "join_chat:c2:u1"}, s.events(t))
}

func TestMembership_Leave(t *testing.T) {
	s := &mockSender{}
	m := room.New(s)
	_, _ = m.Join("c1", "u1")

	require.NoError(t, m.Leave("c9", "u1"))
	assert.Equal(t, "c1", m.Focused(), "leaving another chat keeps the focus")

	require.NoError(t, m.Leave("c1", "u1"))
	assert.Equal(t, "", m.Focused())

	assert.Equal(t, []string{"join_chat:c1:u1", "leave_chat:c9:u1", "leave_chat:c1:u1"}, s.events(t))
}

func TestMembership_Resubscribe(t *testing.T) {
	s := &mockSender{}
	m := room.New(s)

	require.NoError(t, m.Resubscribe("u1"))
	assert.Empty(t, s.frames)

	_, _ = m.Join("c1", "u1")
	require.NoError(t, m.Resubscribe("u1"))
	assert.Equal(t, []string{"join_chat:c1:u1", "join_chat:c1:u1"}, s.events(t))
}

func TestMembership_FocusMovesWhenSendFails(t *testing.T) {
	s := &mockSender{err: errors.New("offline")}
	m := room.New(s)

	joined, err := m.Join("c1", "u1")
	assert.True(t, joined)
	assert.ErrorContains(t, err, "join_chat")
	assert.Equal(t, "c1", m.Focused())

	m.Clear()
	assert.Equal(t, "", m.Focused())
	assert.Len(t, s.frames, 1, "Clear does not notify the server")
}
