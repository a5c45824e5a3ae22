package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatsync/pkg/protocol"
)

func TestParseChat(t *testing.T) {
	chat, err := parseChat("general = alice, bob ,carol")
	require.NoError(t, err)
	assert.Equal(t, "general", chat.ID)
	assert.Equal(t, protocol.ChatTypeGroup, chat.Type)
	assert.Equal(t, []string{"alice", "bob", "carol"}, chat.Participants)

	direct, err := parseChat("dm=alice,bob")
	require.NoError(t, err)
	assert.Equal(t, protocol.ChatTypeDirect, direct.Type)
}

func TestParseChat_Invalid(t *testing.T) {
	for _, def := range []string{"", "general", "=alice", "general=", "general= , "} {
		_, err := parseChat(def)
		assert.Error(t, err, def)
	}
}
