package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omochice/chatsync/pkg/protocol"
)

func TestReactions_AddRemoveRoundTrip(t *testing.T) {
	prior := protocol.Reactions{"❤️": {"u2", "u3"}}

	added := prior.With("👍", "u1")
	assert.Equal(t, []string{"u1"}, added["👍"])
	assert.Equal(t, []string{"u2", "u3"}, prior["❤️"], "With must not mutate the receiver")
	_, leaked := prior["👍"]
	assert.False(t, leaked)

	removed := added.Without("👍", "u1")
	assert.Equal(t, prior, removed)
}

func TestReactions_AddRemoveFromNil(t *testing.T) {
	var none protocol.Reactions

	added := none.With("👍", "u1")
	assert.Equal(t, protocol.Reactions{"👍": {"u1"}}, added)
	assert.Nil(t, added.Without("👍", "u1"))
	assert.Nil(t, protocol.Reactions{}.Without("👍", "u1"))
}

func TestReactions_WithIsIdempotent(t *testing.T) {
	r := protocol.Reactions{}.With("👍", "u1").With("👍", "u1")
	assert.Equal(t, 1, r.Count("👍"))
	assert.True(t, r.Has("👍", "u1"))
}

func TestReactions_WithoutAbsent(t *testing.T) {
	r := protocol.Reactions{"👍": {"u1"}}
	assert.Equal(t, r, r.Without("👍", "u9"))
	assert.Equal(t, r, r.Without("🎉", "u1"))
	assert.Nil(t, protocol.Reactions(nil).Without("👍", "u1"))
}

func TestReactions_Normalize(t *testing.T) {
	r := protocol.Reactions{
		"👍": {"u2", "u1", "u2"},
		"🎉": {},
	}
	assert.Equal(t, protocol.Reactions{"👍": {"u1", "u2"}}, r.Normalize())
	assert.Nil(t, protocol.Reactions(nil).Normalize())
}
