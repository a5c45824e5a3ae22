package router_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatsync/internal/metrics"
	"github.com/omochice/chatsync/internal/router"
	"github.com/omochice/chatsync/pkg/protocol"
)

func raw(event, payload string) protocol.Frame {
	return protocol.Frame{Event: event, Payload: json.RawMessage(payload)}
}

func TestRouter_DispatchesInOrder(t *testing.T) {
	r := router.New(zerolog.Nop(), nil)

	var got []string
	router.On(r, func(ev protocol.NewMessage) { got = append(got, "new:"+ev.ID) })
	router.On(r, func(ev protocol.MessageEdited) { got = append(got, "edit:"+ev.MessageID) })
	router.On(r, func(ev protocol.UserTyping) { got = append(got, "typing:"+ev.UserID) })

	frames := []protocol.Frame{
		raw("new_message", `{"id":"m1","chat_id":"c1"}`),
		raw("user_typing", `{"chat_id":"c1","user_id":"u2","is_typing":true}`),
		raw("message_edited", `{"message_id":"m1","content":"x"}`),
		raw("new_message", `{"id":"m2","chat_id":"c1"}`),
	}
	for _, f := range frames {
		require.NoError(t, r.Dispatch(f))
	}

	assert.Equal(t, []string{"new:m1", "typing:u2", "edit:m1", "new:m2"}, got)
}

func TestRouter_LegacyEditRoutesToEditHandler(t *testing.T) {
	r := router.New(zerolog.Nop(), nil)

	var edited, created int
	router.On(r, func(protocol.NewMessage) { created++ })
	router.On(r, func(protocol.MessageEdited) { edited++ })

	require.NoError(t, r.Dispatch(raw("new_message", `{"event":"message_edited","message_id":"m1","content":"x"}`)))
	assert.Equal(t, 1, edited)
	assert.Equal(t, 0, created)
}

func TestRouter_DropsBadFramesAndContinues(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := router.New(zerolog.Nop(), metrics.New(reg))

	var handled int
	router.On(r, func(protocol.UserStatus) { handled++ })
	router.On(r, func(protocol.MessageDeleted) { panic("boom") })

	tests := []struct {
		name  string
		frame protocol.Frame
		want  error
	}{
		{name: "unknown", frame: raw("user_left_universe", `{}`), want: protocol.ErrUnknownEvent},
		{name: "malformed", frame: raw("user_status", `{"is_online":true}`), want: protocol.ErrMalformed},
		{name: "unhandled", frame: raw("user_joined", `{"chat_id":"c1","user_id":"u2"}`), want: router.ErrNoHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Errorf("Dispatch() error = %v, want %v", err, tt.want)
			}
		})
	}

	err := r.Dispatch(raw("message_deleted", `{"message_id":"m1"}`))
	assert.ErrorContains(t, err, "panicked")

	require.NoError(t, r.Dispatch(raw("user_status", `{"user_id":"u2","is_online":true}`)))
	assert.Equal(t, 1, handled)

	families, err := reg.Gather()
	require.NoError(t, err)
	dropped := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "chatsync_events_dropped_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			dropped[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		metrics.ReasonUnknown:   1,
		metrics.ReasonMalformed: 1,
		metrics.ReasonPanic:     1,
	}, dropped)
}

func TestRouter_OnReplacesHandler(t *testing.T) {
	r := router.New(zerolog.Nop(), nil)

	var first, second int
	router.On(r, func(protocol.Connected) { first++ })
	router.On(r, func(protocol.Connected) { second++ })

	require.NoError(t, r.Dispatch(raw("connected", `{"sid":"abc"}`)))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}
