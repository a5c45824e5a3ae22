// Package router dispatches decoded protocol events to their handlers.
package router

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omochice/chatsync/internal/metrics"
	"github.com/omochice/chatsync/pkg/protocol"
)

// ErrNoHandler is returned by Dispatch for a known event nobody handles.
var ErrNoHandler = errors.New("no handler registered")

// Router is a dispatch table from event name to handler.
// It is not safe for concurrent use; register handlers before dispatching.
type Router struct {
	routes  map[string]func(protocol.Event)
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an empty Router.
func New(logger zerolog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		routes:  make(map[string]func(protocol.Event)),
		logger:  logger.With().Str("component", "router").Logger(),
		metrics: m,
	}
}

// On registers fn for the event type T, replacing any previous handler.
func On[T protocol.Event](r *Router, fn func(T)) {
	var zero T
	r.routes[zero.EventName()] = func(ev protocol.Event) {
		fn(ev.(T))
	}
}

// Dispatch decodes f and runs its handler synchronously.
// Unknown, malformed and unhandled frames are logged and dropped, and a
// panicking handler is recovered; the returned error only reports what happened.
func (r *Router) Dispatch(f protocol.Frame) (err error) {
	ev, err := protocol.Decode(f)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, protocol.ErrUnknownEvent) {
			reason = metrics.ReasonUnknown
		}
		r.metrics.EventDropped(reason)
		r.logger.Warn().Err(err).Str("event", f.Event).Msg("dropped event")
		return err
	}

	// Legacy frames may decode to a different event than the envelope names.
	name := ev.EventName()
	handle, ok := r.routes[name]
	if !ok {
		r.logger.Debug().Str("event", name).Msg("no handler")
		return fmt.Errorf("%w: %s", ErrNoHandler, name)
	}

	defer func() {
		if p := recover(); p != nil {
			r.metrics.EventDropped(metrics.ReasonPanic)
			r.logger.Error().Str("event", name).Interface("panic", p).Msg("handler panicked")
			err = fmt.Errorf("handler for %s panicked: %v", name, p)
		}
	}()

	handle(ev)
	r.metrics.EventDispatched(name)
	return nil
}
