package transport

import (
	"context"
	"time"
)

// DeadlineSetter is the subset of net.Conn needed to interrupt blocking I/O.
type DeadlineSetter interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// WatchRead interrupts a pending read on conn once ctx is done, so callers
// observe ctx.Err() rather than a bare timeout. The returned stop function
// must be called when the read returns.
func WatchRead(ctx context.Context, conn DeadlineSetter) (stop func() bool) {
	_ = conn.SetReadDeadline(time.Time{})
	return context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
}

// WatchWrite is WatchRead for writes.
func WatchWrite(ctx context.Context, conn DeadlineSetter) (stop func() bool) {
	_ = conn.SetWriteDeadline(time.Time{})
	return context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
	})
}
