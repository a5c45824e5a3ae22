// Package ws provides the WebSocket client transport on top of gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/chatsync/internal/transport"
)

// closeTimeout bounds the close handshake write on a dead peer.
const closeTimeout = time.Second

// Conn adapts a client-side WebSocket to transport.Conn.
type Conn struct {
	conn       net.Conn
	rw         io.ReadWriter
	wmu        sync.Mutex
	remoteAddr string
}

// NewConn wraps an established client-side WebSocket connection.
// br holds bytes the handshake read past the upgrade response and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{conn: conn, remoteAddr: conn.RemoteAddr().String()}
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c}}
	return c
}

// Read implements transport.Conn.
// Control frames are answered in place; text and binary frames are returned.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := transport.WatchRead(ctx, c.conn)
	defer stop()

	data, _, err := wsutil.ReadServerData(c.rw)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// Write implements transport.Conn.
// Writes a masked binary message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := transport.WatchWrite(ctx, c.conn)
	defer stop()

	if err := wsutil.WriteClientBinary(c.conn, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Close implements transport.Conn.
// Sends a normal closure frame before closing the socket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.wmu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// lockedWriter serializes control frame replies with regular writes.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}

// Dialer dials the chat server over WebSocket.
type Dialer struct {
	URL    string
	Header http.Header
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	dialer := ws.Dialer{}
	if d.Header != nil {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}
	conn, br, _, err := dialer.Dial(ctx, d.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewConn(conn, br), nil
}
