// Package tcp provides a raw TCP transport with varint length-prefixed frames.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/omochice/chatsync/internal/transport"
)

// Conn adapts net.Conn to transport.Conn.
// Both peers use the same framing, so Conn serves either side.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	wmu    sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: bufio.NewReader(conn)}
}

// Read implements transport.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := transport.WatchRead(ctx, c.conn)
	defer stop()

	size, err := binary.ReadUvarint(c.reader)
	if err != nil {
		return nil, readErr(ctx, err)
	}
	if size > transport.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, readErr(ctx, err)
	}
	return data, nil
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	buf := protowire.AppendVarint(make([]byte, 0, len(data)+binary.MaxVarintLen64), uint64(len(data)))
	buf = append(buf, data...)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := transport.WatchWrite(ctx, c.conn)
	defer stop()

	if _, err := c.conn.Write(buf); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Dialer dials the chat server over TCP.
type Dialer struct {
	Address string
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewConn(conn), nil
}
