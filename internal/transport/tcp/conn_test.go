package tcp_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/omochice/chatsync/internal/transport"
	"github.com/omochice/chatsync/internal/transport/tcp"
)

func TestConn_ImplementsInterface(t *testing.T) {
	var _ transport.Conn = (*tcp.Conn)(nil)
	var _ transport.Dialer = tcp.Dialer{}
}

func TestConn_RoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	clientConn := tcp.NewConn(client)
	serverConn := tcp.NewConn(server)

	go func() {
		if err := clientConn.Write(context.Background(), []byte("first")); err != nil {
			t.Errorf("Write() error = %v", err)
		}
		if err := clientConn.Write(context.Background(), []byte("second frame")); err != nil {
			t.Errorf("Write() error = %v", err)
		}
	}()

	for _, want := range []string{"first", "second frame"} {
		data, err := serverConn.Read(context.Background())
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(data) != want {
			t.Errorf("Read() = %q, want %q", string(data), want)
		}
	}
}

func TestConn_ReadHonorsContext(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Read(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestConn_ReadRejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := tcp.NewConn(client)

	go func() {
		// varint for 1<<30
		server.Write([]byte{0x80, 0x80, 0x80, 0x80, 0x04})
	}()

	_, err := conn.Read(context.Background())
	if !errors.Is(err, transport.ErrFrameTooLarge) {
		t.Errorf("Read() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestConn_Close(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	conn := tcp.NewConn(client)
	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := conn.Read(context.Background()); err == nil {
		t.Error("expected Read() on closed conn to fail")
	}
}

func TestDialer_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		data, err := tcp.NewConn(c).Read(context.Background())
		if err == nil {
			accepted <- data
		}
	}()

	conn, err := tcp.Dialer{Address: ln.Addr().String()}.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if conn.RemoteAddr() != ln.Addr().String() {
		t.Errorf("RemoteAddr() = %q, want %q", conn.RemoteAddr(), ln.Addr().String())
	}
	if err := conn.Write(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case data := <-accepted:
		if string(data) != "hello" {
			t.Errorf("server received %q, want %q", string(data), "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}
