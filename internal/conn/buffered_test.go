package conn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"testing"
)

func TestCloseWriteUnsupported(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if err := CloseWrite(a); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("CloseWrite(net.Pipe) = %v, want ErrUnsupported", err)
	}
}

func TestBufferedConnReplaysPeekedBytes(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_, _ = b.Write([]byte("GET / HTTP/1.1\r\n"))
		_, _ = b.Write([]byte("rest"))
		_ = b.Close()
	}()

	br := bufio.NewReader(a)
	peeked, err := br.Peek(4)
	if err != nil {
		t.Fatal(err)
	}
	if string(peeked) != "GET " {
		t.Fatalf("peeked %q", peeked)
	}

	got, err := io.ReadAll(&BufferedConn{Conn: a, Reader: br})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "GET / HTTP/1.1\r\nrest" {
		t.Fatalf("got %q", got)
	}
}

func TestBufferedConnCloseWrite(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(io.Discard, c)
		_, _ = c.Write([]byte("after-eof"))
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	bc := &BufferedConn{Conn: c, Reader: bufio.NewReader(c)}
	if err := bc.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	got, err := io.ReadAll(bc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "after-eof" {
		t.Fatalf("got %q", got)
	}
}
