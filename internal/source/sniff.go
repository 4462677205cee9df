package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/die-net/rcat/internal/conn"
	"github.com/die-net/rcat/internal/relay"
)

// MaxSniffBytes bounds how much of the first request is buffered while
// looking for its Host header.
const MaxSniffBytes = 32 << 10

var (
	errHeaderTooLarge = errors.New("request header exceeds sniff limit")
	errNoHost         = errors.New("request has no Host")
	headerEnd         = []byte("\r\n\r\n")
)

// sniffHost reads ahead until the first request's header is complete and
// returns its Host, defaulting the port to 80. The returned conn replays
// every byte read so B sees the request unchanged.
func sniffHost(ctx context.Context, a net.Conn, timeout time.Duration) (net.Conn, string, error) {
	fail := func(err error) (net.Conn, string, error) {
		return a, "", &relay.Error{Kind: relay.HandshakeFailed, Op: "http sniff", Addr: a.RemoteAddr().String(), Err: err}
	}

	if timeout > 0 {
		_ = a.SetReadDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = a.SetReadDeadline(time.Now()) })
	defer stop()

	br := bufio.NewReaderSize(a, MaxSniffBytes)
	head, err := peekHeader(br)
	if err != nil {
		return fail(err)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return fail(err)
	}
	if req.Host == "" {
		return fail(errNoHost)
	}

	_ = a.SetReadDeadline(time.Time{})
	return &conn.BufferedConn{Conn: a, Reader: br}, withDefaultPort(req.Host, "80"), nil
}

func peekHeader(br *bufio.Reader) ([]byte, error) {
	for n := 1; ; n = br.Buffered() + 1 {
		if n > MaxSniffBytes {
			return nil, errHeaderTooLarge
		}
		buf, err := br.Peek(n)
		if i := bytes.Index(buf, headerEnd); i >= 0 {
			return buf[:i+len(headerEnd)], nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading request header: %w", err)
		}
	}
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	// Bracketed IPv6 literal without a port.
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	return net.JoinHostPort(host, port)
}
