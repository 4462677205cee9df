package testutil

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
)

// StartHTTPConnectServer starts an HTTP proxy that answers CONNECT. When
// status is non-zero every request is refused with it. wantAuth, if set, must
// match the Proxy-Authorization header.
func StartHTTPConnectServer(ctx context.Context, t *testing.T, status int, wantAuth string) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConnect(ctx, c, status, wantAuth)
		}
	}()

	return ln
}

func serveConnect(ctx context.Context, c net.Conn, status int, wantAuth string) {
	defer c.Close()

	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = req.Body.Close()

	switch {
	case req.Method != http.MethodConnect:
		status = http.StatusMethodNotAllowed
	case wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth:
		status = http.StatusProxyAuthRequired
	}
	if status != 0 {
		_, _ = io.WriteString(c, "HTTP/1.1 "+strconv.Itoa(status)+" "+http.StatusText(status)+"\r\n\r\n")
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	if n := br.Buffered(); n > 0 {
		buffered, _ := br.Peek(n)
		if _, err := dst.Write(buffered); err != nil {
			return
		}
	}
	splice(c, dst)
}
