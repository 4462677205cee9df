package testutil

import (
	"context"
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/rcat/internal/socks5"
)

// StartSOCKS5Server starts a CONNECT-only SOCKS5 proxy. Requests for
// unreachable destinations get a host-unreachable reply.
func StartSOCKS5Server(ctx context.Context, t *testing.T, auth socks5.Auth) net.Listener {
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
			go serveSOCKS5(ctx, c, auth)
		}
	}()

	return ln
}

func serveSOCKS5(ctx context.Context, c net.Conn, auth socks5.Auth) {
	defer c.Close()

	if err := socks5.ServerNegotiate(c, auth); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}
	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(c, req.Atyp)
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		socks5.WriteFailureReply(c, txsocks5.RepHostUnreachable, req.Atyp)
		return
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return
	}

	splice(c, dst)
}
