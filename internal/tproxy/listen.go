//go:build linux || freebsd || openbsd

package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/die-net/rcat/internal/conn"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with the platform's transparent or
// bind-any socket option set, so connections redirected by the firewall can
// be accepted. It needs elevated privileges, and the redirect rules are the
// caller's business.
func ListenTransparentTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, rc syscall.RawConn) error {
		var optErr error
		if err := rc.Control(func(fd uintptr) {
			optErr = setTransparent(network, int(fd))
		}); err != nil {
			return err
		}
		return optErr
	}}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen transparent %s: %w", addr, err)
	}
	return &conn.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}
