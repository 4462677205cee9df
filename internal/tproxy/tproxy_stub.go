//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"context"
	"net"
	"net/netip"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

func ListenTransparentTCP(_ context.Context, _ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, ErrUnsupported
}

func OriginalDst(_ net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrUnsupported
}
