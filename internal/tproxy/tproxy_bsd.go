//go:build freebsd || openbsd

package tproxy

import (
	"net"
	"net/netip"
)

// OriginalDst returns the pre-redirect destination of c. IPFW fwd and PF
// rdr-to keep it as the accepted socket's local address.
func OriginalDst(c net.Conn) (netip.AddrPort, error) {
	if _, ok := c.(*net.TCPConn); !ok {
		return netip.AddrPort{}, errNotTCP
	}
	addr, ok := c.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, errNotTCP
	}
	return addr.AddrPort(), nil
}
