//go:build linux

package tproxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// IP_TRANSPARENT needs CAP_NET_ADMIN. Traffic reaches the listener through
// iptables or nftables TPROXY/REDIRECT rules.
func setTransparent(network string, fd int) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
	}
	return unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
}

// OriginalDst returns the pre-redirect destination of c.
func OriginalDst(c net.Conn) (netip.AddrPort, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, errNotTCP
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("original destination: %w", err)
	}

	local, _ := tc.LocalAddr().(*net.TCPAddr)
	v4 := local != nil && local.IP.To4() != nil

	var (
		dst    netip.AddrPort
		optErr error
	)
	err = rc.Control(func(fd uintptr) {
		if v4 {
			dst, optErr = originalDst4(int(fd))
		} else {
			dst, optErr = originalDst6(int(fd))
		}
	})
	if err == nil {
		err = optErr
	}
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("original destination: %w", err)
	}
	return dst, nil
}

// SO_ORIGINAL_DST fills a sockaddr_in; IPv6Mreq is the x/sys getter whose
// buffer is large enough to hold one.
func originalDst4(fd int) (netip.AddrPort, error) {
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return netip.AddrPort{}, err
	}
	raw := mreq.Multiaddr
	port := binary.BigEndian.Uint16(raw[2:4])
	addr := netip.AddrFrom4([4]byte(raw[4:8]))
	return netip.AddrPortFrom(addr, port), nil
}

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h,
// which x/sys/unix does not export.
const ip6tSOOriginalDst = 80

// IP6T_SO_ORIGINAL_DST fills a sockaddr_in6, read back through IPv6MTUInfo.
func originalDst6(fd int) (netip.AddrPort, error) {
	info, err := unix.GetsockoptIPv6MTUInfo(fd, unix.IPPROTO_IPV6, ip6tSOOriginalDst)
	if err != nil {
		return netip.AddrPort{}, err
	}
	// Port is stored in network byte order.
	port := binary.BigEndian.Uint16(binary.NativeEndian.AppendUint16(nil, info.Addr.Port))
	addr := netip.AddrFrom16(info.Addr.Addr).Unmap()
	return netip.AddrPortFrom(addr, port), nil
}
