//go:build freebsd

package tproxy

import "golang.org/x/sys/unix"

// IP_BINDANY needs root or PRIV_NETINET_BINDANY.
func setTransparent(network string, fd int) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_BINDANY, 1)
}
