// Package tproxy implements transparent proxy listeners for Linux, FreeBSD,
// and OpenBSD, and recovers the destination a redirected client was really
// trying to reach.
//
// On Linux, it listens with IP_TRANSPARENT and reads the original
// destination with SO_ORIGINAL_DST (IP6T_SO_ORIGINAL_DST for IPv6). This is
// designed for iptables/nftables TPROXY or REDIRECT rules.
//
// On FreeBSD (IP_BINDANY) and OpenBSD (SO_BINDANY), the firewall preserves
// the original destination as the accepted socket's local address.
//
// On other platforms both calls return ErrUnsupported.
package tproxy

import "errors"

// ErrUnsupported is returned on platforms without transparent proxy support.
var ErrUnsupported = errors.New("transparent proxy is not supported on this platform")

var errNotTCP = errors.New("original destination: not a TCP connection")
