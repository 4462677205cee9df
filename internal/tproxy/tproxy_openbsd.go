//go:build openbsd

package tproxy

import "golang.org/x/sys/unix"

// SO_BINDANY is socket level on OpenBSD, for both address families. Return
// traffic still needs a PF divert-reply rule.
func setTransparent(_ string, fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BINDANY, 1)
}
