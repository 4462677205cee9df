// Package socks5 provides the small SOCKS5 handshake layer rcat needs to
// tunnel through an upstream proxy.
//
// It wraps the wire types in github.com/txthinking/socks5: the client side
// (greeting, method selection, optional username/password, CONNECT) is used by
// the socks5:// upstream dialer; the server side is a minimal CONNECT-only
// counterpart used to stand up upstream proxies in tests.
package socks5
