// Package dialer opens outbound connections for the relay, either directly or
// through an upstream proxy (SOCKS5, HTTP CONNECT, or an SSH transport).
//
// Every failure is reported as a *relay.Error: DialFailed when a peer could
// not be reached, HandshakeFailed when a proxy refused the request.
package dialer
