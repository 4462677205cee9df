// Package source turns an accepted inbound connection into the pair of
// connections a relay session runs between.
//
// The strategy is chosen once from configuration. Direct and HTTP-forwarding
// dial the target through the configured outbound dialer, TLS terminates TLS
// on the inbound side first, and SOCKS5 reaches the target through a SOCKS5
// proxy. Open never leaks the inbound connection: on error it is closed.
package source
