// Package proxy runs the listener side of rcat: a TCP accept loop that turns
// every connection into a relay session, and a stateless UDP loop that
// echoes or forwards single datagrams.
package proxy
