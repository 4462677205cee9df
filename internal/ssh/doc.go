// Package ssh holds the SSH client pieces behind the ssh:// upstream: key and
// agent authentication, known_hosts verification with trust on first use, and
// the client handshake over an already dialed connection.
//
// Channel multiplexing and reconnection live in the dialer package; this
// package only turns a net.Conn into an *ssh.Client.
package ssh
