package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds proxy handshakes (SOCKS5, CONNECT, SSH).
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	SSHKeyPath        string
	SSHKnownHostsPath string
}
