package dialer

import (
	"context"
	"net"

	"github.com/die-net/rcat/internal/relay"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer returns a Dialer that connects to the destination itself.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}

	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, &relay.Error{Kind: relay.DialFailed, Op: "dial " + network, Addr: address, Err: err}
	}
	return conn, nil
}
