package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/rcat/internal/conn"
	"github.com/die-net/rcat/internal/relay"
	internalssh "github.com/die-net/rcat/internal/ssh"
)

// SSHProxyDialer forwards outbound TCP connections through an SSH server.
//
// One SSH transport is shared per dialer and every DialContext opens a new
// "direct-tcpip" channel on it.
//
// Lifecycle notes:
//   - The transport is created lazily on the first DialContext call.
//   - Canceling the context closes only the returned channel, never the
//     shared transport.
//   - If opening a channel fails for a reason other than the server refusing
//     it, the transport is assumed dead: it is discarded, re-established once,
//     and the channel dial is retried. No payload has been sent at that point.
type SSHProxyDialer struct {
	sshAddr   string
	sshConfig internalssh.ClientConfig
	direct    Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer constructs a dialer that forwards connections via an SSH
// server at sshAddr.
//
// Password, private key (cfg.SSHKeyPath, or "agent"), or both may be used;
// both are offered to the server when present. Host keys are checked against
// cfg.SSHKnownHostsPath with trust on first use; an empty path disables
// checking.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	sshConfig := internalssh.ClientConfig{
		Username:         username,
		Password:         password,
		Signers:          signers,
		HostKeyCallback:  hostKeyCallback,
		Timeout:          cfg.DialTimeout,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}
	if err := sshConfig.Validate(); err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		sshAddr:   sshAddr,
		sshConfig: sshConfig,
		direct:    NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a new proxied TCP connection to address.
func (d *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, &relay.Error{Kind: relay.DialFailed, Op: "ssh dial " + network, Addr: address, Err: errors.New("unsupported network")}
	}

	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	upConn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The transport is healthy, the server just couldn't reach address.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, &relay.Error{Kind: relay.DialFailed, Op: "ssh dial via " + d.sshAddr, Addr: address, Err: err}
		}

		d.invalidateClient(client)
		client, err = d.getClient(ctx)
		if err != nil {
			return nil, err
		}
		upConn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, &relay.Error{Kind: relay.DialFailed, Op: "ssh dial via " + d.sshAddr, Addr: address, Err: err}
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = upConn.Close()
	})
	return &sshChannelConn{Conn: upConn, stop: stop}, nil
}

// Close tears down the shared transport, if any.
func (d *SSHProxyDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// getClient returns the shared SSH client, creating it if needed.
//
// Concurrent callers share one connection attempt through singleflight. A
// caller whose ctx ends stops waiting; the attempt itself continues for the
// others.
func (d *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if d.client != nil {
			c := d.client
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		newClient, err := d.dialSSH(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.client = newClient
		d.mu.Unlock()
		return newClient, nil
	})

	select {
	case <-ctx.Done():
		return nil, &relay.Error{Kind: relay.DialFailed, Op: "ssh connect", Addr: d.sshAddr, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	c, err := d.direct.DialContext(ctx, "tcp", d.sshAddr)
	if err != nil {
		return nil, err
	}

	client, err := internalssh.NewClient(c, d.sshConfig, d.sshAddr)
	if err != nil {
		return nil, &relay.Error{Kind: relay.HandshakeFailed, Op: "ssh connect", Addr: d.sshAddr, Err: err}
	}
	return client, nil
}

// invalidateClient discards stale if it is still the shared client. Another
// caller may already have replaced it.
func (d *SSHProxyDialer) invalidateClient(stale *ssh.Client) {
	d.mu.Lock()
	if d.client == stale {
		d.client = nil
	}
	d.mu.Unlock()
	_ = stale.Close()
}

// sshChannelConn is one direct-tcpip channel. Close also releases the
// context hook.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// CloseWrite sends EOF on the channel, leaving the read side open.
func (c *sshChannelConn) CloseWrite() error {
	return conn.CloseWrite(c.Conn)
}
