package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/die-net/rcat/internal/obs"
)

const (
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	// DefaultReplyTimeout applies when UDPConfig.ReplyTimeout is not positive.
	// A forward always waits a bounded time so one lost reply cannot wedge
	// the listener.
	DefaultReplyTimeout = 5 * time.Second
)

// UDPServer handles each datagram on its own: it is echoed to the sender, or
// sent to the target over one shared upstream socket and the first reply
// within ReplyTimeout is returned to the sender.
//
// There is no per-peer state. Datagrams are handled one at a time, so a
// reply that arrives after its timeout can be mistaken for the next peer's
// reply.
type UDPServer struct {
	cfg  UDPConfig
	sink obs.Sink

	mu      sync.Mutex
	closing bool
	// socks holds the listening sockets and their upstream sockets, all of
	// which Close shuts.
	socks map[io.Closer]struct{}
}

// NewUDPServer returns a server for cfg. A non-positive ReplyTimeout becomes
// DefaultReplyTimeout.
func NewUDPServer(cfg UDPConfig) *UDPServer {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	s := &UDPServer{cfg: cfg, sink: cfg.Sink, socks: make(map[io.Closer]struct{})}
	if s.sink == nil {
		s.sink = obs.Discard{}
	}
	return s
}

// Serve reads datagrams from pc until Close is called, then returns nil.
func (s *UDPServer) Serve(ctx context.Context, pc net.PacketConn) error {
	if !s.track(pc) {
		_ = pc.Close()
		return nil
	}
	defer s.untrack(pc)

	var up net.Conn
	if s.cfg.Target != "" {
		var d net.Dialer
		c, err := d.DialContext(ctx, "udp", s.cfg.Target)
		if err != nil {
			return fmt.Errorf("udp upstream %s: %w", s.cfg.Target, err)
		}
		if !s.track(c) {
			_ = c.Close()
			return nil
		}
		defer s.untrack(c)
		defer c.Close()
		up = c
	}

	buf := make([]byte, MaxDatagramSize)
	for {
		n, peer, err := pc.ReadFrom(buf)
		if err != nil {
			if s.shuttingDown() {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		if up == nil {
			if _, err := pc.WriteTo(buf[:n], peer); err != nil {
				s.fail(peer, err)
			}
			continue
		}

		if err := s.forward(pc, up, buf, n, peer); err != nil {
			if s.shuttingDown() {
				return nil
			}
			s.fail(peer, err)
		}
	}
}

// Close stops every Serve loop.
func (s *UDPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	var errs []error
	for c := range s.socks {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forward sends buf[:n] upstream and relays one reply, reusing buf for it.
func (s *UDPServer) forward(pc net.PacketConn, up net.Conn, buf []byte, n int, peer net.Addr) error {
	if _, err := up.Write(buf[:n]); err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	_ = up.SetReadDeadline(time.Now().Add(s.cfg.ReplyTimeout))
	m, err := up.Read(buf)
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}

	if _, err := pc.WriteTo(buf[:m], peer); err != nil {
		return fmt.Errorf("write back: %w", err)
	}
	return nil
}

func (s *UDPServer) fail(peer net.Addr, err error) {
	s.sink.Emit(obs.DatagramFailed{Peer: peer.String(), Target: s.cfg.Target, Err: err})
}

func (s *UDPServer) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.socks[c] = struct{}{}
	return true
}

func (s *UDPServer) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.socks, c)
	s.mu.Unlock()
}

func (s *UDPServer) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
