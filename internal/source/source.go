package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/die-net/rcat/internal/dialer"
	"github.com/die-net/rcat/internal/relay"
	"github.com/die-net/rcat/internal/tproxy"
)

// Kind selects how B is obtained and how A is prepared.
type Kind uint8

const (
	KindDirect Kind = iota
	KindTLS
	KindSOCKS5
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindTLS:
		return "tls"
	case KindSOCKS5:
		return "socks5"
	case KindHTTP:
		return "http"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Config selects the strategy and everything it needs to produce a Pair.
type Config struct {
	Kind Kind
	// Target is the static host:port every session is relayed to.
	Target string
	// Transparent resolves the target from the redirected connection's
	// original destination when Target is empty.
	Transparent bool
	// TLS is the server configuration for KindTLS.
	TLS *tls.Config
	// Dialer opens B. For KindSOCKS5 it must go through the SOCKS5 proxy.
	Dialer dialer.Dialer
	// Upstream describes Dialer for logs.
	Upstream string
	// NegotiationTimeout bounds the inbound TLS handshake and HTTP Host
	// sniffing. Zero means no limit.
	NegotiationTimeout time.Duration
}

// Target is where a session's B side was sent.
type Target struct {
	Addr     string
	Upstream string
}

// Pair is the result of Open. B is nil when no target could be resolved and
// the session should echo A back to itself.
type Pair struct {
	A, B   net.Conn
	Target Target
}

// Echo reports whether the pair has no B side.
func (p Pair) Echo() bool {
	return p.B == nil
}

// Source turns accepted connections into relay pairs using one strategy
// fixed at construction. It is safe for concurrent use.
type Source struct {
	cfg Config
}

// New validates cfg and returns a Source for its strategy.
func New(cfg Config) (*Source, error) {
	if cfg.Kind > KindHTTP {
		return nil, fmt.Errorf("source: unknown kind %d", cfg.Kind)
	}
	if cfg.Kind == KindTLS && cfg.TLS == nil {
		return nil, errors.New("source: tls strategy needs a server certificate")
	}
	if cfg.Kind == KindSOCKS5 {
		if _, ok := cfg.Dialer.(*dialer.SOCKS5ProxyDialer); !ok {
			return nil, errors.New("source: socks5 strategy needs a socks5 upstream")
		}
	}
	if cfg.Target != "" {
		if _, _, err := net.SplitHostPort(cfg.Target); err != nil {
			return nil, fmt.Errorf("source: target: %w", err)
		}
	}
	if cfg.Transparent && !tproxy.IsSupported {
		return nil, tproxy.ErrUnsupported
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if cfg.Upstream == "" {
		cfg.Upstream = dialer.Describe("")
	}
	return &Source{cfg: cfg}, nil
}

// Kind returns the strategy the source was built with.
func (s *Source) Kind() Kind {
	return s.cfg.Kind
}

// Open prepares inbound as A and connects B. On error inbound is closed and
// the error is a *relay.Error of kind DialFailed or HandshakeFailed.
func (s *Source) Open(ctx context.Context, inbound net.Conn) (Pair, error) {
	a := inbound

	if s.cfg.Kind == KindTLS {
		tc, err := s.handshake(ctx, inbound)
		if err != nil {
			_ = inbound.Close()
			return Pair{}, err
		}
		a = tc
	}

	a, addr, err := s.resolve(ctx, inbound, a)
	if err != nil {
		_ = a.Close()
		return Pair{}, err
	}
	if addr == "" {
		return Pair{A: a}, nil
	}

	target := Target{Addr: addr, Upstream: s.cfg.Upstream}
	b, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = a.Close()
		if relay.KindOf(err) == relay.KindUnknown {
			err = &relay.Error{Kind: relay.DialFailed, Op: "dial", Addr: addr, Err: err}
		}
		return Pair{Target: target}, err
	}

	return Pair{A: a, B: b, Target: target}, nil
}

func (s *Source) handshake(ctx context.Context, inbound net.Conn) (*tls.Conn, error) {
	tc := tls.Server(inbound, s.cfg.TLS)
	if s.cfg.NegotiationTimeout > 0 {
		_ = inbound.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, &relay.Error{Kind: relay.HandshakeFailed, Op: "tls handshake", Addr: inbound.RemoteAddr().String(), Err: err}
	}
	if s.cfg.NegotiationTimeout > 0 {
		_ = inbound.SetDeadline(time.Time{})
	}
	return tc, nil
}

// resolve picks the target address. An empty address means echo. The
// returned conn replaces a when bytes had to be read ahead.
func (s *Source) resolve(ctx context.Context, inbound, a net.Conn) (net.Conn, string, error) {
	switch {
	case s.cfg.Target != "":
		return a, s.cfg.Target, nil
	case s.cfg.Transparent:
		dst, err := tproxy.OriginalDst(inbound)
		if err != nil {
			return a, "", &relay.Error{Kind: relay.DialFailed, Op: "transparent", Addr: inbound.RemoteAddr().String(), Err: err}
		}
		return a, dst.String(), nil
	case s.cfg.Kind == KindHTTP:
		return sniffHost(ctx, a, s.cfg.NegotiationTimeout)
	default:
		return a, "", nil
	}
}
