package dialer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/rcat/internal/relay"
	"github.com/die-net/rcat/internal/socks5"
	"github.com/die-net/rcat/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		auth socks5.Auth
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: socks5.Auth{Username: "user", Password: "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(ctx, t)
			upLn := testutil.StartSOCKS5Server(ctx, t, tt.auth)

			d := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), tt.auth.Username, tt.auth.Password)

			conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("hello"))
		})
	}
}

func TestSOCKS5ProxyDialerProxyUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second}, testutil.ClosedAddr(t), "", "")

	_, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	if kind := relay.KindOf(err); kind != relay.DialFailed {
		t.Fatalf("kind = %v, want %v (err: %v)", kind, relay.DialFailed, err)
	}
}

func TestSOCKS5ProxyDialerRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn := testutil.StartSOCKS5Server(ctx, t, socks5.Auth{})
	d := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second}, upLn.Addr().String(), "", "")

	_, err := d.DialContext(ctx, "tcp", testutil.ClosedAddr(t))
	if kind := relay.KindOf(err); kind != relay.HandshakeFailed {
		t.Fatalf("kind = %v, want %v (err: %v)", kind, relay.HandshakeFailed, err)
	}
	var rep *socks5.ReplyError
	if !errors.As(err, &rep) || rep.Code != txsocks5.RepHostUnreachable {
		t.Fatalf("expected host unreachable reply, got %v", err)
	}
}

func TestSOCKS5ProxyDialerBadCredentials(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn := testutil.StartSOCKS5Server(ctx, t, socks5.Auth{Username: "user", Password: "pass"})
	d := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second}, upLn.Addr().String(), "user", "wrong")

	_, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	if kind := relay.KindOf(err); kind != relay.HandshakeFailed {
		t.Fatalf("kind = %v, want %v (err: %v)", kind, relay.HandshakeFailed, err)
	}
}

func TestSOCKS5ProxyDialerNegotiationTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A proxy that accepts and never answers the greeting.
	upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		<-ctx.Done()
	})

	d := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second, NegotiationTimeout: 100 * time.Millisecond}, upLn.Addr().String(), "", "")

	start := time.Now()
	_, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	if kind := relay.KindOf(err); kind != relay.HandshakeFailed {
		t.Fatalf("kind = %v, want %v (err: %v)", kind, relay.HandshakeFailed, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("negotiation timeout not applied, took %v", elapsed)
	}

	cancel()
	waitUp()
}

func TestSOCKS5ProxyDialerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		<-ctx.Done()
	})

	d := NewSOCKS5ProxyDialer(Config{DialTimeout: time.Second}, upLn.Addr().String(), "", "")

	time.AfterFunc(50*time.Millisecond, cancel)
	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}

	waitUp()
}
