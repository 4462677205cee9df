package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/frand"

	"github.com/die-net/rcat/internal/certs"
	"github.com/die-net/rcat/internal/conn"
	"github.com/die-net/rcat/internal/dialer"
	"github.com/die-net/rcat/internal/obs"
	"github.com/die-net/rcat/internal/relay"
	"github.com/die-net/rcat/internal/source"
	rtest "github.com/die-net/rcat/internal/testutil"
)

// recorder is a Sink that keeps every event and lets tests wait for one.
type recorder struct {
	mu     sync.Mutex
	events []obs.Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) Emit(e obs.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// wait returns the first event named name, failing after a bounded time.
func (r *recorder) wait(t *testing.T, name string) obs.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Name() == name {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("no %s event", name)
			return nil
		}
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name() == name {
			n++
		}
	}
	return n
}

func mustSource(t *testing.T, cfg source.Config) *source.Source {
	t.Helper()

	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second})
	}
	src, err := source.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

// startTCPServer serves cfg on a loopback listener until the test ends.
func startTCPServer(t *testing.T, cfg Config) (*TCPServer, string) {
	t.Helper()

	srv, err := NewTCPServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := conn.ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: true})
	if err != nil {
		t.Fatal(err)
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) *net.TCPConn {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c.(*net.TCPConn)
}

func readAllWithin(t *testing.T, c net.Conn, d time.Duration) []byte {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(d))
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}

// The target answers "pong" to "ping"; the client sees exactly "pong".
func TestTCPServerPingPong(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	targetLn, waitTarget := rtest.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
			return
		}
		_, _ = c.Write([]byte("pong"))
	})

	rec := newRecorder()
	_, addr := startTCPServer(t, Config{Source: mustSource(t, source.Config{Target: targetLn.Addr().String()}), Sink: rec})

	client := dial(t, addr)
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if got := readAllWithin(t, client, 2*time.Second); string(got) != "pong" {
		t.Fatalf("got %q, want %q", got, "pong")
	}
	waitTarget()
	_ = client.Close()

	ended := rec.wait(t, "session.ended").(obs.SessionEnded)
	if ended.Result.AtoB.Bytes != 4 || ended.Result.BtoA.Bytes != 4 {
		t.Fatalf("byte counts %d/%d, want 4/4", ended.Result.AtoB.Bytes, ended.Result.BtoA.Bytes)
	}
	if ended.Target != targetLn.Addr().String() {
		t.Fatalf("ended target = %q", ended.Target)
	}
}

// 2 MB in 4 KB writes arrives unbroken and byte-identical.
func TestTCPServerLargeTransfer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := frand.Bytes(2 << 20)
	received := make(chan []byte, 1)
	targetLn, waitTarget := rtest.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		b, _ := io.ReadAll(c)
		received <- b
	})

	_, addr := startTCPServer(t, Config{Source: mustSource(t, source.Config{Target: targetLn.Addr().String()})})

	client := dial(t, addr)
	for off := 0; off < len(payload); off += 4096 {
		if _, err := client.Write(payload[off : off+4096]); err != nil {
			t.Fatal(err)
		}
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("destination got %d bytes, not identical to the %d sent", len(got), len(payload))
		}
	case <-ctx.Done():
		t.Fatal("transfer did not finish")
	}
	waitTarget()
}

// Sequential sessions are independent and see identical results.
func TestTCPServerSequentialSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := rtest.StartEchoTCPServer(ctx, t)
	metrics := obs.NewMetrics()
	_, addr := startTCPServer(t, Config{Source: mustSource(t, source.Config{Target: echoLn.Addr().String()}), Sink: metrics})

	for i := range 3 {
		client := dial(t, addr)
		rtest.AssertEcho(t, client, client, []byte("same bytes"))
		if err := client.CloseWrite(); err != nil {
			t.Fatal(err)
		}
		if got := readAllWithin(t, client, 2*time.Second); len(got) != 0 {
			t.Fatalf("session %d: unexpected trailing bytes %q", i, got)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues("ok")) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("ok sessions = %v, want 3", testutil.ToFloat64(metrics.SessionsTotal.WithLabelValues("ok")))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(metrics.BytesTotal.WithLabelValues("a->b")); got != 30 {
		t.Fatalf("a->b bytes = %v, want 30", got)
	}
}

func TestTCPServerEchoWithoutTarget(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	_, addr := startTCPServer(t, Config{Source: mustSource(t, source.Config{}), Sink: rec})

	client := dial(t, addr)
	rtest.AssertEcho(t, client, client, []byte("echo me"))
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if got := readAllWithin(t, client, 2*time.Second); len(got) != 0 {
		t.Fatalf("unexpected trailing bytes %q", got)
	}

	started := rec.wait(t, "session.started").(obs.SessionStarted)
	if started.Target != "" || started.Strategy != "direct" {
		t.Fatalf("started = %+v", started)
	}
}

// An unreachable SOCKS5 upstream closes the client, reports DialFailed and
// leaves the server accepting.
func TestTCPServerSOCKS5Unreachable(t *testing.T) {
	t.Parallel()

	d := dialer.NewSOCKS5ProxyDialer(dialer.Config{DialTimeout: time.Second}, rtest.ClosedAddr(t), "", "")
	rec := newRecorder()
	_, addr := startTCPServer(t, Config{
		Source: mustSource(t, source.Config{Kind: source.KindSOCKS5, Target: "192.0.2.1:80", Dialer: d}),
		Sink:   rec,
	})

	for range 2 {
		client := dial(t, addr)
		if got := readAllWithin(t, client, 3*time.Second); len(got) != 0 {
			t.Fatalf("unexpected bytes %q", got)
		}
	}

	ev := rec.wait(t, "dial.failed").(obs.DialFailed)
	if ev.Kind != relay.DialFailed || ev.Target != "192.0.2.1:80" {
		t.Fatalf("event = %+v", ev)
	}
	if rec.count("session.started") != 0 {
		t.Fatal("a failed setup must not start a session")
	}
}

// A certificate the client rejects fails the handshake: the client is closed
// and the target is never dialed.
func TestTCPServerTLSExpiredCertificate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPEM, keyPEM := rtest.SelfSignedPEM(t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	serverTLS, err := certs.LoadServerConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("expired certificate must still load: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	// Had the target been dialed, setup would end in DialFailed instead.
	rec := newRecorder()
	_, addr := startTCPServer(t, Config{
		Source: mustSource(t, source.Config{
			Kind:               source.KindTLS,
			Target:             rtest.ClosedAddr(t),
			TLS:                serverTLS,
			NegotiationTimeout: 2 * time.Second,
		}),
		Sink: rec,
	})

	raw := dial(t, addr)
	tc := tls.Client(raw, &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12})
	_ = raw.SetDeadline(time.Now().Add(3 * time.Second))
	var certErr *tls.CertificateVerificationError
	if err := tc.Handshake(); !errors.As(err, &certErr) {
		t.Fatalf("client handshake: %v, want certificate verification error", err)
	}

	ev := rec.wait(t, "dial.failed").(obs.DialFailed)
	if ev.Kind != relay.HandshakeFailed {
		t.Fatalf("kind = %v, want %v (err: %v)", ev.Kind, relay.HandshakeFailed, ev.Err)
	}
	if rec.count("session.started") != 0 {
		t.Fatal("a failed handshake must not start a session")
	}

	// The server closed its end.
	var ne net.Error
	if _, err := raw.Read(make([]byte, 1)); err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Fatalf("read after failed handshake: %v, want closed connection", err)
	}
}

func TestTCPServerMaxSessions(t *testing.T) {
	t.Parallel()

	_, addr := startTCPServer(t, Config{Source: mustSource(t, source.Config{}), MaxSessions: 1})

	first := dial(t, addr)
	rtest.AssertEcho(t, first, first, []byte("one"))

	// Connected by the kernel backlog, but not accepted while first runs.
	second := dial(t, addr)
	if _, err := second.Write([]byte("two")); err != nil {
		t.Fatal(err)
	}
	_ = second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var ne net.Error
	if _, err := second.Read(make([]byte, 3)); !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("second session was served while the limit was reached: %v", err)
	}

	_ = first.Close()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 3)
	if _, err := io.ReadFull(second, buf); err != nil || string(buf) != "two" {
		t.Fatalf("second session after release: %q, %v", buf, err)
	}
}

func TestTCPServerShutdownDrains(t *testing.T) {
	t.Parallel()

	srv, err := NewTCPServer(Config{Source: mustSource(t, source.Config{})})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := conn.ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	g.Go(func() error { return srv.Serve(ln) })

	client := dial(t, ln.Addr().String())
	rtest.AssertEcho(t, client, client, []byte("in flight"))

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctx)
	}()

	// The session keeps working while Shutdown waits.
	select {
	case err := <-shutdownErr:
		t.Fatalf("Shutdown returned with a live session: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	rtest.AssertEcho(t, client, client, []byte("still here"))

	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatal("listener still accepting after Shutdown")
	}

	_ = client.CloseWrite()
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestTCPServerShutdownAbortsAfterDeadline(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	srv, err := NewTCPServer(Config{Source: mustSource(t, source.Config{}), Sink: rec})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := conn.ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()

	client := dial(t, ln.Addr().String())
	rtest.AssertEcho(t, client, client, []byte("idle next"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}

	// The idle session was aborted, so the client sees the connection end.
	_ = readAllWithin(t, client, 2*time.Second)

	ended := rec.wait(t, "session.ended").(obs.SessionEnded)
	if ended.Result.AtoB.Status != relay.StatusAborted {
		t.Fatalf("status = %v, want aborted", ended.Result.AtoB.Status)
	}
}

func TestTCPServerServeAfterShutdown(t *testing.T) {
	t.Parallel()

	srv, err := NewTCPServer(Config{Source: mustSource(t, source.Config{})})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve(ln); err != nil {
		t.Fatalf("Serve after Shutdown = %v, want nil", err)
	}
	if _, err := ln.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Fatal("Serve after Shutdown left the listener open")
	}
}

func TestTCPServerInspector(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []byte
	)
	inspect := func(_ uuid.UUID) relay.Inspector {
		return relay.InspectorFunc(func(dir relay.Direction, p []byte) {
			mu.Lock()
			seen = append(seen, p...)
			mu.Unlock()
		})
	}

	rec := newRecorder()
	_, addr := startTCPServer(t, Config{Source: mustSource(t, source.Config{}), Sink: rec, Inspect: inspect})

	client := dial(t, addr)
	rtest.AssertEcho(t, client, client, []byte("watched"))
	_ = client.Close()
	rec.wait(t, "session.ended")

	mu.Lock()
	defer mu.Unlock()
	if string(seen) != "watched" {
		t.Fatalf("inspector saw %q", seen)
	}
}
