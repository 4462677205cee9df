package proxy

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/die-net/rcat/internal/obs"
)

func startUDPServer(t *testing.T, cfg UDPConfig) (*UDPServer, net.Addr) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewUDPServer(cfg)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), pc) }()
	t.Cleanup(func() {
		_ = srv.Close()
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv, pc.LocalAddr()
}

// startUDPResponder answers every datagram with reply(datagram), or not at
// all when reply returns nil.
func startUDPResponder(t *testing.T, reply func([]byte) []byte) net.Addr {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, MaxDatagramSize)
		for {
			n, peer, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if out := reply(buf[:n]); out != nil {
				_, _ = pc.WriteTo(out, peer)
			}
		}
	}()
	return pc.LocalAddr()
}

func roundTrip(t *testing.T, addr net.Addr, msg []byte) ([]byte, error) {
	t.Helper()

	c, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, MaxDatagramSize)
	n, err := c.Read(buf)
	return buf[:n], err
}

func TestUDPServerEcho(t *testing.T) {
	t.Parallel()

	_, addr := startUDPServer(t, UDPConfig{})

	for _, msg := range [][]byte{[]byte("hello"), bytes.Repeat([]byte{0xab}, 1500)} {
		got, err := roundTrip(t, addr, msg)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("echoed %d bytes, want %d identical bytes", len(got), len(msg))
		}
	}
}

func TestUDPServerForward(t *testing.T) {
	t.Parallel()

	target := startUDPResponder(t, func(p []byte) []byte {
		if string(p) == "ping" {
			return []byte("pong")
		}
		return append([]byte("re:"), p...)
	})
	_, addr := startUDPServer(t, UDPConfig{Target: target.String(), ReplyTimeout: time.Second})

	got, err := roundTrip(t, addr, []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong" {
		t.Fatalf("got %q, want %q", got, "pong")
	}

	// A second peer is answered independently.
	got, err = roundTrip(t, addr, []byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "re:other" {
		t.Fatalf("got %q, want %q", got, "re:other")
	}
}

func TestUDPServerReplyTimeout(t *testing.T) {
	t.Parallel()

	target := startUDPResponder(t, func(p []byte) []byte {
		if string(p) == "drop" {
			return nil
		}
		return p
	})
	rec := newRecorder()
	_, addr := startUDPServer(t, UDPConfig{Target: target.String(), ReplyTimeout: 100 * time.Millisecond, Sink: rec})

	c, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("drop")); err != nil {
		t.Fatal(err)
	}

	ev := rec.wait(t, "datagram.failed").(obs.DatagramFailed)
	if ev.Target != target.String() || ev.Peer != c.LocalAddr().String() {
		t.Fatalf("event = %+v", ev)
	}

	// The loop keeps serving after a lost reply.
	got, err := roundTrip(t, addr, []byte("after"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "after" {
		t.Fatalf("got %q", got)
	}
}

func TestUDPServerUnreachableTarget(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := pc.LocalAddr().String()
	_ = pc.Close()

	rec := newRecorder()
	_, addr := startUDPServer(t, UDPConfig{Target: closed, ReplyTimeout: 200 * time.Millisecond, Sink: rec})

	c, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("anyone?")); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, "datagram.failed")
}

func TestUDPServerDefaultReplyTimeout(t *testing.T) {
	t.Parallel()

	for _, d := range []time.Duration{0, -time.Second} {
		srv := NewUDPServer(UDPConfig{Target: "127.0.0.1:9", ReplyTimeout: d})
		if srv.cfg.ReplyTimeout != DefaultReplyTimeout {
			t.Fatalf("ReplyTimeout(%v) = %v, want %v", d, srv.cfg.ReplyTimeout, DefaultReplyTimeout)
		}
	}
}

func TestUDPServerCloseWhileAwaitingReply(t *testing.T) {
	t.Parallel()

	received := make(chan struct{})
	var once sync.Once
	target := startUDPResponder(t, func([]byte) []byte {
		once.Do(func() { close(received) })
		return nil
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewUDPServer(UDPConfig{Target: target.String(), ReplyTimeout: time.Minute})
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), pc) }()

	c, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("silence")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never reached the target")
	}

	// Serve is now blocked on the upstream reply; Close must still end it.
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
