package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/die-net/rcat/internal/obs"
	"github.com/die-net/rcat/internal/relay"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// TCPServer accepts connections and relays each one in its own session. A
// failing session never stops the accept loop.
type TCPServer struct {
	cfg  Config
	sink obs.Sink
	sem  *semaphore.Weighted

	// hard is the context every session runs under; canceling it aborts
	// them all.
	hard  context.Context
	abort context.CancelFunc

	mu        sync.Mutex
	closing   bool
	listeners map[net.Listener]struct{}
	sessions  sync.WaitGroup
}

// NewTCPServer returns a server relaying through cfg.Source. A nil Sink
// discards events.
func NewTCPServer(cfg Config) (*TCPServer, error) {
	if cfg.Source == nil {
		return nil, errors.New("tcp server: missing connection source")
	}

	s := &TCPServer{cfg: cfg, sink: cfg.Sink, listeners: make(map[net.Listener]struct{})}
	if s.sink == nil {
		s.sink = obs.Discard{}
	}
	if cfg.MaxSessions > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxSessions)
	}
	s.hard, s.abort = context.WithCancel(context.Background())
	return s, nil
}

// Serve accepts on ln until Shutdown is called, then returns nil. While
// MaxSessions sessions are running it stops accepting.
func (s *TCPServer) Serve(ln net.Listener) error {
	if !s.track(ln) {
		_ = ln.Close()
		return nil
	}
	defer s.untrack(ln)

	var delay time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.hard, 1); err != nil {
				return nil
			}
		}

		c, err := ln.Accept()
		if err != nil {
			s.release()
			if s.shuttingDown() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			select {
			case <-time.After(delay):
			case <-s.hard.Done():
				return nil
			}
			continue
		}
		delay = 0

		if !s.startSession() {
			s.release()
			_ = c.Close()
			return nil
		}
		go s.handle(c)
	}
}

// Shutdown stops accepting and waits for running sessions to finish on their
// own. If ctx ends first, the remaining sessions are aborted, Shutdown waits
// for them to unwind, and returns ctx.Err().
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.abort()
		return nil
	case <-ctx.Done():
		s.abort()
		<-done
		return ctx.Err()
	}
}

func (s *TCPServer) handle(c net.Conn) {
	defer s.sessions.Done()
	defer s.release()

	id := obs.NewSessionID()
	remote := c.RemoteAddr().String()
	start := time.Now()

	pair, err := s.cfg.Source.Open(s.hard, c)
	if err != nil {
		s.sink.Emit(obs.DialFailed{ID: id, Remote: remote, Target: pair.Target.Addr, Kind: relay.KindOf(err), Err: err})
		return
	}

	s.sink.Emit(obs.SessionStarted{
		ID:       id,
		Remote:   remote,
		Target:   pair.Target.Addr,
		Upstream: pair.Target.Upstream,
		Strategy: s.cfg.Source.Kind().String(),
	})

	rc := s.cfg.Relay
	if s.cfg.Inspect != nil {
		rc.Inspector = s.cfg.Inspect(id)
	}

	var res relay.Result
	if pair.Echo() {
		res = relay.Echo(s.hard, pair.A, rc)
	} else {
		res = relay.NewSession(pair.A, pair.B, rc).Run(s.hard)
	}

	s.sink.Emit(obs.SessionEnded{ID: id, Remote: remote, Target: pair.Target.Addr, Result: res, Duration: time.Since(start)})
}

func (s *TCPServer) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *TCPServer) untrack(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// startSession registers a session unless shutdown has begun, so Shutdown
// never waits on a session it did not see.
func (s *TCPServer) startSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *TCPServer) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *TCPServer) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}
