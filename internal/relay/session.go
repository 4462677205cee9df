package relay

import (
	"context"
	"errors"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Config tunes a Session. The zero value is usable.
type Config struct {
	// LingerTimeout bounds how long the session waits for the second
	// direction after the first one ended. Zero waits indefinitely.
	LingerTimeout time.Duration

	// Inspector, if set, sees every chunk in both directions.
	Inspector Inspector

	// Pool supplies the per-direction buffers. Defaults to BufferSize buffers.
	Pool httputil.BufferPool
}

// Result describes a finished session.
type Result struct {
	AtoB PumpResult
	BtoA PumpResult

	// First is the direction that terminated first.
	First Direction

	// DrainTimedOut is set when the second direction was cut off by
	// LingerTimeout.
	DrainTimedOut bool
}

// Errored reports whether either direction ended in a stream error.
func (r Result) Errored() bool {
	return r.AtoB.Status == StatusError || r.BtoA.Status == StatusError
}

// Err joins the stream errors of both directions, if any.
func (r Result) Err() error {
	var errs []error
	for _, pr := range []PumpResult{r.AtoB, r.BtoA} {
		if pr.Status == StatusError {
			errs = append(errs, pr.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Result) set(pr PumpResult) {
	if pr.Direction == BtoA {
		r.BtoA = pr
	} else {
		r.AtoB = pr
	}
}

// Session relays bytes between two connections it owns.
type Session struct {
	a, b net.Conn
	cfg  Config

	sent [2]atomic.Int64

	closeOnce sync.Once
	forced    atomic.Bool
}

// NewSession returns a session owning a and b. Neither connection may be used
// by the caller after Run has been called.
func NewSession(a, b net.Conn, cfg Config) *Session {
	if cfg.Pool == nil {
		cfg.Pool = defaultPool
	}
	return &Session{a: a, b: b, cfg: cfg}
}

// Bytes returns the number of bytes delivered so far in direction dir. It is
// safe to call while Run is in progress.
func (s *Session) Bytes(dir Direction) int64 {
	return s.sent[dir].Load()
}

// Run relays until both directions have terminated, then closes both
// connections. Cancelling ctx closes both connections immediately.
func (s *Session) Run(ctx context.Context) Result {
	results := make(chan PumpResult, 2)
	go s.pump(AtoB, s.b, s.a, results)
	go s.pump(BtoA, s.a, s.b, results)

	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	first := s.mark(<-results)
	res := Result{First: first.Direction}
	res.set(first)

	// Let the peer that was being written to see end-of-stream, then give it
	// the chance to finish its side.
	s.halfClose(s.dst(first.Direction))

	var second PumpResult
	if s.cfg.LingerTimeout > 0 {
		timer := time.NewTimer(s.cfg.LingerTimeout)
		select {
		case second = <-results:
		case <-timer.C:
			res.DrainTimedOut = true
			s.abort()
			second = <-results
		}
		timer.Stop()
	} else {
		second = <-results
	}

	s.closeBoth()
	res.set(s.mark(second))
	return res
}

func (s *Session) pump(dir Direction, dst, src net.Conn, results chan<- PumpResult) {
	buf := s.cfg.Pool.Get()
	res := pump(dir, dst, src, buf, &s.sent[dir], s.cfg.Inspector)
	s.cfg.Pool.Put(buf)
	results <- res
}

func (s *Session) dst(dir Direction) net.Conn {
	if dir == AtoB {
		return s.b
	}
	return s.a
}

// mark reclassifies failures caused by the session closing connections itself.
func (s *Session) mark(pr PumpResult) PumpResult {
	if pr.Status != StatusError {
		return pr
	}
	if s.forced.Load() || errors.Is(pr.Err, net.ErrClosed) {
		pr.Status = StatusAborted
	}
	return pr
}

type closeWriter interface {
	CloseWrite() error
}

func (s *Session) halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	s.forced.Store(true)
	_ = c.Close()
}

func (s *Session) abort() {
	s.forced.Store(true)
	s.closeBoth()
}

func (s *Session) closeBoth() {
	s.closeOnce.Do(func() {
		_ = s.a.Close()
		_ = s.b.Close()
	})
}
