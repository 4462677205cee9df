package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies failures at the session boundary.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// DialFailed means the outbound peer (target or upstream proxy) could not
	// be reached.
	DialFailed
	// HandshakeFailed means a TLS or SOCKS5 negotiation was rejected.
	HandshakeFailed
	// StreamError means a read or write failed mid-relay.
	StreamError
	// ConfigFatal means the relay cannot start at all.
	ConfigFatal
)

func (k ErrorKind) String() string {
	switch k {
	case DialFailed:
		return "dial_failed"
	case HandshakeFailed:
		return "handshake_failed"
	case StreamError:
		return "stream_error"
	case ConfigFatal:
		return "config_fatal"
	default:
		return "unknown"
	}
}

// Error is the error type returned across the relay boundary.
type Error struct {
	Kind ErrorKind
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if s == "" {
		s = e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", s, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StreamKind narrows a StreamError down to its cause.
type StreamKind uint8

const (
	StreamIO StreamKind = iota
	StreamReset
	StreamBrokenPipe
	StreamTimeout
	StreamClosed
)

func (k StreamKind) String() string {
	switch k {
	case StreamReset:
		return "reset"
	case StreamBrokenPipe:
		return "broken_pipe"
	case StreamTimeout:
		return "timeout"
	case StreamClosed:
		return "closed"
	default:
		return "io"
	}
}

func classify(err error) StreamKind {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return StreamReset
	case errors.Is(err, syscall.EPIPE):
		return StreamBrokenPipe
	case errors.Is(err, os.ErrDeadlineExceeded):
		return StreamTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return StreamTimeout
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return StreamClosed
	default:
		return StreamIO
	}
}
