package relay

import (
	"errors"
	"io"

	"go.uber.org/atomic"
)

// maxEmptyReads matches bufio: a reader that keeps returning (0, nil) is
// treated as broken rather than spun on.
const maxEmptyReads = 100

// Direction names one of the two pump directions of a session.
type Direction uint8

const (
	AtoB Direction = iota
	BtoA
)

func (d Direction) String() string {
	if d == BtoA {
		return "b->a"
	}
	return "a->b"
}

// Status is how a pump direction terminated.
type Status uint8

const (
	StatusNone Status = iota
	// StatusClosed means the source reached EOF and every byte was delivered.
	StatusClosed
	// StatusError means a read or write failed.
	StatusError
	// StatusAborted means the session closed the connection under the pump,
	// because of a drain timeout, a missing half-close or cancellation.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	case StatusAborted:
		return "aborted"
	default:
		return "none"
	}
}

// PumpResult records how one direction ended.
type PumpResult struct {
	Direction Direction
	Bytes     int64
	Status    Status
	// Kind and Err are set when Status is StatusError or StatusAborted.
	Kind StreamKind
	Err  error
}

// Inspector observes relayed chunks. p must not be modified or retained.
type Inspector interface {
	Inspect(dir Direction, p []byte)
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(dir Direction, p []byte)

func (f InspectorFunc) Inspect(dir Direction, p []byte) {
	f(dir, p)
}

// Pump copies from src to dst one buffer at a time until src reports EOF or
// either side fails. The next read is not issued until the previous chunk has
// been fully written. Once Pump returns it no longer touches src or dst.
func Pump(dst io.Writer, src io.Reader, buf []byte) PumpResult {
	return pump(AtoB, dst, src, buf, nil, nil)
}

func pump(dir Direction, dst io.Writer, src io.Reader, buf []byte, counter *atomic.Int64, inspect Inspector) PumpResult {
	res := PumpResult{Direction: dir}

	fail := func(op string, err error) PumpResult {
		res.Status = StatusError
		res.Kind = classify(err)
		res.Err = &Error{Kind: StreamError, Op: op, Err: err}
		return res
	}

	empty := 0
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			empty = 0
			if inspect != nil {
				inspect.Inspect(dir, buf[:n])
			}

			wn, werr := dst.Write(buf[:n])
			if wn > 0 {
				res.Bytes += int64(wn)
				if counter != nil {
					counter.Add(int64(wn))
				}
			}
			if werr == nil && wn != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return fail("write", werr)
			}
		}

		switch {
		case errors.Is(rerr, io.EOF):
			res.Status = StatusClosed
			return res
		case rerr != nil:
			return fail("read", rerr)
		case n == 0:
			empty++
			if empty >= maxEmptyReads {
				return fail("read", io.ErrNoProgress)
			}
		}
	}
}
