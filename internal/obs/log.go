package obs

import (
	"github.com/sirupsen/logrus"

	"github.com/die-net/rcat/internal/relay"
)

// LogSink writes events as structured logrus entries. Session starts are
// debug-level; clean ends are info; failures are warnings.
type LogSink struct {
	Logger logrus.FieldLogger
}

// NewLogSink logs through l, or the logrus standard logger if l is nil.
func NewLogSink(l logrus.FieldLogger) *LogSink {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogSink{Logger: l}
}

func (s *LogSink) Emit(e Event) {
	switch ev := e.(type) {
	case SessionStarted:
		s.Logger.WithFields(logrus.Fields{
			"session":  ev.ID.String(),
			"remote":   ev.Remote,
			"target":   targetOrEcho(ev.Target),
			"upstream": ev.Upstream,
			"strategy": ev.Strategy,
		}).Debug(ev.Name())
	case SessionEnded:
		r := ev.Result
		entry := s.Logger.WithFields(logrus.Fields{
			"session":     ev.ID.String(),
			"remote":      ev.Remote,
			"target":      targetOrEcho(ev.Target),
			"bytes_a_b":   r.AtoB.Bytes,
			"bytes_b_a":   r.BtoA.Bytes,
			"status_a_b":  r.AtoB.Status.String(),
			"status_b_a":  r.BtoA.Status.String(),
			"first":       r.First.String(),
			"duration_ms": ev.Duration.Milliseconds(),
		})
		if r.DrainTimedOut {
			entry = entry.WithField("drain_timed_out", true)
		}
		if r.Errored() {
			entry.WithFields(logrus.Fields{
				"err":         r.Err().Error(),
				"stream_kind": streamKind(r).String(),
			}).Warn(ev.Name())
			return
		}
		entry.Info(ev.Name())
	case DialFailed:
		s.Logger.WithFields(logrus.Fields{
			"session": ev.ID.String(),
			"remote":  ev.Remote,
			"target":  ev.Target,
			"kind":    ev.Kind.String(),
			"err":     errString(ev.Err),
		}).Warn(ev.Name())
	case DatagramFailed:
		s.Logger.WithFields(logrus.Fields{
			"peer":   ev.Peer,
			"target": targetOrEcho(ev.Target),
			"err":    errString(ev.Err),
		}).Warn(ev.Name())
	default:
		s.Logger.Debug(e.Name())
	}
}

func targetOrEcho(target string) string {
	if target == "" {
		return "echo"
	}
	return target
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// streamKind returns the kind of the first direction that errored.
func streamKind(r relay.Result) relay.StreamKind {
	if r.AtoB.Status == relay.StatusError {
		return r.AtoB.Kind
	}
	return r.BtoA.Kind
}
