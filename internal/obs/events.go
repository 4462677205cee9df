package obs

import (
	"time"

	"github.com/gofrs/uuid"

	"github.com/die-net/rcat/internal/relay"
)

// Event is anything a Sink can receive. Name is the dotted log name.
type Event interface {
	Name() string
}

// SessionStarted is emitted once a session's connections are both ready.
// Target is empty for echo sessions.
type SessionStarted struct {
	ID       uuid.UUID
	Remote   string
	Target   string
	Upstream string
	Strategy string
}

// SessionEnded is emitted after a started session has closed both ends.
type SessionEnded struct {
	ID       uuid.UUID
	Remote   string
	Target   string
	Result   relay.Result
	Duration time.Duration
}

// DialFailed is emitted when a session could not be set up, either because
// the target or proxy was unreachable or because a handshake failed. Kind
// tells the two apart.
type DialFailed struct {
	ID     uuid.UUID
	Remote string
	Target string
	Kind   relay.ErrorKind
	Err    error
}

// DatagramFailed is emitted when a UDP datagram could not be forwarded or
// answered.
type DatagramFailed struct {
	Peer   string
	Target string
	Err    error
}

func (SessionStarted) Name() string { return "session.started" }
func (SessionEnded) Name() string   { return "session.ended" }
func (DialFailed) Name() string     { return "dial.failed" }
func (DatagramFailed) Name() string { return "datagram.failed" }

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// Multi fans each event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// NewSessionID returns a random ID used to correlate a session's events.
func NewSessionID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}
