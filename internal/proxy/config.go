package proxy

import (
	"time"

	"github.com/gofrs/uuid"

	"github.com/die-net/rcat/internal/obs"
	"github.com/die-net/rcat/internal/relay"
	"github.com/die-net/rcat/internal/source"
)

// Config configures a TCPServer.
type Config struct {
	Source *source.Source
	Relay  relay.Config
	Sink   obs.Sink

	// MaxSessions bounds concurrent TCP sessions. Zero means unlimited.
	MaxSessions int64

	// Inspect, if set, builds a per-session inspector that replaces
	// Relay.Inspector.
	Inspect func(id uuid.UUID) relay.Inspector
}

// UDPConfig configures a UDPServer.
type UDPConfig struct {
	// Target is the host:port datagrams are forwarded to. Empty echoes.
	Target       string
	ReplyTimeout time.Duration
	Sink         obs.Sink
}
