// Package config holds rcat's settings: defaults, command-line flags, an
// optional YAML file underneath them, and validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/die-net/rcat/internal/relay"
	"github.com/die-net/rcat/internal/source"
	"github.com/die-net/rcat/internal/ssh"
)

// Config is every setting rcat reads. Field tags are the YAML keys, which
// match the long flag names.
type Config struct {
	TCP  bool   `yaml:"tcp"`
	UDP  bool   `yaml:"udp"`
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`

	Target      string `yaml:"target"`
	SOCKS5Proxy string `yaml:"socks5"`
	Upstream    string `yaml:"upstream"`
	HTTP        bool   `yaml:"http"`
	Transparent bool   `yaml:"transparent"`

	DialTimeout        time.Duration `yaml:"dial-timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation-timeout"`
	LingerTimeout      time.Duration `yaml:"linger-timeout"`
	UDPReplyTimeout    time.Duration `yaml:"udp-reply-timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown-timeout"`

	MaxSessions   int64  `yaml:"max-sessions"`
	TCPKeepAlive  string `yaml:"tcp-keepalive"`
	SSHKey        string `yaml:"ssh-key"`
	SSHKnownHosts string `yaml:"ssh-known-hosts"`

	DebugListen string `yaml:"debug-listen"`
	HexDump     bool   `yaml:"hex-dump"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultLingerTimeout bounds how long a session outlives its first finished
// direction, so a silent peer cannot hold it open. --linger-timeout 0 waits
// forever instead.
const DefaultLingerTimeout = 30 * time.Second

// Default returns the settings used when neither a flag nor the config file
// says otherwise.
func Default() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		CertFile:           "server-cert.pem",
		KeyFile:            "server-key.pem",
		Upstream:           defaultUpstream(),
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		LingerTimeout:      DefaultLingerTimeout,
		UDPReplyTimeout:    5 * time.Second,
		TCPKeepAlive:       "45:45:3",
		SSHKey:             defaultSSHKeyPath(),
		SSHKnownHosts:      defaultSSHKnownHostsPath(),
	}
}

// ListenAddr is the host:port both listeners bind.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Strategy picks the connection source kind. Validate guarantees at most one
// of TLS, SOCKS5 and HTTP is set.
func (c *Config) Strategy() source.Kind {
	switch {
	case c.TLS:
		return source.KindTLS
	case c.SOCKS5Proxy != "":
		return source.KindSOCKS5
	case c.HTTP:
		return source.KindHTTP
	default:
		return source.KindDirect
	}
}

// UpstreamURL is the outbound dialer URL. --socks5 host:port takes
// precedence over --upstream.
func (c *Config) UpstreamURL() string {
	if c.SOCKS5Proxy != "" {
		return "socks5://" + c.SOCKS5Proxy
	}
	return c.Upstream
}

// Validate reports every problem at once. The error is a ConfigFatal
// *relay.Error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !c.TCP && !c.UDP {
		add("nothing to serve: enable --tcp and/or --udp")
	}
	if !isHost(c.Host) {
		add("--host %q is not a hostname or IP address", c.Host)
	}
	if !govalidator.IsPort(strconv.Itoa(int(c.Port))) {
		add("--port %d is out of range 1-65535", c.Port)
	}
	if c.Target != "" && !isHostPort(c.Target) {
		add("--target %q is not host:port", c.Target)
	}
	if c.SOCKS5Proxy != "" && !isHostPort(c.SOCKS5Proxy) {
		add("--socks5 %q is not host:port", c.SOCKS5Proxy)
	}

	modes := 0
	for _, on := range []bool{c.TLS, c.SOCKS5Proxy != "", c.HTTP} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		add("--tls, --socks5 and --http are mutually exclusive")
	}
	if c.SOCKS5Proxy != "" && c.Target == "" && !c.Transparent {
		add("--socks5 needs --target or --transparent")
	}
	if c.UDP && c.Transparent && !c.TCP {
		add("--transparent only applies to --tcp")
	}

	for name, d := range map[string]time.Duration{
		"dial-timeout":        c.DialTimeout,
		"negotiation-timeout": c.NegotiationTimeout,
		"linger-timeout":      c.LingerTimeout,
		"udp-reply-timeout":   c.UDPReplyTimeout,
		"shutdown-timeout":    c.ShutdownTimeout,
	} {
		if d < 0 {
			add("--%s must not be negative", name)
		}
	}
	if c.UDP && c.Target != "" && c.UDPReplyTimeout <= 0 {
		add("--udp-reply-timeout must be positive when forwarding UDP")
	}
	if c.MaxSessions < 0 {
		add("--max-sessions must not be negative")
	}
	if _, err := ParseKeepAlive(c.TCPKeepAlive); err != nil {
		add("invalid --tcp-keepalive: %w", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return &relay.Error{Kind: relay.ConfigFatal, Op: "config", Err: errors.Join(errs...)}
}

func isHost(s string) bool {
	return govalidator.IsIP(s) || govalidator.IsDNSName(s)
}

func isHostPort(s string) bool {
	host, port, err := net.SplitHostPort(s)
	return err == nil && isHost(host) && govalidator.IsPort(port)
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}
	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}
	return "direct://"
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKeyPath() string {
	if ssh.AgentAvailable() {
		return ssh.AgentAuthType
	}
	return ""
}
