package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/rcat/internal/certs"
	"github.com/die-net/rcat/internal/config"
	"github.com/die-net/rcat/internal/conn"
	"github.com/die-net/rcat/internal/dialer"
	"github.com/die-net/rcat/internal/obs"
	"github.com/die-net/rcat/internal/proxy"
	"github.com/die-net/rcat/internal/relay"
	"github.com/die-net/rcat/internal/source"
	"github.com/die-net/rcat/internal/tproxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, color.HiRedString("error: %s", err))
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse("rcat", args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if _, err := maxprocs.Set(maxprocs.Logger(logrus.Debugf)); err != nil {
		logrus.WithError(err).Warn("automaxprocs")
	}

	ka, err := config.ParseKeepAlive(cfg.TCPKeepAlive)
	if err != nil {
		return err
	}

	upstream := cfg.UpstreamURL()
	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          ka,
		SSHKeyPath:         cfg.SSHKey,
		SSHKnownHostsPath:  cfg.SSHKnownHosts,
	}, upstream)
	if err != nil {
		return &relay.Error{Kind: relay.ConfigFatal, Op: "upstream", Addr: dialer.Describe(upstream), Err: err}
	}
	if c, ok := d.(io.Closer); ok {
		defer c.Close()
	}

	metrics := obs.NewMetrics()
	sink := obs.Multi{obs.NewLogSink(logrus.StandardLogger()), metrics}

	g, ctx := errgroup.WithContext(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TCP {
		if err := startTCP(ctx, g, &cfg, ka, d, sink); err != nil {
			return err
		}
	}

	if cfg.UDP {
		pc, err := net.ListenPacket("udp", cfg.ListenAddr())
		if err != nil {
			return fmt.Errorf("udp listen: %w", err)
		}
		srv := proxy.NewUDPServer(proxy.UDPConfig{
			Target:       cfg.Target,
			ReplyTimeout: cfg.UDPReplyTimeout,
			Sink:         sink,
		})
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ctx, pc); err != nil {
				return fmt.Errorf("udp serve: %w", err)
			}
			return nil
		})
		target := cfg.Target
		if target == "" {
			target = "echo"
		}
		logrus.WithFields(logrus.Fields{"addr": pc.LocalAddr().String(), "target": target}).Info("udp listening")
	}

	if cfg.DebugListen != "" {
		http.Handle("/metrics", metrics.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logrus.WithField("addr", cfg.DebugListen).Info("debug listening")
	}

	err = g.Wait()
	logrus.Info("shut down")
	return err
}

func startTCP(ctx context.Context, g *errgroup.Group, cfg *config.Config, ka net.KeepAliveConfig, d dialer.Dialer, sink obs.Sink) error {
	scfg := source.Config{
		Kind:               cfg.Strategy(),
		Target:             cfg.Target,
		Transparent:        cfg.Transparent,
		Dialer:             d,
		Upstream:           dialer.Describe(cfg.UpstreamURL()),
		NegotiationTimeout: cfg.NegotiationTimeout,
	}
	if scfg.Kind == source.KindTLS {
		var err error
		if scfg.TLS, err = certs.LoadServerConfig(cfg.CertFile, cfg.KeyFile); err != nil {
			return err
		}
	}
	src, err := source.New(scfg)
	if err != nil {
		return &relay.Error{Kind: relay.ConfigFatal, Op: "source", Err: err}
	}

	pcfg := proxy.Config{
		Source:      src,
		Relay:       relay.Config{LingerTimeout: cfg.LingerTimeout},
		Sink:        sink,
		MaxSessions: cfg.MaxSessions,
	}
	if cfg.HexDump {
		pcfg.Inspect = func(id uuid.UUID) relay.Inspector {
			return obs.NewHexDump(os.Stderr, id)
		}
	}
	srv, err := proxy.NewTCPServer(pcfg)
	if err != nil {
		return err
	}

	var ln net.Listener
	if cfg.Transparent {
		ln, err = tproxy.ListenTransparentTCP(ctx, cfg.ListenAddr(), ka)
	} else {
		ln, err = conn.ListenTCP(ctx, "tcp", cfg.ListenAddr(), ka)
	}
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("tcp serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("draining tcp sessions")

		sctx := context.Background()
		if cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(sctx, cfg.ShutdownTimeout)
			defer cancel()
		}
		if err := srv.Shutdown(sctx); err != nil {
			logrus.WithError(err).Warn("aborted tcp sessions still running at shutdown timeout")
		}
		return nil
	})

	logrus.WithFields(logrus.Fields{
		"addr":     ln.Addr().String(),
		"strategy": scfg.Kind.String(),
		"target":   describeTarget(cfg),
		"upstream": scfg.Upstream,
	}).Info("tcp listening")
	return nil
}

func describeTarget(cfg *config.Config) string {
	switch {
	case cfg.Target != "":
		return cfg.Target
	case cfg.Transparent:
		return "original destination"
	case cfg.HTTP:
		return "http host header"
	default:
		return "echo"
	}
}
