package relay

import (
	"context"
	"net"
)

// Echo writes everything read from c back to c until the peer stops sending,
// then half-closes and closes c. It is the single-connection counterpart of
// Session.Run, reported in Result.AtoB.
func Echo(ctx context.Context, c net.Conn, cfg Config) Result {
	if cfg.Pool == nil {
		cfg.Pool = defaultPool
	}

	s := &Session{a: c, b: c, cfg: cfg}
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	buf := cfg.Pool.Get()
	pr := s.mark(pump(AtoB, c, c, buf, &s.sent[AtoB], cfg.Inspector))
	cfg.Pool.Put(buf)

	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	s.closeBoth()

	return Result{AtoB: pr, First: AtoB}
}
