package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/die-net/rcat/internal/relay"
)

// Metrics is a Sink that keeps Prometheus counters on its own registry, so
// tests and multiple servers never collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	BytesTotal       *prometheus.CounterVec
	SetupFailures    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	DatagramFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry:         reg,
		ActiveSessions:   f.NewGauge(prometheus.GaugeOpts{Name: "rcat_active_sessions", Help: "Sessions currently relaying"}),
		SessionsTotal:    f.NewCounterVec(prometheus.CounterOpts{Name: "rcat_sessions_total", Help: "Finished sessions by outcome"}, []string{"outcome"}),
		BytesTotal:       f.NewCounterVec(prometheus.CounterOpts{Name: "rcat_relayed_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"}),
		SetupFailures:    f.NewCounterVec(prometheus.CounterOpts{Name: "rcat_setup_failures_total", Help: "Sessions that failed before relaying, by error kind"}, []string{"kind"}),
		SessionDuration:  f.NewHistogram(prometheus.HistogramOpts{Name: "rcat_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}),
		DatagramFailures: f.NewCounter(prometheus.CounterOpts{Name: "rcat_datagram_failures_total", Help: "UDP datagrams that could not be relayed"}),
	}
}

func (m *Metrics) Emit(e Event) {
	switch ev := e.(type) {
	case SessionStarted:
		m.ActiveSessions.Inc()
	case SessionEnded:
		m.BytesTotal.WithLabelValues(relay.AtoB.String()).Add(float64(ev.Result.AtoB.Bytes))
		m.BytesTotal.WithLabelValues(relay.BtoA.String()).Add(float64(ev.Result.BtoA.Bytes))
		m.SessionDuration.Observe(ev.Duration.Seconds())
		m.ActiveSessions.Dec()
		m.SessionsTotal.WithLabelValues(outcome(ev.Result)).Inc()
	case DialFailed:
		m.SetupFailures.WithLabelValues(ev.Kind.String()).Inc()
	case DatagramFailed:
		m.DatagramFailures.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func outcome(r relay.Result) string {
	switch {
	case r.Errored():
		return "error"
	case r.DrainTimedOut || r.AtoB.Status == relay.StatusAborted || r.BtoA.Status == relay.StatusAborted:
		return "aborted"
	default:
		return "ok"
	}
}
