package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is the default Recorder implementation.
type Prometheus struct {
	authAttempts     *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      prometheus.Counter
	cacheOutages     prometheus.Counter
	ldapPoolWait     prometheus.Histogram
	sftpRequestDur   *prometheus.HistogramVec
	connectionsGauge prometheus.Gauge
}

// NewPrometheus registers and returns a Prometheus-backed Recorder on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		authAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "SSH auth attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "authcache",
			Name:      "hits_total",
			Help:      "Credential cache hits by tier.",
		}, []string{"tier"}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "authcache",
			Name:      "misses_total",
			Help:      "Credential cache misses that reached the backend.",
		}),
		cacheOutages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "authcache",
			Name:      "shared_outages_total",
			Help:      "Shared (Redis) cache errors absorbed without surfacing to auth.",
		}),
		ldapPoolWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "schlep",
			Subsystem: "ldap",
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a pooled LDAP connection.",
			Buckets:   prometheus.DefBuckets,
		}),
		sftpRequestDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "schlep",
			Subsystem: "sftp",
			Name:      "request_duration_seconds",
			Help:      "SFTP request latency by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		connectionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "schlep",
			Subsystem: "ssh",
			Name:      "connections_active",
			Help:      "Currently open SSH connections.",
		}),
	}
}

// Handler returns an http.Handler for reg, suitable for mounting at the
// configured metrics address/port; the listener itself is the external
// collaborator's responsibility (§1).
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (p *Prometheus) IncAuthAttempt(method string, ok bool) {
	outcome := "deny"
	if ok {
		outcome = "allow"
	}
	p.authAttempts.WithLabelValues(method, outcome).Inc()
}

func (p *Prometheus) IncCacheHit(tier string) { p.cacheHits.WithLabelValues(tier).Inc() }
func (p *Prometheus) IncCacheMiss()           { p.cacheMisses.Inc() }
func (p *Prometheus) IncCacheOutage()         { p.cacheOutages.Inc() }

func (p *Prometheus) ObserveLDAPPoolWait(d time.Duration) {
	p.ldapPoolWait.Observe(d.Seconds())
}

func (p *Prometheus) ObserveSFTPRequest(op string, d time.Duration, ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	p.sftpRequestDur.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (p *Prometheus) IncConnection() { p.connectionsGauge.Inc() }
func (p *Prometheus) DecConnection() { p.connectionsGauge.Dec() }
