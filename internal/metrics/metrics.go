// Package metrics defines the narrow event-recording surface the core
// emits through. Metrics export and health endpoints themselves are
// external collaborators (§1 non-goals); this package only owns the
// Recorder interface plus a Prometheus-backed implementation and a no-op
// implementation, grounded on the teacher's pkg/metrics/prometheus
// CounterVec/HistogramVec/GaugeVec construction shape, retargeted from
// NFS procedure names to SFTP/auth/cache event names.
package metrics

import "time"

// Recorder records countable/observable events. All methods must be
// safe for concurrent use and must never block on exporter availability.
type Recorder interface {
	IncAuthAttempt(method string, ok bool)
	IncCacheHit(tier string)
	IncCacheMiss()
	IncCacheOutage()
	ObserveLDAPPoolWait(d time.Duration)
	ObserveSFTPRequest(op string, d time.Duration, ok bool)
	IncConnection()
	DecConnection()
}

// NoOp returns a Recorder that discards every event, used by default in
// tests and by any component constructed without an explicit Recorder.
func NoOp() Recorder { return noOp{} }

type noOp struct{}

func (noOp) IncAuthAttempt(string, bool)             {}
func (noOp) IncCacheHit(string)                      {}
func (noOp) IncCacheMiss()                           {}
func (noOp) IncCacheOutage()                         {}
func (noOp) ObserveLDAPPoolWait(time.Duration)        {}
func (noOp) ObserveSFTPRequest(string, time.Duration, bool) {}
func (noOp) IncConnection()                          {}
func (noOp) DecConnection()                          {}
