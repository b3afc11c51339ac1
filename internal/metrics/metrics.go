// Package metrics provides a small, backend-agnostic abstraction for
// recording operational metrics from the ingestion pipeline.
//
// The package is intentionally minimal and opinionated:
//
//   - It exposes a narrow interface (Backend) focused on counters and timing
//     data.
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - Concrete metric systems (Prometheus Pushgateway, Datadog) stay
//     isolated in subpackages; the rest of the codebase depends only on this
//     interface.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
// It is intentionally generic so we can plug in Prometheus, Datadog, etc.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStage measures one pipeline stage for an entity: latency plus a
// success/failure counter.
func RecordStage(entity, stage string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"entity": entity,
		"stage":  stage,
		"status": status,
	}

	backend.IncCounter("ingest_stage_total", 1, lbls)
	backend.ObserveHistogram("ingest_stage_duration_seconds", d.Seconds(), lbls)
}

// RecordRecords increments a record-level counter for the given entity and
// kind.
//
// Typical kinds:
//   - "staged"  records written to staging files
//   - "loaded"  rows landed in the raw table
//   - "typed"   rows written into the typed target
//   - "merged"  rows affected by the first delta merge
func RecordRecords(entity, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("ingest_records_total", float64(delta), Labels{
		"entity": entity,
		"kind":   kind,
	})
}

// RecordPages counts staged pages for the given entity.
func RecordPages(entity string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("ingest_pages_total", float64(delta), Labels{
		"entity": entity,
	})
}
