// Package datadog implements a Datadog backend for the metrics package.
//
// This package adapts the generic metrics.Backend interface to Datadog's
// DogStatsD protocol using the official statsd client library. The ingestion
// labels (entity, stage, status) become Datadog tags, so stage counters,
// stage durations and record counts for a run can be sliced per entity and
// per stage in Datadog the same way the Pushgateway backend exposes them to
// Prometheus.
//
// The package contains all Datadog-specific dependencies so the pipeline
// itself stays on the metrics.Backend abstraction and the backend can be
// swapped per run from the command line.
package datadog

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"

	"sfingest/internal/metrics"
)

// Config holds Datadog backend configuration.
type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///path/to/socket".
	Addr string

	// Namespace is an optional prefix added to all metric names, e.g. "sfingest.".
	Namespace string

	// GlobalTags are tags applied to every metric from this process,
	// e.g. []string{"env:prod","service:sfingest"}.
	GlobalTags []string
}

// Backend emits ingestion metrics over DogStatsD.
//
// One Backend serves a whole run; install it once via metrics.SetBackend
// before the pipeline starts and the stage helpers route through it.
type Backend struct {
	client *statsd.Client
}

// NewBackend constructs a Datadog metrics backend from the given configuration.
//
// The Addr field is required; when empty, NewBackend returns an error.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}

	var opts []statsd.Option
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}

	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}

	return &Backend{client: c}, nil
}

// IncCounter sends stage and record counters as a Datadog Count metric,
// labels rendered as "key:value" tags.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	// DogStatsD Count expects an int64; record counts are always integral.
	b.client.Count(name, int64(delta), labelsToTags(labels), 1)
}

// ObserveHistogram sends stage durations as a Datadog Histogram metric.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	b.client.Histogram(name, value, labelsToTags(labels), 1)
}

// Flush closes the statsd client, draining anything still buffered. The
// entry point calls it once after the run, matching the Pushgateway push.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// labelsToTags converts a map of labels into Datadog tag strings "key:value".
func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		out = append(out, fmt.Sprintf("%s:%s", k, v))
	}
	return out
}
