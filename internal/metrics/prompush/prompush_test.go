package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sfingest/internal/metrics"
)

func TestNewBackend_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend("EmpJob", ""); err == nil {
		t.Fatal("expected error for empty gateway URL")
	}

	b, err := NewBackend("", "http://localhost:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.jobName != "ingest" {
		t.Fatalf("default jobName = %q; want %q", b.jobName, "ingest")
	}
}

func TestIncCounter_Routing(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("EmpJob", "http://localhost:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter("ingest_stage_total", 1, metrics.Labels{"stage": "extract", "status": "success"})
	b.IncCounter("ingest_stage_total", 1, metrics.Labels{"stage": "extract", "status": "success"})
	b.IncCounter("ingest_records_total", 2500, metrics.Labels{"kind": "staged"})
	b.IncCounter("ingest_pages_total", 3, nil)
	b.IncCounter("unknown_metric", 99, nil) // must be ignored

	if got := testutil.ToFloat64(b.stageCounter.WithLabelValues("extract", "success")); got != 2 {
		t.Errorf("stage counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(b.recordCounter.WithLabelValues("staged")); got != 2500 {
		t.Errorf("record counter = %v, want 2500", got)
	}
	if got := testutil.ToFloat64(b.pageCounter); got != 3 {
		t.Errorf("page counter = %v, want 3", got)
	}
}

func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("EmpJob", "http://localhost:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.ObserveHistogram("ingest_stage_duration_seconds", 1.5, metrics.Labels{"stage": "load", "status": "success"})
	b.ObserveHistogram("some_other_metric", 42, nil) // must be ignored

	if got := testutil.CollectAndCount(b.stageDuration); got != 1 {
		t.Errorf("stage duration series = %d, want 1", got)
	}
}

func TestFlush_PushesToGateway(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("EmpJob", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter("ingest_pages_total", 3, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if !strings.HasSuffix(gotPath, "/job/EmpJob") {
		t.Errorf("path = %q, want /job/EmpJob suffix", gotPath)
	}
	if len(gotBody) == 0 {
		t.Error("push body empty")
	}
}
