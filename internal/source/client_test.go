// These tests exercise the behavior of the source client, focusing on:
//   - Default configuration and TLS settings.
//   - Query construction for the paginated endpoint.
//   - Retry and backoff behavior on transient failures.
//   - Handling of non-retryable statuses and unknown entities.
package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

// TestNewClient_Defaults verifies that NewClient applies sensible defaults
// and correctly sets TLS behavior when no custom Transport is supplied.
func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{InsecureSkipVerify: true})

	if c.httpClient.Timeout <= 0 {
		t.Fatalf("expected non-zero timeout, got %v", c.httpClient.Timeout)
	}
	if c.initialBackoff <= 0 {
		t.Fatalf("expected default initialBackoff > 0, got %v", c.initialBackoff)
	}
	if c.maxBackoff <= 0 {
		t.Fatalf("expected default maxBackoff > 0, got %v", c.maxBackoff)
	}

	transport, ok := c.httpClient.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", c.httpClient.Transport)
	}
	if !transport.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("expected InsecureSkipVerify=true when configured")
	}
}

// TestFetchPage_Query verifies the query parameters sent to the paginated
// endpoint and the decoding of the response envelope.
func TestFetchPage_Query(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotQuery map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		if u, p, ok := r.BasicAuth(); !ok || u != "svc" || p != "pw" {
			t.Errorf("basic auth = %q/%q ok=%v", u, p, ok)
		}
		w.Write([]byte(`{"d":{"results":[
			{"__metadata":{"uri":"x"},"userId":"101","seqNumber":1},
			{"__metadata":{"uri":"y"},"userId":"102","seqNumber":1}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})
	recs, last, err := c.FetchPage(context.Background(), "EmpJob", []string{"userId", "seqNumber"}, 3, 1000)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if gotPath != "/EmpJob" {
		t.Errorf("path = %q", gotPath)
	}
	want := map[string][]string{
		"$select": {"userId,seqNumber"},
		"$skip":   {"3000"},
		"$top":    {"1000"},
		"$format": {"json"},
		"paging":  {"snapshot"},
	}
	if !reflect.DeepEqual(gotQuery, want) {
		t.Errorf("query = %v, want %v", gotQuery, want)
	}

	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if !last {
		t.Error("a short page should be reported as the last page")
	}
	for i, rec := range recs {
		if _, ok := rec["__metadata"]; ok {
			t.Errorf("record %d still carries __metadata", i)
		}
	}
	if recs[0]["userId"] != "101" {
		t.Errorf("userId = %v", recs[0]["userId"])
	}
}

// TestFetchPage_FullPage verifies that a page of exactly pageSize records is
// not reported as the last page.
func TestFetchPage_FullPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"d":{"results":[{"userId":"1"},{"userId":"2"}]}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	recs, last, err := c.FetchPage(context.Background(), "EmpJob", []string{"userId"}, 0, 2)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(recs) != 2 || last {
		t.Errorf("recs=%d last=%v, want 2 records and last=false", len(recs), last)
	}
}

func TestCount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/EmpJob/$count" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte("2500\n"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	n, err := c.Count(context.Background(), "EmpJob")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2500 {
		t.Errorf("Count = %d, want 2500", n)
	}
}

func TestCount_NotNumeric(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.Count(context.Background(), "EmpJob"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMetadata_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 3})
	_, err := c.Metadata(context.Background(), "NoSuchEntity")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestGet_RetryThenSuccess verifies that a transient 503 is retried and the
// eventual 200 wins.
func TestGet_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("7"))
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	n, err := c.Count(context.Background(), "EmpJob")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 7 {
		t.Errorf("Count = %d", n)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
}

// TestGet_RetryExhaustion verifies that persistent retryable failures
// surface as *UnavailableError after MaxRetries+1 attempts.
func TestGet_RetryExhaustion(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	_, err := c.Metadata(context.Background(), "EmpJob")

	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnavailableError, got %v", err)
	}
	if ue.Op != "metadata" {
		t.Errorf("Op = %q", ue.Op)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("hits = %d, want 3 (initial + 2 retries)", got)
	}
}

// TestGet_NonRetryableStatus verifies that a 400 fails immediately without
// consuming the retry budget.
func TestGet_NonRetryableStatus(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 5, InitialBackoff: time.Millisecond})
	_, err := c.Metadata(context.Background(), "EmpJob")
	if err == nil {
		t.Fatal("expected error")
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		t.Fatalf("a 400 must not be classified transient: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("hits = %d, want 1", got)
	}
}

func TestGet_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	_, err := c.Metadata(ctx, "EmpJob")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{599, true},
		{600, false},
	}
	for _, tt := range tests {
		if got := isRetryableStatus(tt.code); got != tt.want {
			t.Errorf("isRetryableStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestBackoffDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{3, 1600 * time.Millisecond},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		got := backoffDuration(200*time.Millisecond, tt.attempt, 5*time.Second)
		if got != tt.want {
			t.Errorf("backoffDuration(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
