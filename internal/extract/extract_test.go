package extract

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"sfingest/internal/metadata"
	"sfingest/internal/source"
	"sfingest/pkg/logger"
	"sfingest/pkg/records"
)

func empJobMeta() *metadata.EntityMetadata {
	return &metadata.EntityMetadata{
		Name:   "EmpJob",
		Module: "Employment Information (EC)",
		Fields: []metadata.Field{
			{Name: "userId", SourceType: "Edm.String"},
			{Name: "seqNumber", SourceType: "Edm.Int64"},
			{Name: "lastModifiedDateTime", SourceType: "Edm.DateTime", Nullable: true},
		},
		KeyFields:         []string{"userId", "seqNumber"},
		LastModifiedField: "lastModifiedDateTime",
	}
}

// fakePager serves total synthetic records in pages, optionally failing
// specific (page, attempt) combinations first.
type fakePager struct {
	total int
	calls int

	// failures maps page index to the number of transient failures to
	// serve before succeeding.
	failures map[int]int

	// finalErr, when set, is returned for every fetch of finalErrPage.
	finalErr     error
	finalErrPage int
}

func (p *fakePager) FetchPage(ctx context.Context, entity string, fields []string, pageIndex, pageSize int) ([]records.Record, bool, error) {
	p.calls++

	if p.finalErr != nil && pageIndex == p.finalErrPage {
		return nil, false, p.finalErr
	}
	if n, ok := p.failures[pageIndex]; ok && n > 0 {
		p.failures[pageIndex] = n - 1
		return nil, false, &source.UnavailableError{Op: "page", Err: errors.New("status 503")}
	}

	offset := pageIndex * pageSize
	if offset >= p.total {
		return nil, true, nil
	}
	n := p.total - offset
	if n > pageSize {
		n = pageSize
	}
	recs := make([]records.Record, n)
	for i := range recs {
		recs[i] = records.Record{
			"userId":               fmt.Sprintf("%d", offset+i),
			"seqNumber":            float64(1),
			"lastModifiedDateTime": "/Date(1700000000000)/",
		}
	}
	return recs, n < pageSize, nil
}

// TestRun_PageBoundaries stages 2500 records with a page size of 1000 and
// expects exactly three files of 1000, 1000 and 500 records.
func TestRun_PageBoundaries(t *testing.T) {
	t.Parallel()

	pager := &fakePager{total: 2500}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000}, logger.Nop())

	files, err := ex.Run(context.Background(), empJobMeta(), 2500)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}
	wantRecords := []int{1000, 1000, 500}
	for i, f := range files {
		if f.Records != wantRecords[i] {
			t.Errorf("file %d has %d records, want %d", i, f.Records, wantRecords[i])
		}
		if f.PageIndex != i {
			t.Errorf("file %d has page index %d", i, f.PageIndex)
		}
		if f.Checksum == "" {
			t.Errorf("file %d has no checksum", i)
		}
		if want := fmt.Sprintf("EmpJob_data_%d.json", i); !strings.HasSuffix(f.Path, want) {
			t.Errorf("file %d path = %q, want suffix %q", i, f.Path, want)
		}
	}
}

// TestRun_ExactMultiple verifies the extra empty page after a total that is
// an exact multiple of the page size does not produce a file.
func TestRun_ExactMultiple(t *testing.T) {
	t.Parallel()

	pager := &fakePager{total: 2000}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000}, logger.Nop())

	files, err := ex.Run(context.Background(), empJobMeta(), 2000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	for i, f := range files {
		if f.Records != 1000 {
			t.Errorf("file %d has %d records", i, f.Records)
		}
	}
}

func TestRun_Empty(t *testing.T) {
	t.Parallel()

	pager := &fakePager{total: 0}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000}, logger.Nop())

	files, err := ex.Run(context.Background(), empJobMeta(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("got %d files, want none", len(files))
	}
}

// TestRun_FileContents verifies staged lines are NDJSON in field order.
func TestRun_FileContents(t *testing.T) {
	t.Parallel()

	pager := &fakePager{total: 3}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000}, logger.Nop())

	files, err := ex.Run(context.Background(), empJobMeta(), 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files", len(files))
	}

	f, err := os.Open(files[0].Path)
	if err != nil {
		t.Fatalf("open staged file: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		want := fmt.Sprintf(`{"userId":"%d","seqNumber":1,"lastModifiedDateTime":"/Date(1700000000000)/"}`, lines)
		if sc.Text() != want {
			t.Errorf("line %d = %s, want %s", lines, sc.Text(), want)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("got %d lines, want 3", lines)
	}
}

// TestRun_RetriesTransient verifies a transient page failure is retried in
// place and the run completes.
func TestRun_RetriesTransient(t *testing.T) {
	t.Parallel()

	pager := &fakePager{total: 1500, failures: map[int]int{1: 2}}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000, PageRetries: 2,
		InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, logger.Nop())

	files, err := ex.Run(context.Background(), empJobMeta(), 1500)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[1].Records != 500 {
		t.Errorf("page 1 has %d records", files[1].Records)
	}
}

// TestRun_RetryBudgetExhausted verifies a persistently failing page aborts
// the run with the transient error once the budget is spent.
func TestRun_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	pager := &fakePager{total: 1500, failures: map[int]int{1: 100}}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000, PageRetries: 2,
		InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, logger.Nop())

	_, err := ex.Run(context.Background(), empJobMeta(), 1500)
	var ue *source.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnavailableError, got %v", err)
	}
	// 1 success for page 0, then initial attempt + 2 retries for page 1.
	if pager.calls != 4 {
		t.Errorf("calls = %d, want 4", pager.calls)
	}
}

// TestRun_NonTransientFailsFast verifies that errors other than upstream
// unavailability are not retried.
func TestRun_NonTransientFailsFast(t *testing.T) {
	t.Parallel()

	pager := &fakePager{total: 1500, finalErr: errors.New("decode page 1: unexpected EOF"), finalErrPage: 1}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000, PageRetries: 5,
		InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, logger.Nop())

	_, err := ex.Run(context.Background(), empJobMeta(), 1500)
	if err == nil {
		t.Fatal("expected error")
	}
	if pager.calls != 2 {
		t.Errorf("calls = %d, want 2 (no retries)", pager.calls)
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pager := &fakePager{total: 1500}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000}, logger.Nop())

	if _, err := ex.Run(ctx, empJobMeta(), 1500); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// cancelingPager fails transiently and cancels the run's context as it
// returns, so the cancellation lands while the retry loop is backing off.
type cancelingPager struct {
	cancel context.CancelFunc
	calls  int
}

func (p *cancelingPager) FetchPage(ctx context.Context, entity string, fields []string, pageIndex, pageSize int) ([]records.Record, bool, error) {
	p.calls++
	p.cancel()
	return nil, false, &source.UnavailableError{Op: "page", Err: errors.New("status 503")}
}

// TestRun_CanceledDuringBackoff verifies a cancel arriving during the retry
// backoff aborts the sleep instead of waiting it out.
func TestRun_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pager := &cancelingPager{cancel: cancel}
	ex := New(pager, Config{Dir: t.TempDir(), PageSize: 1000, PageRetries: 5,
		InitialBackoff: time.Hour, MaxBackoff: time.Hour}, logger.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := ex.Run(ctx, empJobMeta(), 1500)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not observe cancellation during backoff")
	}
	if pager.calls != 1 {
		t.Errorf("calls = %d, want 1", pager.calls)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	ex := New(&fakePager{}, Config{Dir: t.TempDir()}, logger.Nop())
	if ex.pageSize != DefaultPageSize {
		t.Errorf("pageSize = %d", ex.pageSize)
	}
	if ex.pageRetries != 2 {
		t.Errorf("pageRetries = %d", ex.pageRetries)
	}
	if ex.initialBackoff <= 0 || ex.maxBackoff <= 0 {
		t.Error("backoff defaults not applied")
	}
}
