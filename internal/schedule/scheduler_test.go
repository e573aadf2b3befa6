package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hubcursor/feed-aggregator/internal/clock"
	"hubcursor/feed-aggregator/internal/fetch"
	"hubcursor/feed-aggregator/internal/model"
	"hubcursor/feed-aggregator/internal/source"
)

type fakeFetcher struct {
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	mu    sync.Mutex
	calls map[string]int
	fails map[string][]*model.FetchError // errors returned on successive calls
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, fails: map[string][]*model.FetchError{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, src source.Descriptor, kind model.ResourceKind, subject model.Subject) fetch.Outcome {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	call := f.calls[subject.Key()]
	f.calls[subject.Key()]++
	var err *model.FetchError
	if errs := f.fails[subject.Key()]; call < len(errs) {
		err = errs[call]
	}
	f.mu.Unlock()
	out := fetch.Outcome{Source: src, Kind: kind, Subject: subject, Err: err}
	if err == nil {
		out.Body = []byte(`[]`)
	}
	return out
}

func targets(names ...string) []Target {
	src := source.Descriptor{Region: "br"}
	out := make([]Target, len(names))
	for i, n := range names {
		out[i] = Target{Source: src, Subject: model.NamedSubject(n)}
	}
	return out
}

func TestRunUnderBudgetFetchesAll(t *testing.T) {
	f := newFakeFetcher()
	s := New(f, Options{MaxInFlight: 10, Clock: clock.NewFake(time.Unix(0, 0))})
	outs := s.Run(context.Background(), model.ResourcePhotos, targets("zed", "amy", "kim"), 10)
	if len(outs) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(outs))
	}
	for i, want := range []string{"zed", "amy", "kim"} {
		if outs[i].Subject.Name != want {
			t.Errorf("Expected outcome %d for %s, got %s", i, want, outs[i].Subject.Name)
		}
	}
}

func TestRunBoundsConcurrencyAndPaces(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 20 * time.Millisecond
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(f, Options{MaxInFlight: 3, Pacing: 200 * time.Millisecond, Clock: fc})

	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("user%02d", i)
	}
	outs := s.Run(context.Background(), model.ResourcePhotos, targets(names...), 0)
	if len(outs) != 10 {
		t.Fatalf("Expected 10 outcomes, got %d", len(outs))
	}
	if got := f.maxSeen.Load(); got > 3 {
		t.Errorf("Expected at most 3 in flight, got %d", got)
	}
	sleeps := fc.Sleeps()
	if len(sleeps) != 3 {
		t.Fatalf("Expected 3 pacing pauses for 4 sub-batches, got %v", sleeps)
	}
	for _, d := range sleeps {
		if d != 200*time.Millisecond {
			t.Errorf("Expected 200ms pause, got %s", d)
		}
	}
}

func rotationNames() []string {
	letters := "abcdefghijklmnopqrstuvwxy"
	var names []string
	for round := 0; round < 2; round++ {
		for _, l := range letters {
			names = append(names, fmt.Sprintf("%c%s%d", l, "user", round))
		}
	}
	return names
}

func TestRotationPrioritisesHourBucket(t *testing.T) {
	f := newFakeFetcher()
	fc := clock.NewFake(time.Date(2024, 5, 1, 2, 30, 0, 0, time.UTC))
	s := New(f, Options{MaxInFlight: 5, Clock: fc})

	names := rotationNames()
	if len(names) != 50 {
		t.Fatalf("Expected 50 subjects, got %d", len(names))
	}
	outs := s.Run(context.Background(), model.ResourcePhotos, targets(names...), 10)
	if len(outs) != 10 {
		t.Fatalf("Expected 10 outcomes, got %d", len(outs))
	}
	for _, o := range outs {
		first := o.Subject.Name[0]
		if first < 'k' || first > 'o' {
			t.Errorf("Expected only k-o subjects at hour 2, got %s", o.Subject.Name)
		}
	}
}

func TestRotationFillsFromOtherBuckets(t *testing.T) {
	h, err := NewHourlyBuckets(nil, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	ts := targets(rotationNames()...)
	idx := h.Select(ts, 12, time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)) // 7 mod 5 = 2
	if len(idx) != 12 {
		t.Fatalf("Expected 12 selections, got %d", len(idx))
	}
	var names []string
	for _, i := range idx {
		names = append(names, ts[i].Subject.Name)
	}
	if names[10] != "auser0" || names[11] != "buser0" {
		t.Errorf("Expected fill in input order, got %v", names[10:])
	}
}

func TestBucketOf(t *testing.T) {
	h, _ := NewHourlyBuckets(nil, time.UTC)
	tests := []struct {
		label string
		want  int
	}{
		{"Alice", 0},
		{"joe", 1},
		{"-Mario-", 2},
		{"Tom", 3},
		{"zara", 4},
		{"123", 4},
		{"", 4},
	}
	for _, tt := range tests {
		if got := h.BucketOf(tt.label); got != tt.want {
			t.Errorf("BucketOf(%q): expected %d, got %d", tt.label, tt.want, got)
		}
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	f := newFakeFetcher()
	f.fails["flaky"] = []*model.FetchError{{Kind: model.ErrHTTPStatus, Status: 503}}
	f.fails["gone"] = []*model.FetchError{{Kind: model.ErrHTTPStatus, Status: 404}}
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(f, Options{MaxInFlight: 2, MaxRetries: 2, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second, Clock: fc})

	outs := s.Run(context.Background(), model.ResourcePhotos, targets("flaky", "gone"), 0)
	if !outs[0].OK() {
		t.Errorf("Expected flaky to succeed after retry, got %v", outs[0].Err)
	}
	if outs[1].OK() || outs[1].Err.Status != 404 {
		t.Errorf("Expected gone to fail with 404, got %+v", outs[1].Err)
	}
	if f.calls["flaky"] != 2 {
		t.Errorf("Expected 2 calls for flaky, got %d", f.calls["flaky"])
	}
	if f.calls["gone"] != 1 {
		t.Errorf("Expected 404 not to be retried, got %d calls", f.calls["gone"])
	}
	if sleeps := fc.Sleeps(); len(sleeps) != 1 || sleeps[0] != 100*time.Millisecond {
		t.Errorf("Expected a single 100ms backoff, got %v", sleeps)
	}
}

func TestRunHonorsRetryAfter(t *testing.T) {
	f := newFakeFetcher()
	f.fails["busy"] = []*model.FetchError{{Kind: model.ErrHTTPStatus, Status: 429, RetryAfter: 3 * time.Second}}
	f.fails["slow"] = []*model.FetchError{{Kind: model.ErrHTTPStatus, Status: 503, RetryAfter: time.Minute}}
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(f, Options{MaxInFlight: 2, MaxRetries: 2, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second, MaxRetryAfter: 10 * time.Second, Clock: fc})

	outs := s.Run(context.Background(), model.ResourcePhotos, targets("busy", "slow"), 0)
	if !outs[0].OK() {
		t.Errorf("Expected busy to succeed after waiting, got %v", outs[0].Err)
	}
	if outs[1].OK() || outs[1].Err.Status != 503 {
		t.Errorf("Expected slow to give up with 503, got %+v", outs[1].Err)
	}
	if f.calls["slow"] != 1 {
		t.Errorf("Expected no retry past max retry-after, got %d calls", f.calls["slow"])
	}
	if sleeps := fc.Sleeps(); len(sleeps) != 1 || sleeps[0] != 3*time.Second {
		t.Errorf("Expected a single 3s wait, got %v", sleeps)
	}
}

func TestRunCanceledMarksEveryTarget(t *testing.T) {
	f := newFakeFetcher()
	s := New(f, Options{Clock: clock.NewFake(time.Unix(0, 0))})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outs := s.Run(ctx, model.ResourcePhotos, targets("a", "b"), 0)
	if len(outs) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outs))
	}
	for _, o := range outs {
		if o.Err == nil || o.Err.Kind != model.ErrCanceled {
			t.Errorf("Expected canceled outcome, got %+v", o.Err)
		}
	}
	if len(f.calls) != 0 {
		t.Errorf("Expected no fetches, got %v", f.calls)
	}
}
