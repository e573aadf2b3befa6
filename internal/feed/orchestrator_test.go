package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"hubcursor/feed-aggregator/internal/clock"
	"hubcursor/feed-aggregator/internal/fetch"
	"hubcursor/feed-aggregator/internal/model"
	"hubcursor/feed-aggregator/internal/normalize"
	"hubcursor/feed-aggregator/internal/schedule"
	"hubcursor/feed-aggregator/internal/source"
	"hubcursor/feed-aggregator/internal/store"
)

type runCall struct {
	kind    model.ResourceKind
	targets []schedule.Target
	budget  int
}

// fakeRunner answers each target from bodies keyed by "region/kind/subject"
// and fails any target listed in errs.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []runCall
	bodies map[string]string
	errs   map[string]*model.FetchError
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{bodies: map[string]string{}, errs: map[string]*model.FetchError{}}
}

func key(region string, kind model.ResourceKind, subject string) string {
	return region + "/" + string(kind) + "/" + subject
}

func (f *fakeRunner) Run(ctx context.Context, kind model.ResourceKind, targets []schedule.Target, budget int) []fetch.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{kind, targets, budget})
	out := make([]fetch.Outcome, len(targets))
	for i, t := range targets {
		k := key(t.Source.Region, kind, t.Subject.Key())
		o := fetch.Outcome{Source: t.Source, Kind: kind, Subject: t.Subject, ObservedAt: time.Unix(1700000000, 0)}
		if err, ok := f.errs[k]; ok {
			o.Err = err
		} else if body, ok := f.bodies[k]; ok {
			o.Body = []byte(body)
		} else {
			o.Err = &model.FetchError{Kind: model.ErrHTTPStatus, Status: 404}
		}
		out[i] = o
	}
	return out
}

// runs returns the recorded runs for kind.
func (f *fakeRunner) runs(kind model.ResourceKind) []runCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	orch   *Orchestrator
	runner *fakeRunner
	clock  *clock.Fake
	fresh  *store.Cache[model.AggregatedResult]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var ds []source.Descriptor
	for _, r := range []string{"br", "de", "fi"} {
		ds = append(ds, source.Descriptor{Region: r, BaseURL: "https://" + r + ".example", Paths: source.DefaultPaths(), Timeout: time.Second})
	}
	reg, err := source.NewRegistry(ds)
	if err != nil {
		t.Fatal(err)
	}
	fc := clock.NewFake(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	fresh := store.New(store.Options[model.AggregatedResult]{Name: "fresh", TTL: time.Minute, Clock: fc})
	stale := store.New(store.Options[model.AggregatedResult]{Name: "stale", TTL: time.Hour, Clock: fc})
	runner := newFakeRunner()
	orch := New(reg, runner, normalize.New(normalize.Options{}), fresh, stale, Options{
		TTL:            time.Minute,
		StaleTTL:       time.Hour,
		PerCycleBudget: 10,
		Clock:          fc,
	})
	return &fixture{orch: orch, runner: runner, clock: fc, fresh: fresh}
}

func ids(recs []model.Record) string {
	var s []string
	for _, r := range recs {
		s = append(s, r.ID)
	}
	return strings.Join(s, ",")
}

// profile registers the uniqueId the region resolves name to.
func (f *fixture) profile(region, name, id string) {
	f.runner.bodies[key(region, model.ResourceProfile, name)] = fmt.Sprintf(`{"uniqueId":%q,"name":%q}`, id, name)
}

func (f *fixture) seedAlice() {
	for _, r := range []string{"br", "de", "fi"} {
		f.profile(r, "alice", "hh"+r+"-alice")
	}
	f.runner.bodies[key("br", model.ResourcePhotos, "hhbr-alice")] = `[{"id":"a1","time":1700000100000},{"id":"a2","time":1700000300000}]`
	f.runner.bodies[key("de", model.ResourcePhotos, "hhde-alice")] = `[{"id":"b1","time":1700000200000}]`
	f.runner.errs[key("fi", model.ResourcePhotos, "hhfi-alice")] = &model.FetchError{Kind: model.ErrTimeout}
}

func TestGetPageFreshThenCache(t *testing.T) {
	f := newFixture(t)
	f.seedAlice()
	req := Request{Subject: "alice", Kind: model.ResourcePhotos, Regions: []string{"br", "de", "fi"}}

	resp := f.orch.GetPage(context.Background(), req)
	if resp.Metadata.Source != OriginFresh {
		t.Errorf("Expected fresh, got %s", resp.Metadata.Source)
	}
	if got := ids(resp.Items); got != "a2,b1,a1" {
		t.Errorf("Expected a2,b1,a1, got %s", got)
	}
	if resp.HasMore {
		t.Error("Expected hasMore=false")
	}
	if len(resp.Metadata.PartialFailures) != 1 || resp.Metadata.PartialFailures[0].Region != "fi" || resp.Metadata.PartialFailures[0].Kind != model.ErrTimeout {
		t.Errorf("Expected one timeout failure for fi, got %+v", resp.Metadata.PartialFailures)
	}

	req.Regions = []string{"FI", "de", "br", "br"}
	resp = f.orch.GetPage(context.Background(), req)
	if resp.Metadata.Source != OriginCache {
		t.Errorf("Expected cache for the same region set, got %s", resp.Metadata.Source)
	}
	if n := len(f.runner.runs(model.ResourcePhotos)); n != 1 {
		t.Errorf("Expected 1 upstream run, got %d", n)
	}

	req.ForceRefresh = true
	resp = f.orch.GetPage(context.Background(), req)
	if n := len(f.runner.runs(model.ResourcePhotos)); resp.Metadata.Source != OriginFresh || n != 2 {
		t.Errorf("Expected forced refresh, got %s after %d runs", resp.Metadata.Source, n)
	}
}

func TestGetPageExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	f.seedAlice()
	req := Request{Subject: "alice", Kind: model.ResourcePhotos}
	f.orch.GetPage(context.Background(), req)
	f.clock.Advance(time.Minute + time.Millisecond)
	resp := f.orch.GetPage(context.Background(), req)
	if n := len(f.runner.runs(model.ResourcePhotos)); resp.Metadata.Source != OriginFresh || n != 2 {
		t.Errorf("Expected refetch after ttl, got %s after %d runs", resp.Metadata.Source, n)
	}
}

func TestGetPagePagination(t *testing.T) {
	f := newFixture(t)
	var items []string
	for i := 0; i < 45; i++ {
		items = append(items, fmt.Sprintf(`{"id":"p%02d","time":%d}`, i, 1700000000000+int64(i)))
	}
	f.profile("br", "bob", "hhbr-bob")
	f.runner.bodies[key("br", model.ResourcePhotos, "hhbr-bob")] = "[" + strings.Join(items, ",") + "]"
	req := Request{Subject: "bob", Kind: model.ResourcePhotos, Regions: []string{"br"}}

	resp := f.orch.GetPage(context.Background(), req)
	if len(resp.Items) != 20 || !resp.HasMore || resp.NextOffset != 20 {
		t.Errorf("Unexpected first page len=%d more=%v next=%d", len(resp.Items), resp.HasMore, resp.NextOffset)
	}
	req.Offset, req.Limit = 40, 20
	resp = f.orch.GetPage(context.Background(), req)
	if len(resp.Items) != 5 || resp.HasMore || resp.NextOffset != 0 {
		t.Errorf("Unexpected last page len=%d more=%v next=%d", len(resp.Items), resp.HasMore, resp.NextOffset)
	}
	if resp.Metadata.Source != OriginCache {
		t.Errorf("Expected later pages from cache, got %s", resp.Metadata.Source)
	}
	req.Offset, req.Limit = 0, 1000
	resp = f.orch.GetPage(context.Background(), req)
	if len(resp.Items) != 45 {
		t.Errorf("Expected limit clamped to 100 (45 items), got %d", len(resp.Items))
	}
}

func TestGetPageStaleFallback(t *testing.T) {
	f := newFixture(t)
	f.seedAlice()
	req := Request{Subject: "alice", Kind: model.ResourcePhotos, Regions: []string{"br", "de"}}
	f.orch.GetPage(context.Background(), req)

	f.runner.errs[key("br", model.ResourcePhotos, "hhbr-alice")] = &model.FetchError{Kind: model.ErrNetwork}
	f.runner.errs[key("de", model.ResourcePhotos, "hhde-alice")] = &model.FetchError{Kind: model.ErrTimeout}
	f.clock.Advance(2 * time.Minute)

	resp := f.orch.GetPage(context.Background(), req)
	if resp.Metadata.Source != OriginStale {
		t.Fatalf("Expected stale-fallback, got %s", resp.Metadata.Source)
	}
	if got := ids(resp.Items); got != "a2,b1,a1" {
		t.Errorf("Expected previous records, got %s", got)
	}
	if len(resp.Metadata.PartialFailures) != 2 {
		t.Errorf("Expected current failures to be reported, got %+v", resp.Metadata.PartialFailures)
	}
}

func TestGetPageTotalFailureWithoutStale(t *testing.T) {
	f := newFixture(t)
	f.profile("br", "zoe", "hhbr-zoe")
	f.runner.errs[key("br", model.ResourcePhotos, "hhbr-zoe")] = &model.FetchError{Kind: model.ErrTimeout}
	req := Request{Subject: "zoe", Kind: model.ResourcePhotos, Regions: []string{"br"}}

	resp := f.orch.GetPage(context.Background(), req)
	if resp.Metadata.Source != OriginFresh || len(resp.Items) != 0 || resp.HasMore {
		t.Errorf("Expected empty fresh page, got %+v", resp)
	}
	if len(resp.Metadata.PartialFailures) != 1 {
		t.Errorf("Expected one failure, got %+v", resp.Metadata.PartialFailures)
	}
	f.orch.GetPage(context.Background(), req)
	if n := len(f.runner.runs(model.ResourcePhotos)); n != 2 {
		t.Errorf("Expected total failures not to be cached, got %d runs", n)
	}
}

func TestGetPageUnknownRegion(t *testing.T) {
	f := newFixture(t)
	f.seedAlice()
	resp := f.orch.GetPage(context.Background(), Request{Subject: "alice", Kind: model.ResourcePhotos, Regions: []string{"br", "xx"}})
	if got := ids(resp.Items); got != "a2,a1" {
		t.Errorf("Expected br records, got %s", got)
	}
	if len(resp.Metadata.PartialFailures) != 1 || resp.Metadata.PartialFailures[0].Kind != model.ErrUnknownRegion {
		t.Errorf("Expected unknown region failure, got %+v", resp.Metadata.PartialFailures)
	}

	resp = f.orch.GetPage(context.Background(), Request{Subject: "alice", Kind: model.ResourcePhotos, Regions: []string{"xx"}})
	if len(resp.Items) != 0 || len(resp.Metadata.PartialFailures) != 1 {
		t.Errorf("Expected empty page with one failure, got %+v", resp)
	}
}

func TestGetPageCorruptEntryIsMiss(t *testing.T) {
	f := newFixture(t)
	f.seedAlice()
	req := Request{Subject: "alice", Kind: model.ResourcePhotos, Regions: []string{"br"}}
	k := CacheKey(f.orch.normalizeRequest(req))
	f.fresh.Set(k, model.AggregatedResult{SubjectKey: k, Records: []model.Record{{ID: "x", TimestampMillis: 1}, {ID: "y", TimestampMillis: 2}}}, 0)

	resp := f.orch.GetPage(context.Background(), req)
	if resp.Metadata.Source != OriginFresh {
		t.Errorf("Expected corrupt entry to be refreshed, got %s", resp.Metadata.Source)
	}
	if got := ids(resp.Items); got != "a2,a1" {
		t.Errorf("Expected fresh records, got %s", got)
	}
}

func TestGetPageResolvesUniqueID(t *testing.T) {
	f := newFixture(t)
	f.profile("br", "Mr Bob", "hhbr-77")
	f.runner.errs[key("de", model.ResourceProfile, "Mr Bob")] = &model.FetchError{Kind: model.ErrHTTPStatus, Status: 404}
	f.runner.bodies[key("br", model.ResourcePhotos, "hhbr-77")] = `[{"id":"m1","time":1700000100000}]`
	f.runner.bodies[key("de", model.ResourcePhotos, "Mr Bob")] = `[{"id":"wrong","time":1700000100000}]`

	resp := f.orch.GetPage(context.Background(), Request{Subject: "Mr Bob", Kind: model.ResourcePhotos, Regions: []string{"br", "de"}})
	if got := ids(resp.Items); got != "m1" {
		t.Errorf("Expected m1 fetched by uniqueId, got %s", got)
	}
	if len(resp.Metadata.PartialFailures) != 1 {
		t.Fatalf("Expected one lookup failure, got %+v", resp.Metadata.PartialFailures)
	}
	pf := resp.Metadata.PartialFailures[0]
	if pf.Region != "de" || pf.Subject != "Mr Bob" || !strings.HasPrefix(pf.Reason, "profile: ") {
		t.Errorf("Unexpected lookup failure %+v", pf)
	}
	photos := f.runner.runs(model.ResourcePhotos)
	if len(photos) != 1 || len(photos[0].targets) != 1 || photos[0].targets[0].Subject.ID != "hhbr-77" {
		t.Errorf("Expected a single photo target for hhbr-77, got %+v", photos)
	}
}

func TestGetPageLookupFailsEverywhere(t *testing.T) {
	f := newFixture(t)
	resp := f.orch.GetPage(context.Background(), Request{Subject: "nobody", Kind: model.ResourcePhotos, Regions: []string{"br", "de"}})
	if len(resp.Items) != 0 || len(resp.Metadata.PartialFailures) != 2 {
		t.Errorf("Expected empty page with two failures, got %+v", resp)
	}
	if n := len(f.runner.runs(model.ResourcePhotos)); n != 0 {
		t.Errorf("Expected no photo run without a resolved subject, got %d", n)
	}
	f.orch.GetPage(context.Background(), Request{Subject: "nobody", Kind: model.ResourcePhotos, Regions: []string{"br", "de"}})
	if n := len(f.runner.runs(model.ResourceProfile)); n != 2 {
		t.Errorf("Expected failed lookups not to be cached, got %d lookup runs", n)
	}
}

func TestGetPageFriendsScope(t *testing.T) {
	f := newFixture(t)
	f.profile("br", "alice", "hhbr-alice")
	f.profile("de", "alice", "hhde-alice")
	f.profile("br", "Lee", "hhbr-l")
	f.runner.bodies[key("br", model.ResourceFriends, "hhbr-alice")] = `[{"name":"Kim","uniqueId":"hhbr-k"},{"name":"Amy","uniqueId":"hhbr-a"},{"name":"Lee"},{"name":"Ghost","uniqueId":"hhbr-g","profileVisible":false}]`
	f.runner.errs[key("de", model.ResourceFriends, "hhde-alice")] = &model.FetchError{Kind: model.ErrHTTPStatus, Status: 403}
	f.runner.bodies[key("br", model.ResourcePhotos, "hhbr-k")] = `[{"id":"k1","time":1700000500000}]`
	f.runner.bodies[key("br", model.ResourcePhotos, "hhbr-a")] = `[{"id":"a1","time":1700000600000}]`
	f.runner.bodies[key("br", model.ResourcePhotos, "hhbr-l")] = `[{"id":"l1","time":1700000400000}]`

	resp := f.orch.GetPage(context.Background(), Request{Subject: "alice", Kind: model.ResourcePhotos, Scope: ScopeFriends, Regions: []string{"br", "de"}})
	if got := ids(resp.Items); got != "a1,k1,l1" {
		t.Errorf("Expected a1,k1,l1, got %s", got)
	}
	if resp.Items[0].OwnerKey != "Amy@br" {
		t.Errorf("Expected owner Amy@br, got %s", resp.Items[0].OwnerKey)
	}
	if len(resp.Metadata.PartialFailures) != 1 || resp.Metadata.PartialFailures[0].Region != "de" {
		t.Errorf("Expected de friends failure, got %+v", resp.Metadata.PartialFailures)
	}
	runs := f.runner.runs(model.ResourcePhotos)
	if len(runs) != 1 {
		t.Fatalf("Expected one photos run, got %d", len(runs))
	}
	if photos := runs[0]; len(photos.targets) != 3 || photos.budget != 10 {
		t.Errorf("Unexpected photo run %+v", photos)
	}
	if n := len(f.runner.runs(model.ResourceProfile)); n != 2 {
		t.Errorf("Expected requester and Lee lookups, got %d profile runs", n)
	}
}

func TestGetPagePublicPhotos(t *testing.T) {
	f := newFixture(t)
	f.runner.bodies[key("br", model.ResourcePublicPhotos, "")] = `[{"id":"g1","time":1700000000000,"creator_name":"x"}]`
	f.runner.bodies[key("de", model.ResourcePublicPhotos, "")] = `[{"id":"g2","time":1700000001000,"creator_name":"y"}]`
	resp := f.orch.GetPage(context.Background(), Request{Kind: model.ResourcePublicPhotos, Regions: []string{"br", "de"}})
	if got := ids(resp.Items); got != "g2,g1" {
		t.Errorf("Expected g2,g1, got %s", got)
	}
}

func TestStatsAndClear(t *testing.T) {
	f := newFixture(t)
	f.seedAlice()
	f.orch.GetPage(context.Background(), Request{Subject: "alice", Kind: model.ResourcePhotos})
	st := f.orch.Stats()
	if len(st) != 2 || st[0].Size != 1 || st[1].Size != 1 {
		t.Errorf("Expected one entry per store, got %+v", st)
	}
	f.orch.Clear()
	st = f.orch.Stats()
	if st[0].Size != 0 || st[1].Size != 0 {
		t.Errorf("Expected empty stores after clear, got %+v", st)
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey(Request{Subject: "Alice", Kind: model.ResourcePhotos, Scope: ScopeSelf, Regions: NormalizeRegions([]string{"de", "ptbr"})})
	b := CacheKey(Request{Subject: "alice", Kind: model.ResourcePhotos, Scope: ScopeSelf, Regions: NormalizeRegions([]string{"br", "DE"})})
	if a != b {
		t.Errorf("Expected equal keys, got %s and %s", a, b)
	}
	if a != "photos|self|alice|br,de" {
		t.Errorf("Unexpected key %s", a)
	}
}
