package feed

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"hubcursor/feed-aggregator/internal/aggregate"
	"hubcursor/feed-aggregator/internal/clock"
	"hubcursor/feed-aggregator/internal/fetch"
	"hubcursor/feed-aggregator/internal/metrics"
	"hubcursor/feed-aggregator/internal/model"
	"hubcursor/feed-aggregator/internal/schedule"
	"hubcursor/feed-aggregator/internal/source"
	"hubcursor/feed-aggregator/internal/store"
)

type Scope string

const (
	ScopeSelf    Scope = "self"
	ScopeFriends Scope = "friends"
)

// Origin tells the caller where a page came from.
type Origin string

const (
	OriginCache Origin = "cache"
	OriginFresh Origin = "fresh"
	OriginStale Origin = "stale-fallback"
)

type Request struct {
	Subject      string
	Kind         model.ResourceKind
	Regions      []string
	Scope        Scope
	Limit        int
	Offset       int
	ForceRefresh bool
}

type Metadata struct {
	Source          Origin
	GeneratedAt     time.Time
	PartialFailures []model.PartialFailure
}

type Response struct {
	model.Page
	Metadata Metadata
}

type Runner interface {
	Run(ctx context.Context, kind model.ResourceKind, targets []schedule.Target, budget int) []fetch.Outcome
}

type Normalizer interface {
	aggregate.Normalizer
	Friends(out fetch.Outcome) ([]model.Subject, *model.FetchError)
	Profile(out fetch.Outcome) (model.Subject, *model.FetchError)
}

type Options struct {
	DefaultLimit   int
	MaxLimit       int
	PerCycleBudget int
	TTL            time.Duration
	StaleTTL       time.Duration
	DefaultRegions []string
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Orchestrator answers page requests from the cache when it can and refreshes
// from the upstream sources when it must. The fresh store holds results for
// TTL; the fallback store keeps the last good result for StaleTTL so a total
// upstream outage can still be answered.
type Orchestrator struct {
	reg      *source.Registry
	sched    Runner
	norm     Normalizer
	fresh    *store.Cache[model.AggregatedResult]
	fallback *store.Cache[model.AggregatedResult]
	opts     Options
	log      *slog.Logger
}

func New(reg *source.Registry, sched Runner, norm Normalizer, fresh, fallback *store.Cache[model.AggregatedResult], opts Options) *Orchestrator {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{reg: reg, sched: sched, norm: norm, fresh: fresh, fallback: fallback, opts: opts, log: log}
}

// GetPage never fails: upstream problems surface as partial failures in the
// metadata, possibly with an empty page.
func (o *Orchestrator) GetPage(ctx context.Context, req Request) Response {
	req = o.normalizeRequest(req)
	key := CacheKey(req)

	if !req.ForceRefresh {
		if res, ok := o.lookup(o.fresh, key); ok {
			return o.respond(req, res, OriginCache, res.PartialFailures)
		}
	}

	res := o.refresh(ctx, req, key)
	if res.TotalFailure {
		o.log.Warn("all sources failed", "key", key, "failures", len(res.PartialFailures))
		if prev, ok := o.lookup(o.fallback, key); ok {
			return o.respond(req, prev, OriginStale, res.PartialFailures)
		}
		return o.respond(req, res, OriginFresh, res.PartialFailures)
	}
	o.fresh.Set(key, res, o.opts.TTL)
	o.fallback.Set(key, res, o.opts.StaleTTL)
	o.opts.Metrics.Refreshed(string(req.Kind), res.GeneratedAt)
	return o.respond(req, res, OriginFresh, res.PartialFailures)
}

func (o *Orchestrator) respond(req Request, res model.AggregatedResult, origin Origin, fails []model.PartialFailure) Response {
	o.opts.Metrics.FeedServed(string(req.Kind), string(origin))
	if fails == nil {
		fails = []model.PartialFailure{}
	}
	return Response{
		Page: aggregate.Paginate(res.Records, req.Offset, req.Limit),
		Metadata: Metadata{
			Source:          origin,
			GeneratedAt:     res.GeneratedAt,
			PartialFailures: fails,
		},
	}
}

// lookup reads key and drops entries that fail validation.
func (o *Orchestrator) lookup(c *store.Cache[model.AggregatedResult], key string) (model.AggregatedResult, bool) {
	res, ok := c.Get(key)
	if !ok {
		return res, false
	}
	if res.SubjectKey != key || res.TotalFailure || !aggregate.IsSorted(res.Records) {
		o.log.Error("dropping corrupt cache entry", "key", key)
		c.Delete(key)
		return model.AggregatedResult{}, false
	}
	return res, true
}

func (o *Orchestrator) refresh(ctx context.Context, req Request, key string) model.AggregatedResult {
	sources, fails := o.reg.Select(req.Kind, req.Regions)

	var (
		targets []schedule.Target
		budget  int
		usable  int
		more    []model.PartialFailure
	)
	switch {
	case req.Kind == model.ResourcePublicPhotos:
		for _, src := range sources {
			targets = append(targets, schedule.Target{Source: src})
		}
		usable = len(targets)
	case req.Scope == ScopeFriends:
		targets, usable, more = o.friendTargets(ctx, req, sources)
		budget = o.opts.PerCycleBudget
	default:
		for _, src := range sources {
			targets = append(targets, schedule.Target{Source: src, Subject: model.Subject{Name: req.Subject}})
		}
		targets, more = o.resolve(ctx, targets)
		usable = len(targets)
	}
	fails = append(fails, more...)

	var outcomes []fetch.Outcome
	if len(targets) > 0 {
		outcomes = o.sched.Run(ctx, req.Kind, targets, budget)
	}
	res := aggregate.Aggregate(key, outcomes, o.norm, o.opts.Clock.Now())
	if len(fails) > 0 {
		res.PartialFailures = append(fails, res.PartialFailures...)
	}
	if len(outcomes) == 0 && usable == 0 && len(res.PartialFailures) > 0 {
		res.TotalFailure = true
	}
	for _, f := range res.PartialFailures {
		o.opts.Metrics.PartialFailure(f.Region, string(f.Kind))
	}
	o.log.Info("aggregated",
		"key", key,
		"records", len(res.Records),
		"outcomes", len(outcomes),
		"failures", len(res.PartialFailures),
		"total_failure", res.TotalFailure)
	return res
}

// resolve replaces names with uniqueIds in regions that expose a profile
// lookup. Targets that already carry an id, or whose region has no lookup,
// pass through unchanged. Order is preserved; failed lookups are dropped and
// reported.
func (o *Orchestrator) resolve(ctx context.Context, targets []schedule.Target) ([]schedule.Target, []model.PartialFailure) {
	var (
		lookups []schedule.Target
		slots   []int
	)
	for i, t := range targets {
		if t.Subject.ID == "" && t.Subject.Name != "" && t.Source.Supports(model.ResourceProfile) {
			lookups = append(lookups, t)
			slots = append(slots, i)
		}
	}
	if len(lookups) == 0 {
		return targets, nil
	}
	resolved := make(map[int]model.Subject, len(lookups))
	var fails []model.PartialFailure
	for i, out := range o.sched.Run(ctx, model.ResourceProfile, lookups, 0) {
		sub, err := o.norm.Profile(out)
		if err != nil {
			fails = append(fails, model.PartialFailure{Region: out.Source.Region, Subject: out.Subject.Label(), Kind: err.Kind, Reason: "profile: " + err.Error()})
			continue
		}
		resolved[slots[i]] = sub
	}
	out := make([]schedule.Target, 0, len(targets))
	lookup := 0
	for i, t := range targets {
		if lookup < len(slots) && slots[lookup] == i {
			lookup++
			sub, ok := resolved[i]
			if !ok {
				continue
			}
			t.Subject = sub
		}
		out = append(out, t)
	}
	return out, fails
}

// friendTargets resolves the subject's friends in every region that can list
// them. usable counts regions whose friend list was read successfully.
func (o *Orchestrator) friendTargets(ctx context.Context, req Request, sources []source.Descriptor) ([]schedule.Target, int, []model.PartialFailure) {
	var (
		lookups []schedule.Target
		fails   []model.PartialFailure
	)
	for _, src := range sources {
		if !src.Supports(model.ResourceFriends) {
			fails = append(fails, model.PartialFailure{Region: src.Region, Subject: req.Subject, Kind: model.ErrNoEndpoint, Reason: "no friends endpoint"})
			continue
		}
		lookups = append(lookups, schedule.Target{Source: src, Subject: model.Subject{Name: req.Subject}})
	}
	lookups, more := o.resolve(ctx, lookups)
	fails = append(fails, more...)
	if len(lookups) == 0 {
		return nil, 0, fails
	}
	var (
		targets []schedule.Target
		usable  int
	)
	for _, out := range o.sched.Run(ctx, model.ResourceFriends, lookups, 0) {
		if out.Err != nil {
			fails = append(fails, model.PartialFailure{Region: out.Source.Region, Subject: req.Subject, Kind: out.Err.Kind, Reason: "friends: " + out.Err.Error()})
			continue
		}
		friends, err := o.norm.Friends(out)
		if err != nil {
			fails = append(fails, model.PartialFailure{Region: out.Source.Region, Subject: req.Subject, Kind: err.Kind, Reason: "friends: " + err.Error()})
			continue
		}
		usable++
		for _, f := range friends {
			targets = append(targets, schedule.Target{Source: out.Source, Subject: f})
		}
	}
	// friend entries without a uniqueId are looked up by name
	targets, more = o.resolve(ctx, targets)
	fails = append(fails, more...)
	return targets, usable, fails
}

func (o *Orchestrator) normalizeRequest(req Request) Request {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Scope == "" {
		req.Scope = ScopeSelf
	}
	if req.Limit <= 0 {
		req.Limit = o.opts.DefaultLimit
	}
	if req.Limit > o.opts.MaxLimit {
		req.Limit = o.opts.MaxLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	regions := req.Regions
	if len(regions) == 0 {
		regions = o.opts.DefaultRegions
	}
	req.Regions = NormalizeRegions(regions)
	return req
}

// NormalizeRegions lower-cases, resolves aliases, sorts and deduplicates.
func NormalizeRegions(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = source.NormalizeRegion(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// CacheKey identifies the full aggregated list for a request. The page window
// is not part of it: every page is served from the same list.
func CacheKey(req Request) string {
	subject := strings.ToLower(req.Subject)
	if req.Kind == model.ResourcePublicPhotos {
		subject = "*"
	}
	regions := "*"
	if len(req.Regions) > 0 {
		regions = strings.Join(req.Regions, ",")
	}
	return string(req.Kind) + "|" + string(req.Scope) + "|" + subject + "|" + regions
}

// Stats reports the fresh and fallback stores.
func (o *Orchestrator) Stats() []store.Stats {
	return []store.Stats{o.fresh.Stats(), o.fallback.Stats()}
}

// Clear empties both stores.
func (o *Orchestrator) Clear() {
	o.fresh.Clear()
	o.fallback.Clear()
	o.log.Info("cache cleared")
}

func (o *Orchestrator) Close() {
	o.fresh.Close()
	o.fallback.Close()
}
