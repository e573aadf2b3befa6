package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hubcursor/feed-aggregator/internal/clock"
	"hubcursor/feed-aggregator/internal/fetch"
	"hubcursor/feed-aggregator/internal/metrics"
	"hubcursor/feed-aggregator/internal/model"
	"hubcursor/feed-aggregator/internal/source"
	"hubcursor/feed-aggregator/internal/util"
)

type Fetcher interface {
	Fetch(ctx context.Context, src source.Descriptor, kind model.ResourceKind, subject model.Subject) fetch.Outcome
}

// Target is one (source, subject) pair to fetch.
type Target struct {
	Source  source.Descriptor
	Subject model.Subject
}

type Options struct {
	MaxInFlight   int
	Pacing        time.Duration
	MaxRetries    int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	MaxRetryAfter time.Duration // longer Retry-After hints end retrying
	Clock         clock.Clock
	Rotation      RotationPolicy
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type Scheduler struct {
	f    Fetcher
	opts Options
	log  *slog.Logger
}

func New(f Fetcher, opts Options) *Scheduler {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 10 * time.Second
	}
	if opts.Rotation == nil {
		opts.Rotation, _ = NewHourlyBuckets(nil, time.UTC)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{f: f, opts: opts, log: log}
}

// Run fetches kind for the targets. When there are more targets than budget
// the rotation policy decides which run this cycle. Targets run in sub-batches
// of MaxInFlight with a pacing pause between sub-batches. Every selected
// target produces exactly one outcome, returned in selection order.
func (s *Scheduler) Run(ctx context.Context, kind model.ResourceKind, targets []Target, budget int) []fetch.Outcome {
	if len(targets) == 0 {
		return nil
	}
	idx := s.opts.Rotation.Select(targets, budget, s.opts.Clock.Now())
	if len(idx) < len(targets) {
		s.log.Info("rotation applied", "kind", kind, "targets", len(targets), "selected", len(idx), "budget", budget)
	}
	selected := make([]Target, len(idx))
	for i, j := range idx {
		selected[i] = targets[j]
	}

	out := make([]fetch.Outcome, len(selected))
	for start := 0; start < len(selected); start += s.opts.MaxInFlight {
		if start > 0 {
			if err := s.opts.Clock.Sleep(ctx, s.opts.Pacing); err != nil {
				s.cancelRest(out[start:], selected[start:], kind, err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			s.cancelRest(out[start:], selected[start:], kind, err)
			break
		}
		end := min(start+s.opts.MaxInFlight, len(selected))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out[i] = s.fetchWithRetry(ctx, kind, selected[i])
			}(i)
		}
		wg.Wait()
	}
	return out
}

func (s *Scheduler) fetchWithRetry(ctx context.Context, kind model.ResourceKind, t Target) fetch.Outcome {
	var out fetch.Outcome
	for attempt := 0; ; attempt++ {
		out = s.f.Fetch(ctx, t.Source, kind, t.Subject)
		if out.OK() || !out.Err.Retryable() || attempt >= s.opts.MaxRetries {
			return out
		}
		wait := util.Backoff(attempt+1, s.opts.Backoff, s.opts.MaxBackoff)
		if ra := out.Err.RetryAfter; ra > 0 {
			if ra > s.opts.MaxRetryAfter {
				s.log.Debug("retry-after too long", "region", t.Source.Region, "subject", t.Subject.Label(), "retry_after", ra)
				return out
			}
			wait = ra
		}
		s.opts.Metrics.IncRetry(t.Source.Region)
		s.log.Debug("retrying fetch", "region", t.Source.Region, "subject", t.Subject.Label(), "attempt", attempt+1, "wait", wait, "err", out.Err)
		if err := s.opts.Clock.Sleep(ctx, wait); err != nil {
			return out
		}
	}
}

func (s *Scheduler) cancelRest(out []fetch.Outcome, ts []Target, kind model.ResourceKind, err error) {
	now := s.opts.Clock.Now()
	for i, t := range ts {
		out[i] = fetch.Outcome{
			Source:     t.Source,
			Kind:       kind,
			Subject:    t.Subject,
			Err:        &model.FetchError{Kind: model.ErrCanceled, Msg: err.Error()},
			ObservedAt: now,
		}
	}
}
