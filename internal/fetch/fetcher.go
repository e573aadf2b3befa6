package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"hubcursor/feed-aggregator/internal/metrics"
	"hubcursor/feed-aggregator/internal/model"
	"hubcursor/feed-aggregator/internal/source"
	"hubcursor/feed-aggregator/internal/util"
)

// Outcome is the result of one upstream call. Exactly one of Body and Err is set.
type Outcome struct {
	Source     source.Descriptor
	Kind       model.ResourceKind
	Subject    model.Subject
	Body       []byte
	Err        *model.FetchError
	Duration   time.Duration
	ObservedAt time.Time
}

func (o Outcome) OK() bool { return o.Err == nil }

type Options struct {
	UserAgent     string
	RatePerSecond float64 // per region, 0 = unlimited
	Burst         int
	MaxBodyBytes  int64
	Client        *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Fetcher issues single GET requests against regional sources. It never
// retries and never returns a Go error: failures are carried in the Outcome.
type Fetcher struct {
	opts   Options
	client *http.Client
	log    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "feed-aggregator/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.Client
	if client == nil {
		client = util.NewHTTPClient(30 * time.Second)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{opts: opts, client: client, log: log, limiters: map[string]*rate.Limiter{}}
}

func (f *Fetcher) limiter(region string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[region]
	if !ok {
		lim := rate.Inf
		if f.opts.RatePerSecond > 0 {
			lim = rate.Limit(f.opts.RatePerSecond)
		}
		l = rate.NewLimiter(lim, f.opts.Burst)
		f.limiters[region] = l
	}
	return l
}

// Fetch performs one request for kind/subject against src, bounded by src.Timeout.
func (f *Fetcher) Fetch(ctx context.Context, src source.Descriptor, kind model.ResourceKind, subject model.Subject) Outcome {
	start := f.opts.Now()
	out := Outcome{Source: src, Kind: kind, Subject: subject}
	defer func() {
		out.ObservedAt = f.opts.Now()
		out.Duration = out.ObservedAt.Sub(start)
		result := "ok"
		if out.Err != nil {
			result = string(out.Err.Kind)
		}
		f.opts.Metrics.ObserveFetch(src.Region, string(kind), result, out.Duration)
	}()

	u, err := src.URL(kind, subject.Key())
	if err != nil {
		out.Err = &model.FetchError{Kind: model.ErrNoEndpoint, Msg: err.Error()}
		return out
	}

	if src.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, src.Timeout)
		defer cancel()
	}

	if err := f.limiter(src.Region).Wait(ctx); err != nil {
		out.Err = limiterError(ctx, err)
		return out
	}

	body, ferr := f.get(ctx, u)
	if ferr != nil {
		f.log.Debug("fetch failed", "region", src.Region, "kind", kind, "subject", subject.Label(), "err", ferr)
		out.Err = ferr
		return out
	}
	out.Body = body
	return out
}

func (f *Fetcher) get(ctx context.Context, u string) ([]byte, *model.FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &model.FetchError{Kind: model.ErrNetwork, Msg: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp, f.opts.MaxBodyBytes)
	if err != nil {
		if fe := classify(ctx, err); fe.Kind == model.ErrTimeout || fe.Kind == model.ErrCanceled {
			return nil, fe
		}
		return nil, &model.FetchError{Kind: model.ErrMalformed, Msg: fmt.Sprintf("decode body: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.FetchError{
			Kind:       model.ErrHTTPStatus,
			Status:     resp.StatusCode,
			Msg:        snippet(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.opts.Now()),
		}
	}
	if err := checkEnvelope(body); err != nil {
		return nil, &model.FetchError{Kind: model.ErrMalformed, Msg: err.Error()}
	}
	return body, nil
}

func decodeBody(resp *http.Response, limit int64) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, limit+1)
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		r = brotli.NewReader(r)
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return b, nil
}

// checkEnvelope rejects bodies that are not a JSON document, such as HTML
// error pages served with a 200.
func checkEnvelope(b []byte) error {
	t := bytes.TrimSpace(b)
	if len(t) == 0 {
		return errors.New("empty body")
	}
	if t[0] == '<' {
		return errors.New("html response")
	}
	if !json.Valid(t) {
		return errors.New("invalid json")
	}
	return nil
}

func classify(ctx context.Context, err error) *model.FetchError {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &model.FetchError{Kind: model.ErrTimeout, Msg: "deadline exceeded"}
	case errors.Is(err, context.Canceled):
		return &model.FetchError{Kind: model.ErrCanceled, Msg: err.Error()}
	case errors.As(err, &ne) && ne.Timeout():
		return &model.FetchError{Kind: model.ErrTimeout, Msg: err.Error()}
	}
	return &model.FetchError{Kind: model.ErrNetwork, Msg: err.Error()}
}

// limiterError classifies a refused limiter wait. The limiter fails early,
// with ctx still live, when the next token lies beyond the deadline.
func limiterError(ctx context.Context, err error) *model.FetchError {
	if cerr := ctx.Err(); cerr != nil {
		return classify(ctx, cerr)
	}
	if _, ok := ctx.Deadline(); ok {
		return &model.FetchError{Kind: model.ErrTimeout, Msg: "rate limit wait exceeds deadline"}
	}
	return classify(ctx, err)
}

// parseRetryAfter reads delta-seconds or an HTTP-date. Missing, invalid or
// past values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
