package source

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"hubcursor/feed-aggregator/internal/config"
	"hubcursor/feed-aggregator/internal/model"
)

const subjectPlaceholder = "{subject}"

// Descriptor is one regional upstream. Descriptors are built once at startup
// and never modified.
type Descriptor struct {
	Region  string
	BaseURL string
	Paths   map[model.ResourceKind]string
	Timeout time.Duration
}

func (d Descriptor) Supports(kind model.ResourceKind) bool {
	_, ok := d.Paths[kind]
	return ok
}

// URL expands the path template for kind. The subject is path-escaped before
// the query string and query-escaped after it.
func (d Descriptor) URL(kind model.ResourceKind, subject string) (string, error) {
	tmpl, ok := d.Paths[kind]
	if !ok {
		return "", fmt.Errorf("region %s has no %s endpoint", d.Region, kind)
	}
	q := strings.IndexByte(tmpl, '?')
	var b strings.Builder
	b.WriteString(strings.TrimRight(d.BaseURL, "/"))
	rest := tmpl
	for {
		i := strings.Index(rest, subjectPlaceholder)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		pos := len(tmpl) - len(rest) + i
		if q >= 0 && pos > q {
			b.WriteString(url.QueryEscape(subject))
		} else {
			b.WriteString(url.PathEscape(subject))
		}
		rest = rest[i+len(subjectPlaceholder):]
	}
	return b.String(), nil
}

// Registry holds the configured descriptors in configuration order.
type Registry struct {
	sources []Descriptor
	byName  map[string]int
}

// NewRegistry validates the descriptors. Any error is a startup error.
func NewRegistry(ds []Descriptor) (*Registry, error) {
	if len(ds) == 0 {
		return nil, errors.New("registry: no sources configured")
	}
	r := &Registry{byName: make(map[string]int, len(ds))}
	var errs []error
	for _, d := range ds {
		d.Region = strings.ToLower(strings.TrimSpace(d.Region))
		if err := validate(d); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byName[d.Region]; dup {
			errs = append(errs, fmt.Errorf("registry: duplicate region %q", d.Region))
			continue
		}
		paths := make(map[model.ResourceKind]string, len(d.Paths))
		for k, v := range d.Paths {
			paths[k] = v
		}
		d.Paths = paths
		r.byName[d.Region] = len(r.sources)
		r.sources = append(r.sources, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func validate(d Descriptor) error {
	if d.Region == "" {
		return errors.New("registry: source without region")
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("registry: region %s: base_url %q must be an absolute http(s) URL", d.Region, d.BaseURL)
	}
	if len(d.Paths) == 0 {
		return fmt.Errorf("registry: region %s: no paths", d.Region)
	}
	for k, p := range d.Paths {
		if _, ok := model.ParseResourceKind(string(k)); !ok {
			return fmt.Errorf("registry: region %s: unknown resource kind %q", d.Region, k)
		}
		if strings.TrimSpace(p) == "" || !strings.HasPrefix(p, "/") {
			return fmt.Errorf("registry: region %s: %s path %q must start with /", d.Region, k, p)
		}
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("registry: region %s: timeout must be positive", d.Region)
	}
	return nil
}

// NewFromConfig builds the registry from config. With no configured sources
// the built-in hotel set is used.
func NewFromConfig(cs []config.SourceConfig, defaultTimeout time.Duration) (*Registry, error) {
	if len(cs) == 0 {
		return NewRegistry(DefaultHotels(defaultTimeout))
	}
	ds := make([]Descriptor, 0, len(cs))
	for _, c := range cs {
		paths := make(map[model.ResourceKind]string, len(c.Paths))
		for k, v := range c.Paths {
			kind, ok := model.ParseResourceKind(k)
			if !ok {
				return nil, fmt.Errorf("registry: region %s: unknown resource kind %q", c.Region, k)
			}
			paths[kind] = v
		}
		if len(paths) == 0 {
			paths = DefaultPaths()
		}
		to := c.Timeout
		if to <= 0 {
			to = defaultTimeout
		}
		ds = append(ds, Descriptor{Region: c.Region, BaseURL: c.BaseURL, Paths: paths, Timeout: to})
	}
	return NewRegistry(ds)
}

// ListSources returns every descriptor with an endpoint for kind.
func (r *Registry) ListSources(kind model.ResourceKind) []Descriptor {
	out := make([]Descriptor, 0, len(r.sources))
	for _, d := range r.sources {
		if d.Supports(kind) {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) Lookup(region string) (Descriptor, bool) {
	i, ok := r.byName[NormalizeRegion(region)]
	if !ok {
		return Descriptor{}, false
	}
	return r.sources[i], true
}

func (r *Registry) Regions() []string {
	out := make([]string, len(r.sources))
	for i, d := range r.sources {
		out[i] = d.Region
	}
	return out
}

// Select narrows ListSources(kind) to the requested regions. An empty region
// list selects every source. Regions that are unknown or lack the endpoint are
// returned as failures rather than dropped silently.
func (r *Registry) Select(kind model.ResourceKind, regions []string) ([]Descriptor, []model.PartialFailure) {
	if len(regions) == 0 {
		return r.ListSources(kind), nil
	}
	var (
		out   []Descriptor
		fails []model.PartialFailure
		seen  = map[string]bool{}
	)
	for _, d := range r.sources {
		for _, want := range regions {
			if NormalizeRegion(want) == d.Region && !seen[d.Region] {
				seen[d.Region] = true
				if d.Supports(kind) {
					out = append(out, d)
				} else {
					fails = append(fails, model.PartialFailure{Region: d.Region, Kind: model.ErrNoEndpoint, Reason: fmt.Sprintf("no %s endpoint", kind)})
				}
			}
		}
	}
	for _, want := range regions {
		reg := NormalizeRegion(want)
		if !seen[reg] {
			seen[reg] = true
			fails = append(fails, model.PartialFailure{Region: reg, Kind: model.ErrUnknownRegion, Reason: "unknown region"})
		}
	}
	return out, fails
}
