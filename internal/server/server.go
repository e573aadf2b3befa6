package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hubcursor/feed-aggregator/internal/feed"
	"hubcursor/feed-aggregator/internal/metrics"
	"hubcursor/feed-aggregator/internal/model"
	"hubcursor/feed-aggregator/internal/store"
)

// FeedService is what the HTTP layer needs from the orchestrator.
type FeedService interface {
	GetPage(ctx context.Context, req feed.Request) feed.Response
	Stats() []store.Stats
	Clear()
}

type Options struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type Server struct {
	svc    FeedService
	log    *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

func New(svc FeedService, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{svc: svc, log: log, mux: mux}

	mux.HandleFunc("GET /api/v1/feed", s.handleFeed)
	mux.HandleFunc("GET /api/v1/diagnostics/cache", s.handleStats)
	mux.HandleFunc("POST /api/v1/diagnostics/cache/clear", s.handleClear)
	mux.HandleFunc("GET /api/v1/diagnostics/cache/chart", s.handleChart)
	mux.Handle("/metrics", opts.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:         opts.ListenAddress,
		Handler:      mux,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler              { return s.mux }
func (s *Server) Serve() error                       { return s.server.ListenAndServe() }
func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }

type recordDTO struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	OwnerKey     string        `json:"ownerKey"`
	SourceRegion string        `json:"sourceRegion"`
	Timestamp    int64         `json:"timestamp"`
	Time         time.Time     `json:"time"`
	Payload      model.Payload `json:"payload"`
}

type metadataDTO struct {
	Source          feed.Origin            `json:"source"`
	GeneratedAt     time.Time              `json:"generatedAt"`
	PartialFailures []model.PartialFailure `json:"partialFailures"`
}

type feedResponse struct {
	Items      []recordDTO `json:"items"`
	HasMore    bool        `json:"hasMore"`
	NextOffset int         `json:"nextOffset"`
	Metadata   metadataDTO `json:"metadata"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	req, err := parseFeedRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	resp := s.svc.GetPage(r.Context(), req)

	out := feedResponse{
		Items:      make([]recordDTO, len(resp.Items)),
		HasMore:    resp.HasMore,
		NextOffset: resp.NextOffset,
		Metadata: metadataDTO{
			Source:          resp.Metadata.Source,
			GeneratedAt:     resp.Metadata.GeneratedAt,
			PartialFailures: resp.Metadata.PartialFailures,
		},
	}
	for i, rec := range resp.Items {
		out.Items[i] = recordDTO{
			ID:           rec.ID,
			Kind:         string(rec.Kind),
			OwnerKey:     rec.OwnerKey,
			SourceRegion: rec.SourceRegion,
			Timestamp:    rec.TimestampMillis,
			Time:         rec.Time(),
			Payload:      rec.Payload,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func parseFeedRequest(r *http.Request) (feed.Request, error) {
	q := r.URL.Query()
	req := feed.Request{
		Subject: strings.TrimSpace(q.Get("subject")),
		Kind:    model.ResourcePhotos,
		Scope:   feed.ScopeSelf,
	}
	if k := q.Get("kind"); k != "" {
		kind, ok := model.ParseResourceKind(k)
		if _, feedable := kind.RecordKind(); !ok || !feedable {
			return req, badRequest("unknown kind " + strconv.Quote(k))
		}
		req.Kind = kind
	}
	if req.Subject == "" && req.Kind != model.ResourcePublicPhotos {
		return req, badRequest("subject is required")
	}
	switch sc := feed.Scope(strings.ToLower(q.Get("scope"))); sc {
	case "", feed.ScopeSelf:
	case feed.ScopeFriends:
		req.Scope = sc
	default:
		return req, badRequest("scope must be self or friends")
	}
	if v := q.Get("regions"); v != "" {
		for _, reg := range strings.Split(v, ",") {
			if reg = strings.TrimSpace(reg); reg != "" {
				req.Regions = append(req.Regions, reg)
			}
		}
	}
	var err error
	if req.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return req, err
	}
	if req.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return req, err
	}
	if v := q.Get("refresh"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return req, badRequest("refresh must be a boolean")
		}
		req.ForceRefresh = b
	}
	return req, nil
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stores": s.svc.Stats()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.svc.Clear()
	s.log.Info("cache cleared via diagnostics", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "stores": s.svc.Stats()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
