package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/skolhustick/mdwnio/internal/hash/sha256"
	"github.com/skolhustick/mdwnio/internal/mdwn"
	"github.com/skolhustick/mdwnio/internal/metrics"
)

//go:embed usage.md
var usage string

// Response headers set on successful proxy responses.
const (
	HeaderSource = "X-Mdwn-Source"
	HeaderCache  = "X-Mdwn-Cache"
)

const defaultRequestTimeout = 60 * time.Second

// Options configures the Server.
type Options struct {
	// RequestTimeout bounds each request end to end.
	RequestTimeout time.Duration
	// CacheTTL is advertised to clients through Cache-Control.
	CacheTTL time.Duration
	// Ready reports whether downstream dependencies can serve traffic. Nil
	// means always ready.
	Ready func(ctx context.Context) error
	// Metrics serves /metrics. Nil uses the default Prometheus handler.
	Metrics http.Handler
	// Tagger derives ETags from markdown bodies. Nil uses SHA-256.
	Tagger Tagger
}

// Tagger computes an entity tag for a response body.
type Tagger interface {
	Tag(body []byte) string
}

// Server wires HTTP handlers to the resolver.
type Server struct {
	router   chi.Router
	resolver mdwn.Resolver
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(resolver mdwn.Resolver, opts Options, logger *zap.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Handler()
	}
	if opts.Tagger == nil {
		opts.Tagger = sha256.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{resolver: resolver, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/", s.usage)
	r.Get("/healthz", s.healthz)
	r.Get("/health", s.health)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)
	r.Get("/*", s.proxy)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) usage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", mdwn.MarkdownContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(usage))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	// The escaped path keeps the target's own percent-encoding intact.
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if r.URL.RawQuery != "" {
		raw += "?" + r.URL.RawQuery
	}

	resp, err := s.resolver.Resolve(r.Context(), raw)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	res := resp.Result
	body := []byte(res.Markdown)
	etag := s.opts.Tagger.Tag(body)
	h := w.Header()
	h.Set("Content-Type", mdwn.MarkdownContentType)
	h.Set(HeaderSource, string(res.Provenance))
	h.Set("ETag", etag)
	if resp.Cache != "" {
		h.Set(HeaderCache, resp.Cache)
	}
	if ttl := int(s.opts.CacheTTL.Seconds()); ttl > 0 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", ttl))
	}
	metrics.ObserveProxyResponse(string(res.Provenance), orNone(resp.Cache))

	if sha256.Match(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("write markdown failed", zap.Error(err))
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	me := mdwn.AsError(err)
	status := me.HTTPStatus()
	fields := []zap.Field{
		zap.String("kind", string(me.Kind)),
		zap.Int("status", status),
		zap.String("request_id", RequestID(r.Context())),
		zap.Error(err),
	}
	if me.Kind == mdwn.KindInternal {
		s.logger.Error("resolution failed", fields...)
	} else {
		s.logger.Debug("resolution rejected", fields...)
	}
	metrics.ObserveProxyResponse("error", "none")
	writeText(w, status, me.Body())
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

func writeText(w http.ResponseWriter, status int, body string) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
