// Package pipeline orchestrates a resolution: cache lookup, validated fetch,
// classification, and then native passthrough, a single pointer hop, or HTML
// extraction. It is the only place provenance is assigned.
package pipeline

import (
	"context"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/skolhustick/mdwnio/internal/cache"
	"github.com/skolhustick/mdwnio/internal/classify"
	"github.com/skolhustick/mdwnio/internal/clock/system"
	idgen "github.com/skolhustick/mdwnio/internal/id/uuid"
	"github.com/skolhustick/mdwnio/internal/mdwn"
	"github.com/skolhustick/mdwnio/internal/progress"
	"github.com/skolhustick/mdwnio/internal/ssrf"
)

// MaxPointerDepth is the number of pointer hops followed. A pointer found
// after that many hops fails with KindRecursionDepthExceeded.
const MaxPointerDepth = 1

// Validator resolves and checks a URL before it is fetched.
type Validator interface {
	Validate(ctx context.Context, u *url.URL) (ssrf.Target, error)
}

// Fetcher retrieves a validated target.
type Fetcher interface {
	Fetch(ctx context.Context, target ssrf.Target) (mdwn.FetchOutcome, error)
}

// Extractor converts an HTML document to markdown.
type Extractor interface {
	Extract(ctx context.Context, body []byte, base *url.URL) (string, error)
}

// Cache memoizes successful resolutions by key.
type Cache interface {
	Resolve(ctx context.Context, key string, compute cache.ComputeFunc) (mdwn.Result, cache.Source, error)
}

// Limiter paces fetches per upstream host.
type Limiter interface {
	Wait(ctx context.Context, host string) error
}

// IDGenerator issues resolution IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Deps are the collaborators of a Pipeline. Validator, Fetcher, Extractor and
// Cache are required; the rest fall back to defaults.
type Deps struct {
	Validator Validator
	Fetcher   Fetcher
	Extractor Extractor
	Cache     Cache
	Limiter   Limiter
	Events    progress.Emitter
	Clock     mdwn.Clock
	IDs       IDGenerator
	Tracer    trace.Tracer
}

// Pipeline implements mdwn.Resolver.
type Pipeline struct {
	validator Validator
	fetcher   Fetcher
	extractor Extractor
	cache     Cache
	limiter   Limiter
	events    progress.Emitter
	clock     mdwn.Clock
	ids       IDGenerator
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New builds a Pipeline from deps.
func New(deps Deps, logger *zap.Logger) *Pipeline {
	if deps.Events == nil {
		deps.Events = progress.Discard
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/skolhustick/mdwnio/internal/pipeline")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		validator: deps.Validator,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		events:    deps.Events,
		clock:     deps.Clock,
		ids:       deps.IDs,
		tracer:    deps.Tracer,
		logger:    logger,
	}
}

// Resolve parses raw, then returns cached markdown or computes it.
func (p *Pipeline) Resolve(ctx context.Context, raw string) (mdwn.Response, error) {
	ctx, span := p.tracer.Start(ctx, "mdwn.resolve")
	defer span.End()

	run := &resolution{p: p, id: p.newID(), start: p.clock.Now(), span: span}

	u, err := mdwn.ParseTarget(raw, "")
	if err != nil {
		run.failed(err)
		return mdwn.Response{}, err
	}
	run.url = u.Redacted()
	run.key = mdwn.NormalizeKey(u)
	span.SetAttributes(attribute.String("mdwn.key", run.key))
	run.emit(progress.Event{Stage: progress.StageResolveStart})

	res, src, err := p.cache.Resolve(ctx, run.key, func(ctx context.Context) (mdwn.Result, error) {
		return run.resolve(ctx, u, 0)
	})
	if err != nil {
		run.failed(err)
		return mdwn.Response{}, err
	}
	span.SetAttributes(
		attribute.String("mdwn.provenance", string(res.Provenance)),
		attribute.String("mdwn.cache", string(src)),
	)
	if src == cache.SourceHit {
		run.emit(progress.Event{Stage: progress.StageCacheHit})
	}
	run.emit(progress.Event{
		Stage:      progress.StageResolveDone,
		Provenance: string(res.Provenance),
		Cache:      string(src),
		Dur:        run.elapsed(),
	})
	return mdwn.Response{Result: res, Cache: string(src), Key: run.key}, nil
}

func (p *Pipeline) newID() [16]byte {
	id, err := p.ids.NewRawID()
	if err != nil {
		id = uuid.New()
	}
	return progress.UUIDToBytes(id)
}

// resolution carries the per-call state shared by events.
type resolution struct {
	p     *Pipeline
	id    [16]byte
	start time.Time
	url   string
	key   string
	span  trace.Span
}

func (r *resolution) resolve(ctx context.Context, u *url.URL, depth int) (mdwn.Result, error) {
	target, err := r.p.validator.Validate(ctx, u)
	if err != nil {
		return mdwn.Result{}, err
	}
	outcome, err := r.fetch(ctx, target, depth)
	if err != nil {
		return mdwn.Result{}, err
	}
	if !outcome.Success() {
		return mdwn.Result{}, mdwn.UpstreamStatus(outcome.StatusCode, outcome.FinalURL.Redacted())
	}

	if err := ctx.Err(); err != nil {
		return mdwn.Result{}, mdwn.Wrap(mdwn.KindTimeout, err, "resolving %s", outcome.FinalURL.Redacted())
	}
	c := classify.Classify(outcome)
	source := outcome.FinalURL.String()
	switch c.Kind {
	case classify.NativePassthrough, classify.InlineMarkdown:
		return native(c.Markdown, c.MediaType, source), nil

	case classify.PointerToURL:
		if depth >= MaxPointerDepth {
			return mdwn.Result{}, mdwn.Errorf(mdwn.KindRecursionDepthExceeded,
				"%s points to %s, but pointers are followed only %d time(s)", source, c.Pointer.Redacted(), MaxPointerDepth)
		}
		r.p.logger.Debug("following markdown pointer",
			zap.String("from", source),
			zap.String("to", c.Pointer.Redacted()),
		)
		return r.resolve(ctx, c.Pointer, depth+1)

	case classify.RequiresExtraction:
		markdown, err := r.extract(ctx, outcome.Body, c.Base)
		if err != nil {
			return mdwn.Result{}, err
		}
		return mdwn.Result{
			Markdown:    markdown,
			Provenance:  mdwn.ProvenanceConverted,
			ContentType: c.MediaType,
			SourceURL:   source,
		}, nil
	}

	// A pointer target declared itself markdown; trust readable text even
	// when it is served with a generic media type.
	if depth > 0 && declaredText(c, outcome.Body) {
		return native(string(outcome.Body), c.MediaType, source), nil
	}
	return mdwn.Result{}, mdwn.Errorf(mdwn.KindUnsupportedMedia, "%s: %s", source, c.Reason)
}

func (r *resolution) fetch(ctx context.Context, target ssrf.Target, depth int) (mdwn.FetchOutcome, error) {
	ctx, span := r.p.tracer.Start(ctx, "mdwn.fetch", trace.WithAttributes(
		attribute.String("url.full", target.URL.Redacted()),
		attribute.Int("mdwn.depth", depth),
	))
	defer span.End()

	host := target.URL.Hostname()
	if r.p.limiter != nil {
		if err := r.p.limiter.Wait(ctx, host); err != nil {
			err = mdwn.Wrap(mdwn.KindTimeout, err, "waiting to fetch from %s", host)
			recordError(span, err)
			return mdwn.FetchOutcome{}, err
		}
	}

	begin := r.p.clock.Now()
	outcome, err := r.p.fetcher.Fetch(ctx, target)
	if err != nil {
		recordError(span, err)
		return outcome, err
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", outcome.StatusCode),
		attribute.Int("mdwn.body_bytes", len(outcome.Body)),
	)
	final := target.URL
	if outcome.FinalURL != nil {
		final = outcome.FinalURL
	} else {
		outcome.FinalURL = final
	}
	r.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Host:        final.Hostname(),
		URL:         final.Redacted(),
		Bytes:       int64(len(outcome.Body)),
		StatusClass: progress.ClassifyStatus(outcome.StatusCode),
		Dur:         nonNegative(r.p.clock.Now().Sub(begin)),
	})
	return outcome, nil
}

func (r *resolution) extract(ctx context.Context, body []byte, base *url.URL) (string, error) {
	ctx, span := r.p.tracer.Start(ctx, "mdwn.extract", trace.WithAttributes(
		attribute.Int("mdwn.body_bytes", len(body)),
	))
	defer span.End()
	markdown, err := r.p.extractor.Extract(ctx, body, base)
	if err != nil {
		recordError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.Int("mdwn.markdown_bytes", len(markdown)))
	return markdown, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(mdwn.KindOf(err)))
}

func (r *resolution) failed(err error) {
	recordError(r.span, err)
	kind := mdwn.KindOf(err)
	if kind == mdwn.KindInternal {
		r.p.logger.Error("resolution failed", zap.String("url", r.url), zap.Error(err))
	}
	r.emit(progress.Event{
		Stage: progress.StageResolveError,
		Kind:  string(kind),
		Dur:   r.elapsed(),
		Note:  err.Error(),
	})
}

func (r *resolution) emit(evt progress.Event) {
	evt.ResolutionID = r.id
	evt.TS = r.p.clock.Now()
	if evt.URL == "" {
		evt.URL = r.url
	}
	evt.Key = r.key
	r.p.events.Emit(evt)
}

func (r *resolution) elapsed() time.Duration {
	return nonNegative(r.p.clock.Now().Sub(r.start))
}

func native(markdown, mediaType, source string) mdwn.Result {
	return mdwn.Result{
		Markdown:    markdown,
		Provenance:  mdwn.ProvenanceNative,
		ContentType: mediaType,
		SourceURL:   source,
	}
}

// declaredText reports whether an unsupported response is nonetheless plain
// readable text. JSON and HTML keep their own failure reasons.
func declaredText(c classify.Classification, body []byte) bool {
	if c.MediaType == "application/json" || strings.HasSuffix(c.MediaType, "+json") {
		return false
	}
	return len(body) > 0 && utf8.Valid(body)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

var _ mdwn.Resolver = (*Pipeline)(nil)
