// Package fetcher retrieves validated targets over HTTP with a hard timeout,
// a response size cap, and manually followed redirects that are re-validated
// on every hop.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/skolhustick/mdwnio/internal/mdwn"
	"github.com/skolhustick/mdwnio/internal/ssrf"
)

// Defaults applied when Config fields are left zero.
const (
	DefaultUserAgent        = "mdwn.io/1.0 (+https://mdwn.io)"
	DefaultTimeout          = 10 * time.Second
	DefaultMaxContentLength = 10 * 1024 * 1024
	DefaultMaxRedirects     = 5

	acceptHeader = "text/markdown, text/x-markdown;q=0.95, text/html;q=0.9, " +
		"application/xhtml+xml;q=0.9, application/json;q=0.8, text/plain;q=0.7, */*;q=0.5"
)

// Config controls outbound request behavior.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	MaxContentLength int64
	// MaxRedirects is the number of redirects followed; one more fails.
	// Negative values disable redirects entirely.
	MaxRedirects int
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxRedirects < 0 {
		c.MaxRedirects = 0
	}
	return c
}

// Validator re-checks every redirect hop. *ssrf.Validator satisfies it.
type Validator interface {
	Validate(ctx context.Context, u *url.URL) (ssrf.Target, error)
}

// Fetcher performs bounded GET requests against validated targets.
type Fetcher struct {
	cfg       Config
	validator Validator
	client    *http.Client
	logger    *zap.Logger
}

// New builds a Fetcher sharing one pinned transport across requests.
func New(cfg Config, validator Validator, logger *zap.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		validator: validator,
		client: &http.Client{
			Transport: newHTTPTransport(cfg.Timeout),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Config returns the effective configuration after defaults.
func (f *Fetcher) Config() Config {
	return f.cfg
}

// Fetch retrieves target. One timeout covers the whole exchange including
// redirects. Non-2xx final responses are returned as outcomes without a body;
// callers decide how to surface them.
func (f *Fetcher) Fetch(ctx context.Context, target ssrf.Target) (mdwn.FetchOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	redirects := 0
	for {
		resp, err := f.do(ctx, target)
		if err != nil {
			return mdwn.FetchOutcome{}, classifyError(ctx, err, target.URL)
		}

		location := resp.Header.Get("Location")
		if isRedirect(resp.StatusCode) && location != "" {
			drain(resp.Body)
			if redirects >= f.cfg.MaxRedirects {
				return mdwn.FetchOutcome{}, mdwn.Errorf(mdwn.KindTooManyRedirects,
					"more than %d redirects starting from %s", f.cfg.MaxRedirects, target.URL.Redacted())
			}
			next, err := target.URL.Parse(location)
			if err != nil {
				return mdwn.FetchOutcome{}, mdwn.Wrap(mdwn.KindUnreachable, err, "invalid redirect location %q", location)
			}
			next.Fragment = ""
			f.logger.Debug("following redirect",
				zap.String("from", target.URL.String()),
				zap.String("to", next.String()),
				zap.Int("hop", redirects+1),
			)
			target, err = f.validator.Validate(ctx, next)
			if err != nil {
				return mdwn.FetchOutcome{}, err
			}
			redirects++
			continue
		}

		return f.readOutcome(ctx, resp, target.URL, redirects)
	}
}

func (f *Fetcher) do(ctx context.Context, target ssrf.Target) (*http.Response, error) {
	req, err := http.NewRequestWithContext(withPin(ctx, target), http.MethodGet, target.URL.String(), nil)
	if err != nil {
		return nil, mdwn.Wrap(mdwn.KindInvalidTarget, err, "build request for %s", target.URL.Redacted())
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", acceptHeader)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target.URL.Redacted(), err)
	}
	return resp, nil
}

func (f *Fetcher) readOutcome(ctx context.Context, resp *http.Response, final *url.URL, redirects int) (mdwn.FetchOutcome, error) {
	defer drain(resp.Body)

	outcome := mdwn.FetchOutcome{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    final,
		Redirects:   redirects,
	}
	if !outcome.Success() {
		return outcome, nil
	}

	limit := f.cfg.MaxContentLength
	if resp.ContentLength > limit {
		return mdwn.FetchOutcome{}, mdwn.Errorf(mdwn.KindTooLarge,
			"content length %d exceeds limit of %d bytes", resp.ContentLength, limit)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return mdwn.FetchOutcome{}, classifyError(ctx, err, final)
	}
	if int64(len(body)) > limit {
		return mdwn.FetchOutcome{}, mdwn.Errorf(mdwn.KindTooLarge, "response body exceeds limit of %d bytes", limit)
	}
	outcome.Body = body
	return outcome, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// drain discards a bounded remainder so the connection can be reused, then closes.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

func classifyError(ctx context.Context, err error, u *url.URL) error {
	var me *mdwn.Error
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return mdwn.Wrap(mdwn.KindTimeout, err, "fetching %s timed out", u.Redacted())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return mdwn.Wrap(mdwn.KindTimeout, err, "fetching %s timed out", u.Redacted())
	}
	return mdwn.Wrap(mdwn.KindUnreachable, err, "fetching %s failed", u.Redacted())
}
