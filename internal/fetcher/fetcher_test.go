package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skolhustick/mdwnio/internal/mdwn"
	"github.com/skolhustick/mdwnio/internal/ssrf"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return addrs, nil
}

// loopbackValidator allows loopback test servers while still blocking 10/8.
func loopbackValidator() *ssrf.Validator {
	loopback := []netip.Addr{netip.MustParseAddr("127.0.0.1")}
	return ssrf.NewValidator(staticResolver{
		"origin.test":        loopback,
		"other.test":         loopback,
		"xn--bcher-kva.test": loopback,
		"evil.test":          {netip.MustParseAddr("10.0.0.7")},
	}, netip.MustParsePrefix("10.0.0.0/8"))
}

// hostURL rewrites an httptest URL to use the given hostname.
func hostURL(t *testing.T, srv *httptest.Server, host, path string) *url.URL {
	t.Helper()
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	base.Host = host + ":" + base.Port()
	base.Path = path
	return base
}

func fetchURL(t *testing.T, f *Fetcher, u *url.URL) (mdwn.FetchOutcome, error) {
	t.Helper()
	target, err := loopbackValidator().Validate(context.Background(), u)
	require.NoError(t, err)
	return f.Fetch(context.Background(), target)
}

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte("# Hello\n"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "mdwn-test/1.0"}, loopbackValidator(), zap.NewNop())
	outcome, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/doc.md"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.Equal(t, "text/markdown; charset=utf-8", outcome.ContentType)
	require.Equal(t, "# Hello\n", string(outcome.Body))
	require.Equal(t, "/doc.md", outcome.FinalURL.Path)
	require.Zero(t, outcome.Redirects)
	got := <-headers
	require.Equal(t, "mdwn-test/1.0", got.Get("User-Agent"))
	require.True(t, strings.HasPrefix(got.Get("Accept"), "text/markdown"))
}

func TestFetchInternationalizedHost(t *testing.T) {
	t.Parallel()

	hosts := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts <- r.Host
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = w.Write([]byte("# Bücher\n"))
	}))
	defer srv.Close()

	f := New(Config{}, loopbackValidator(), zap.NewNop())
	outcome, err := fetchURL(t, f, hostURL(t, srv, "bücher.test", "/a.md"))
	require.NoError(t, err)
	require.Equal(t, "# Bücher\n", string(outcome.Body))
	require.Equal(t, "xn--bcher-kva.test", outcome.FinalURL.Hostname())
	require.True(t, strings.HasPrefix(<-hosts, "xn--bcher-kva.test:"))
}

// chainServer redirects /hop/N to /hop/N-1 until /hop/0 which serves content.
func chainServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if n == 0 {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("arrived"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	}))
}

func TestFetchFollowsExactlyMaxRedirects(t *testing.T) {
	t.Parallel()

	srv := chainServer()
	defer srv.Close()

	f := New(Config{MaxRedirects: 3}, loopbackValidator(), nil)
	outcome, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/hop/3"))
	require.NoError(t, err)
	require.Equal(t, "arrived", string(outcome.Body))
	require.Equal(t, 3, outcome.Redirects)
	require.Equal(t, "/hop/0", outcome.FinalURL.Path)
}

func TestFetchFailsOnePastMaxRedirects(t *testing.T) {
	t.Parallel()

	srv := chainServer()
	defer srv.Close()

	f := New(Config{MaxRedirects: 3}, loopbackValidator(), nil)
	_, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/hop/4"))
	require.True(t, mdwn.IsKind(err, mdwn.KindTooManyRedirects), "got %v", err)
}

func TestFetchRevalidatesRedirectTargets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/literal":
			http.Redirect(w, r, "http://10.0.0.1/admin", http.StatusMovedPermanently)
		case "/hostname":
			http.Redirect(w, r, "http://evil.test/", http.StatusTemporaryRedirect)
		case "/scheme":
			http.Redirect(w, r, "file:///etc/passwd", http.StatusFound)
		}
	}))
	defer srv.Close()

	f := New(Config{}, loopbackValidator(), nil)

	_, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/literal"))
	require.True(t, mdwn.IsKind(err, mdwn.KindBlocked), "got %v", err)

	_, err = fetchURL(t, f, hostURL(t, srv, "origin.test", "/hostname"))
	require.True(t, mdwn.IsKind(err, mdwn.KindBlocked), "got %v", err)

	_, err = fetchURL(t, f, hostURL(t, srv, "origin.test", "/scheme"))
	require.True(t, mdwn.IsKind(err, mdwn.KindInvalidTarget), "got %v", err)
}

func TestFetchFollowsCrossHostRedirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "origin.test" || strings.HasPrefix(r.Host, "origin.test:") {
			target := *r.URL
			target.Scheme = "http"
			target.Host = strings.Replace(r.Host, "origin.test", "other.test", 1)
			target.Path = "/moved"
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("moved " + r.URL.Path))
	}))
	defer srv.Close()

	f := New(Config{}, loopbackValidator(), nil)
	outcome, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/start"))
	require.NoError(t, err)
	require.Equal(t, "moved /moved", string(outcome.Body))
	require.Equal(t, "other.test", outcome.FinalURL.Hostname())
	require.Equal(t, 1, outcome.Redirects)
}

func TestFetchRejectsDeclaredOversizeBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "2048")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := New(Config{MaxContentLength: 1024}, loopbackValidator(), nil)
	_, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/big"))
	require.True(t, mdwn.IsKind(err, mdwn.KindTooLarge), "got %v", err)
}

func TestFetchRejectsStreamedOversizeBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)
		for range 4 {
			_, _ = w.Write(make([]byte, 512))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	f := New(Config{MaxContentLength: 1024}, loopbackValidator(), nil)
	_, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/stream"))
	require.True(t, mdwn.IsKind(err, mdwn.KindTooLarge), "got %v", err)
}

func TestFetchAcceptsBodyAtExactLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 1024)))
	}))
	defer srv.Close()

	f := New(Config{MaxContentLength: 1024}, loopbackValidator(), nil)
	outcome, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/exact"))
	require.NoError(t, err)
	require.Len(t, outcome.Body, 1024)
}

func TestFetchTimesOut(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 100 * time.Millisecond}, loopbackValidator(), nil)
	start := time.Now()
	_, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/slow"))
	require.True(t, mdwn.IsKind(err, mdwn.KindTimeout), "got %v", err)
	require.Less(t, time.Since(start), time.Second)
}

func TestFetchReturnsNonSuccessStatusWithoutBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone fishing", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{}, loopbackValidator(), nil)
	outcome, err := fetchURL(t, f, hostURL(t, srv, "origin.test", "/missing"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, outcome.StatusCode)
	require.False(t, outcome.Success())
	require.Empty(t, outcome.Body)
}

func TestFetchUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	u := hostURL(t, srv, "origin.test", "/")
	srv.Close()

	f := New(Config{}, loopbackValidator(), nil)
	_, err := fetchURL(t, f, u)
	require.True(t, mdwn.IsKind(err, mdwn.KindUnreachable), "got %v", err)
}

func TestPinnedDialerRefusesUnpinnedConnections(t *testing.T) {
	t.Parallel()

	f := New(Config{}, loopbackValidator(), nil)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	resp, err := f.client.Get(srv.URL)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.True(t, mdwn.IsKind(err, mdwn.KindBlocked), "got %v", err)
}

func TestPinnedDialerRefusesHostMismatch(t *testing.T) {
	t.Parallel()

	d := &pinnedDialer{}
	target, err := loopbackValidator().Validate(context.Background(), &url.URL{Scheme: "http", Host: "origin.test"})
	require.NoError(t, err)

	_, err = d.DialContext(withPin(context.Background(), target), "tcp", "other.test:80")
	require.True(t, mdwn.IsKind(err, mdwn.KindBlocked), "got %v", err)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultUserAgent, cfg.UserAgent)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
	require.EqualValues(t, DefaultMaxContentLength, cfg.MaxContentLength)
	require.Equal(t, DefaultMaxRedirects, cfg.MaxRedirects)
	require.Zero(t, Config{MaxRedirects: -1}.withDefaults().MaxRedirects)
}
