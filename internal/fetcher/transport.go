package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/skolhustick/mdwnio/internal/mdwn"
	"github.com/skolhustick/mdwnio/internal/ssrf"
)

type pinKey struct{}

// withPin attaches the validated target to ctx so the dialer can enforce it.
func withPin(ctx context.Context, target ssrf.Target) context.Context {
	return context.WithValue(ctx, pinKey{}, target)
}

func pinFrom(ctx context.Context) (ssrf.Target, bool) {
	target, ok := ctx.Value(pinKey{}).(ssrf.Target)
	return target, ok && target.URL != nil
}

// pinnedDialer connects only to addresses recorded in the request's pinned
// Target, so a second DNS answer can never redirect the connection.
type pinnedDialer struct {
	dialer *net.Dialer
}

func (d *pinnedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	target, ok := pinFrom(ctx)
	if !ok {
		return nil, mdwn.Errorf(mdwn.KindBlocked, "refusing unpinned connection to %s", addr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split dial address: %w", err)
	}
	if !strings.EqualFold(strings.Trim(host, "[]"), target.Host()) {
		return nil, mdwn.Errorf(mdwn.KindBlocked, "refusing connection to %s: pinned host is %s", host, target.Host())
	}
	portNum, err := parsePort(port)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range target.Addrs {
		conn, dialErr := d.dialer.DialContext(ctx, network, netip.AddrPortFrom(ip, portNum).String())
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no pinned addresses")
	}
	return nil, lastErr
}

func parsePort(port string) (uint16, error) {
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return uint16(n), nil
}

// newHTTPTransport builds the shared transport. Environment proxies are
// disabled since a proxy would resolve the host on our behalf.
func newHTTPTransport(timeout time.Duration) *http.Transport {
	dialTimeout := timeout
	if dialTimeout <= 0 || dialTimeout > 10*time.Second {
		dialTimeout = 10 * time.Second
	}
	d := &pinnedDialer{dialer: &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           d.DialContext,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
