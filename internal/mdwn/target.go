package mdwn

import (
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

var (
	collapsedScheme = regexp.MustCompile(`(?i)^(https?):/+`)
	escapedScheme   = regexp.MustCompile(`(?i)^https?%3A`)
)

// ParseTarget turns the caller-supplied path segment (and optional raw query)
// into an absolute http(s) URL. Schemeless input defaults to https, a URL
// whose scheme arrives escaped ("https%3A%2F%2F...") is decoded once, and a
// scheme whose double slash was collapsed by an intermediary ("https:/host")
// is repaired. Any other percent-encoding is passed through untouched.
func ParseTarget(raw, rawQuery string) (*url.URL, error) {
	s := strings.TrimSpace(strings.TrimLeft(raw, "/"))
	if s == "" {
		return nil, Errorf(KindInvalidTarget, "missing target url")
	}
	if escapedScheme.MatchString(s) {
		if decoded, err := url.PathUnescape(s); err == nil {
			s = decoded
		}
	}
	s = collapsedScheme.ReplaceAllString(s, "$1://")
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	if rawQuery != "" {
		sep := "?"
		if strings.Contains(s, "?") {
			sep = "&"
		}
		s += sep + rawQuery
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, Wrap(KindInvalidTarget, err, "cannot parse %q", s)
	}
	if err := CheckURL(u); err != nil {
		return nil, err
	}
	if err := ASCIIHost(u); err != nil {
		return nil, err
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// CheckURL enforces the structural rules every fetchable URL obeys: an http or
// https scheme, a host, and no embedded credentials. It does not resolve DNS.
func CheckURL(u *url.URL) error {
	if u == nil {
		return Errorf(KindInvalidTarget, "missing target url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return Errorf(KindInvalidTarget, "unsupported scheme %q: only http and https are allowed", u.Scheme)
	}
	if u.User != nil {
		return Errorf(KindInvalidTarget, "credentials in url are not allowed")
	}
	if u.Hostname() == "" {
		return Errorf(KindInvalidTarget, "url has no host")
	}
	return nil
}

// ASCIIHost rewrites an internationalized hostname in u to its punycode
// form, the name resolvers and the HTTP transport actually use.
func ASCIIHost(u *url.URL) error {
	host := u.Hostname()
	if isASCII(host) {
		return nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return Wrap(KindInvalidTarget, err, "invalid host %q", host)
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(ascii, port)
	} else {
		u.Host = ascii
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// NormalizeKey derives the cache key for u: lower-case scheme and host,
// default ports removed, fragment dropped, trailing slash collapsed. The
// query string is kept verbatim so parameter order stays significant.
func NormalizeKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}
	path := strings.TrimRight(u.EscapedPath(), "/")

	var b strings.Builder
	b.Grow(len(scheme) + len(host) + len(path) + len(u.RawQuery) + 4)
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}
