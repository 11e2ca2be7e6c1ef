// Package classify decides what a fetched response means for markdown
// resolution: native markdown, a pointer to a markdown URL, inline markdown
// carried in JSON, HTML that needs extraction, or something unsupported.
package classify

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/skolhustick/mdwnio/internal/mdwn"
)

// Kind enumerates the classification outcomes.
type Kind int

// Classification outcomes.
const (
	Unsupported Kind = iota
	NativePassthrough
	PointerToURL
	InlineMarkdown
	RequiresExtraction
)

func (k Kind) String() string {
	switch k {
	case NativePassthrough:
		return "native_passthrough"
	case PointerToURL:
		return "pointer"
	case InlineMarkdown:
		return "inline_markdown"
	case RequiresExtraction:
		return "requires_extraction"
	default:
		return "unsupported"
	}
}

// Classification is the single verdict produced for a FetchOutcome.
type Classification struct {
	Kind Kind
	// MediaType is the normalized media type (parameters stripped, lower-case).
	MediaType string
	// Markdown is set for NativePassthrough and InlineMarkdown.
	Markdown string
	// Pointer is set for PointerToURL; it has not been validated yet.
	Pointer *url.URL
	// Base is the URL relative links resolve against: the response URL, or
	// the document's <base href> for HTML.
	Base *url.URL
	// Reason explains an Unsupported verdict.
	Reason string
}

var markdownTypes = map[string]bool{
	"text/markdown":   true,
	"text/x-markdown": true,
}

// Classify inspects the media type and body of outcome.
func Classify(outcome mdwn.FetchOutcome) Classification {
	mt := MediaType(outcome.ContentType, outcome.Body)
	c := Classification{MediaType: mt, Base: outcome.FinalURL}

	switch {
	case markdownTypes[mt] || mt == "text/plain":
		c.Kind = NativePassthrough
		c.Markdown = Text(outcome.Body)
	case mt == "text/html" || mt == "application/xhtml+xml":
		return classifyHTML(c, outcome.Body)
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return classifyJSON(c, outcome.Body)
	default:
		c.Kind = Unsupported
		c.Reason = "content type " + quoteOrNone(mt) + " cannot be converted to markdown"
	}
	return c
}

// MediaType normalizes a Content-Type header. When the header is absent the
// body is sniffed.
func MediaType(header string, body []byte) string {
	header = strings.TrimSpace(header)
	if header == "" {
		if len(body) == 0 {
			return ""
		}
		header = http.DetectContentType(body)
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		mt, _, _ = strings.Cut(header, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// Text returns body as a string with invalid UTF-8 sequences replaced.
func Text(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	return strings.ToValidUTF8(string(body), "�")
}

// classifyHTML looks for a markdown alternate link. It streams tokens rather
// than building a tree, so its cost stays linear in the body size however
// deeply the markup nests.
func classifyHTML(c Classification, body []byte) Classification {
	c.Kind = RequiresExtraction
	var (
		baseHref   string
		baseSeen   bool
		alternates []string
	)

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if !hasAttr {
			continue
		}
		switch string(name) {
		case "base":
			if href, ok := attributes(z)["href"]; ok && !baseSeen {
				baseHref, baseSeen = href, true
			}
		case "link":
			attrs := attributes(z)
			href, ok := attrs["href"]
			if !ok || !hasToken(attrs["rel"], "alternate") {
				continue
			}
			typ, _, _ := strings.Cut(attrs["type"], ";")
			if markdownTypes[strings.ToLower(strings.TrimSpace(typ))] {
				alternates = append(alternates, href)
			}
		}
	}

	if baseSeen && c.Base != nil {
		if base, err := c.Base.Parse(strings.TrimSpace(baseHref)); err == nil && isHTTP(base) {
			c.Base = base
		}
	}
	for _, href := range alternates {
		if ptr := resolve(c.Base, href); ptr != nil {
			c.Kind = PointerToURL
			c.Pointer = ptr
			break
		}
	}
	return c
}

// attributes collects the current tag's attributes. The first occurrence of
// a repeated name wins, as in the HTML parser.
func attributes(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string, 4)
	for {
		key, val, more := z.TagAttr()
		if _, dup := attrs[string(key)]; !dup {
			attrs[string(key)] = string(val)
		}
		if !more {
			return attrs
		}
	}
}

func classifyJSON(c Classification, body []byte) Classification {
	c.Kind = Unsupported
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		c.Reason = "JSON body is not an object"
		return c
	}

	for _, field := range []string{"mdwn", "markdown"} {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			c.Reason = "JSON field " + field + " is not a string"
			return c
		}
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			c.Reason = "JSON field " + field + " is empty"
			return c
		}
		if looksLikeURL(trimmed) {
			if ptr := resolve(c.Base, trimmed); ptr != nil {
				c.Kind = PointerToURL
				c.Pointer = ptr
				return c
			}
		}
		c.Kind = InlineMarkdown
		c.Markdown = value
		return c
	}
	c.Reason = "JSON object has no mdwn or markdown field"
	return c
}

// looksLikeURL accepts absolute http(s) URLs and root-relative paths. A bare
// "/" followed by whitespace or a second "/" is treated as markdown text.
func looksLikeURL(s string) bool {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return !strings.ContainsAny(s, " \t\n")
	}
	if strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//") {
		return !strings.ContainsAny(s, " \t\n")
	}
	return false
}

func resolve(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil
	}
	var (
		u   *url.URL
		err error
	)
	if base != nil {
		u, err = base.Parse(href)
	} else {
		u, err = url.Parse(href)
	}
	if err != nil || !isHTTP(u) {
		return nil
	}
	u.Fragment = ""
	return u
}

func isHTTP(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}

func hasToken(list, token string) bool {
	for _, field := range strings.Fields(list) {
		if strings.EqualFold(field, token) {
			return true
		}
	}
	return false
}

func quoteOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return `"` + s + `"`
}
