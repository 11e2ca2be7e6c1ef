package extract

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// shellVerdict explains why a document was judged to be a script shell.
type shellVerdict struct {
	words   int
	markers []string
	dense   bool
}

func (v shellVerdict) reason() string {
	var b strings.Builder
	b.WriteString("page has too little text to extract")
	if len(v.markers) > 0 || v.dense {
		b.WriteString(" and appears to be rendered client-side")
		if len(v.markers) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(v.markers, ", "))
			b.WriteString(")")
		}
	}
	return b.String()
}

// detectShell counts the visible words in the document body. Pages at or
// below maxWords are treated as JavaScript shells that would only yield
// boilerplate.
func detectShell(doc *goquery.Document, raw []byte, maxWords int) (shellVerdict, bool) {
	words := visibleWords(doc)
	if words > maxWords {
		return shellVerdict{}, false
	}
	v := shellVerdict{words: words, dense: scriptDensityHigh(raw)}
	for _, marker := range spaMarkers {
		if bytes.Contains(raw, marker) {
			v.markers = append(v.markers, string(marker))
		}
	}
	return v, true
}

func visibleWords(doc *goquery.Document) int {
	body := doc.Find("body").First().Clone()
	body.Find("script, style, noscript, template, svg").Remove()
	count := 0
	for _, field := range strings.Fields(body.Text()) {
		if strings.IndexFunc(field, isWordRune) >= 0 {
			count++
		}
	}
	return count
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the raw document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
