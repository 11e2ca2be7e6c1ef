// Package extract derives markdown from HTML articles: a readability pass
// isolates the primary content, html-to-markdown converts it, and the result
// is tidied and labelled as converted.
package extract

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/skolhustick/mdwnio/internal/mdwn"
)

// ConversionNotice heads every converted document.
const ConversionNotice = "<!-- mdwn.io: Converted from HTML. Original may have richer formatting. -->"

// DefaultShellMaxWords is the visible word count at or below which a page is
// treated as a script shell.
const DefaultShellMaxWords = 20

var blankRuns = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)

// Config tunes extraction.
type Config struct {
	// ShellMaxWords rejects documents whose body has at most this many words.
	ShellMaxWords int
	// MaxElements bounds the number of elements a document may hold.
	MaxElements int
	// MaxDepth bounds element nesting.
	MaxDepth int
}

// Extractor converts HTML documents to markdown. It holds no per-call state
// and is safe for concurrent use.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.ShellMaxWords <= 0 {
		cfg.ShellMaxWords = DefaultShellMaxWords
	}
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = DefaultMaxElements
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// Extract returns markdown for the primary content of body. base resolves
// relative links and images. Documents over the element or depth limits and
// documents without readable content fail with KindExtractionFailed; a done
// ctx stops work between stages with KindTimeout.
func (e *Extractor) Extract(ctx context.Context, body []byte, base *url.URL) (string, error) {
	if base == nil {
		base = &url.URL{}
	}
	if err := checkShape(ctx, body, e.cfg.MaxDepth, e.cfg.MaxElements); err != nil {
		return "", err
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", mdwn.Wrap(mdwn.KindExtractionFailed, err, "cannot parse HTML")
	}
	if err := ctx.Err(); err != nil {
		return "", interrupted(err)
	}
	doc := goquery.NewDocumentFromNode(root)

	if verdict, shell := detectShell(doc, body, e.cfg.ShellMaxWords); shell {
		return "", mdwn.Errorf(mdwn.KindExtractionFailed, "%s (%d words)", verdict.reason(), verdict.words)
	}
	title := pageTitle(doc)

	content, articleTitle := e.readable(root, base)
	if articleTitle != "" {
		title = collapseSpace(articleTitle)
	}
	if err := ctx.Err(); err != nil {
		return "", interrupted(err)
	}
	if content == "" {
		fresh, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return "", mdwn.Wrap(mdwn.KindExtractionFailed, err, "cannot parse HTML")
		}
		content, err = mainContent(fresh)
		if err != nil {
			return "", mdwn.Wrap(mdwn.KindExtractionFailed, err, "cannot isolate main content")
		}
	}

	markdown, err := newConverter(base).ConvertString(content)
	if err != nil {
		return "", mdwn.Wrap(mdwn.KindExtractionFailed, err, "cannot convert HTML to markdown")
	}
	if err := ctx.Err(); err != nil {
		return "", interrupted(err)
	}
	markdown = clean(markdown)
	if strings.TrimSpace(markdown) == "" {
		return "", mdwn.Errorf(mdwn.KindExtractionFailed, "no readable content found")
	}
	return compose(title, markdown), nil
}

// readable runs readability scoring and returns the article HTML and title.
// An empty string means readability found nothing worth keeping.
func (e *Extractor) readable(root *html.Node, base *url.URL) (string, string) {
	parser := readability.NewParser()
	parser.MaxElemsToParse = e.cfg.MaxElements
	article, err := parser.ParseDocument(root, base)
	if err != nil {
		e.logger.Debug("readability failed, using main-content heuristic",
			zap.String("url", base.String()),
			zap.Error(err),
		)
		return "", ""
	}
	if strings.TrimSpace(article.TextContent) == "" {
		return "", article.Title
	}
	return article.Content, article.Title
}

func newConverter(base *url.URL) *md.Converter {
	conv := md.NewConverter(base.Host, true, &md.Options{
		CodeBlockStyle: "fenced",
		GetAbsoluteURL: func(_ *goquery.Selection, rawURL, _ string) string {
			return absolute(base, rawURL)
		},
	})
	conv.Use(plugin.GitHubFlavored())
	return conv
}

func absolute(base *url.URL, rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || base.Host == "" || strings.HasPrefix(rawURL, "#") {
		return rawURL
	}
	ref, err := url.Parse(rawURL)
	if err != nil || ref.Scheme == "data" || ref.Scheme == "mailto" {
		return rawURL
	}
	return base.ResolveReference(ref).String()
}

// clean collapses runs of blank lines to one, trims trailing whitespace on
// every line, and ends the document with a single newline.
func clean(markdown string) string {
	markdown = strings.ReplaceAll(markdown, "\r\n", "\n")
	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	markdown = strings.Join(lines, "\n")
	markdown = blankRuns.ReplaceAllString(markdown, "\n\n")
	markdown = strings.Trim(markdown, "\n")
	if markdown == "" {
		return ""
	}
	return markdown + "\n"
}

func compose(title, markdown string) string {
	var b strings.Builder
	b.Grow(len(ConversionNotice) + len(title) + len(markdown) + 8)
	b.WriteString(ConversionNotice)
	b.WriteString("\n\n")
	if title != "" && !startsWithHeading(markdown, title) {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	b.WriteString(markdown)
	return b.String()
}

func startsWithHeading(markdown, title string) bool {
	first, _, _ := strings.Cut(strings.TrimLeft(markdown, "\n"), "\n")
	first = strings.TrimSpace(strings.TrimLeft(first, "#"))
	return strings.EqualFold(first, title)
}
