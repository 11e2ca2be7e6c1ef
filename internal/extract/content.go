package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var mainSelectors = []string{"main", "article", "[role=main]"}

const boilerplateTags = "nav, header, footer, aside, script, style, noscript, template, " +
	"iframe, object, embed, form, input, button, select, svg"

var boilerplateClasses = []string{
	"nav", "navbar", "navigation", "sidebar", "menu", "toc",
	"table-of-contents", "footer", "header", "ad", "advertisement",
	"social", "share", "comments", "related", "breadcrumb", "cookie-banner",
}

// mainContent isolates the primary content of a page when readability
// scoring produced nothing: the first main/article/[role=main] element, or
// the body with navigation and boilerplate removed.
func mainContent(doc *goquery.Document) (string, error) {
	for _, selector := range mainSelectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 && strings.TrimSpace(sel.Text()) != "" {
			sel.Find("script, style, noscript, template").Remove()
			return goquery.OuterHtml(sel)
		}
	}

	body := doc.Find("body").First()
	body.Find(boilerplateTags).Remove()
	body.Find("[class]").Each(func(_ int, s *goquery.Selection) {
		for _, class := range strings.Fields(s.AttrOr("class", "")) {
			if isBoilerplateClass(class) {
				s.Remove()
				return
			}
		}
	})
	return body.Html()
}

func isBoilerplateClass(class string) bool {
	class = strings.ToLower(class)
	for _, bp := range boilerplateClasses {
		if class == bp {
			return true
		}
	}
	return false
}

// pageTitle prefers og:title, then <title>, then the first <h1>.
func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if t := collapseSpace(og); t != "" {
			return t
		}
	}
	if t := collapseSpace(doc.Find("head title").First().Text()); t != "" {
		return t
	}
	return collapseSpace(doc.Find("h1").First().Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
