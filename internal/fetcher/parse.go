package fetcher

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/gavelhound/gavelhound/internal/util"
)

// ParseListingIndex extracts listing detail URLs from an index page using the
// site's index selector. Links are resolved against the page URL, hidden
// elements and non-navigational hrefs are skipped, and duplicates removed
// while preserving document order.
func ParseListingIndex(page *Page, indexSelector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, err
	}

	baseURL := page.FinalURL
	if baseURL == "" {
		baseURL = page.URL
	}

	seen := make(map[string]bool)
	var urls []string

	doc.Find(indexSelector).Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" && !s.Is("a") {
			// Selector matched a container; take its first anchor.
			href = strings.TrimSpace(s.Find("a[href]").First().AttrOr("href", ""))
		}
		if href == "" || href == "#" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		if isElementHidden(s) {
			return
		}

		resolved, err := util.ResolveListingURL(baseURL, href)
		if err != nil {
			log.Debug().
				Str("href", href).
				Str("base", baseURL).
				Msg("Skipping unresolvable listing link")
			return
		}
		if seen[resolved] {
			return
		}
		seen[resolved] = true
		urls = append(urls, resolved)
	})

	log.Debug().
		Str("url", baseURL).
		Int("listings_found", len(urls)).
		Msg("Parsed listing index page")

	return urls, nil
}

// isElementHidden checks inline styles, accessibility attributes and common
// CSS classes. Best effort from raw HTML; external stylesheets are invisible.
func isElementHidden(s *goquery.Selection) bool {
	hidingClasses := []string{
		"hide",
		"hidden",
		"display-none",
		"d-none",
		"invisible",
		"is-hidden",
		"sr-only",
		"visually-hidden",
	}

	for n := s; n.Length() > 0 && !n.Is("body"); n = n.Parent() {
		if ariaHidden, exists := n.Attr("aria-hidden"); exists && ariaHidden == "true" {
			return true
		}
		if style, exists := n.Attr("style"); exists {
			if strings.Contains(style, "display: none") || strings.Contains(style, "visibility: hidden") {
				return true
			}
		}
		for _, class := range hidingClasses {
			if n.HasClass(class) {
				return true
			}
		}
	}

	return false
}
