// Package shortlink expands platform short links (b23.tv, v.douyin.com,
// dy.to) into their canonical landing URLs.
package shortlink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"mediagrab/internal/failure"
	"mediagrab/internal/httputil"
	xlog "mediagrab/internal/log"
)

var shortHosts = map[string]bool{
	"b23.tv":       true,
	"v.douyin.com": true,
	"dy.to":        true,
}

// maxPage bounds how much of a landing page is parsed.
const maxPage = 2 * 1024 * 1024

// IsShortLink reports whether raw points at a known short-link host.
func IsShortLink(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return shortHosts[strings.ToLower(u.Hostname())]
}

// Expander resolves short links by following redirects and, when the final
// page still does not carry a usable URL, reading the landing page's
// canonical link, og:url or meta refresh.
type Expander struct {
	client httputil.Doer
	log    zerolog.Logger
}

// NewExpander returns an Expander using client.
func NewExpander(client httputil.Doer) *Expander {
	return &Expander{client: client, log: xlog.WithComponent("shortlink")}
}

// Expand returns the expanded URL for raw.
func (e *Expander) Expand(ctx context.Context, raw string) (string, error) {
	resp, err := httputil.Get(ctx, e.client, raw, map[string]string{
		"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	})
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", raw, err)
	}
	defer resp.Body.Close()

	final := raw
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	if !IsShortLink(final) {
		e.log.Debug().Str(xlog.FieldURL, raw).Str("expanded", final).Msg("short link expanded by redirect")
		return final, nil
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		return "", failure.Newf(failure.InvalidIdentifier, "short link %s did not redirect to a content page", raw)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPage))
	if err != nil {
		return "", fmt.Errorf("parsing landing page: %w", err)
	}
	target := landingURL(doc)
	if target == "" {
		return "", failure.Newf(failure.InvalidIdentifier, "short link %s did not resolve to a content page", raw)
	}
	abs, err := resolveReference(final, target)
	if err != nil {
		return "", failure.Wrap(failure.InvalidIdentifier, err, "short link landing page has a malformed URL")
	}
	e.log.Debug().Str(xlog.FieldURL, raw).Str("expanded", abs).Msg("short link expanded from landing page")
	return abs, nil
}

// landingURL extracts the content URL a landing page points at.
func landingURL(doc *goquery.Document) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		return strings.TrimSpace(href)
	}
	if content, ok := doc.Find(`meta[property="og:url"]`).First().Attr("content"); ok && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content)
	}
	var refresh string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
			return true
		}
		refresh = refreshTarget(s.AttrOr("content", ""))
		return refresh == ""
	})
	return refresh
}

// refreshTarget parses "5; url=https://..." into the URL part.
func refreshTarget(content string) string {
	_, after, ok := strings.Cut(content, ";")
	if !ok {
		return ""
	}
	after = strings.TrimSpace(after)
	if len(after) < 4 || !strings.EqualFold(after[:4], "url=") {
		return ""
	}
	return strings.Trim(strings.TrimSpace(after[4:]), `'"`)
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
