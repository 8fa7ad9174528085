// Package extract pulls a platform's canonical content ID out of a URL using
// an ordered chain of strategies. The first strategy that matches wins.
package extract

import (
	"net/url"
	"regexp"

	"mediagrab/internal/failure"
	"mediagrab/internal/media"
)

// Extractor finds a content ID in a URL.
type Extractor interface {
	Name() string
	Extract(u *url.URL, raw string) (string, bool)
}

// PathPattern matches the first capture group of re against the URL path.
type PathPattern struct {
	re *regexp.Regexp
}

func (p PathPattern) Name() string { return "path" }

func (p PathPattern) Extract(u *url.URL, _ string) (string, bool) {
	if u == nil {
		return "", false
	}
	m := p.re.FindStringSubmatch(u.Path)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// QueryParam returns the first non-empty value among the given query keys.
type QueryParam struct {
	keys []string
}

func (q QueryParam) Name() string { return "query" }

func (q QueryParam) Extract(u *url.URL, _ string) (string, bool) {
	if u == nil {
		return "", false
	}
	values := u.Query()
	for _, k := range q.keys {
		if v := values.Get(k); v != "" {
			return v, true
		}
	}
	return "", false
}

// Fallback matches re against the whole input string. A capture group, if
// present, is returned instead of the full match.
type Fallback struct {
	re *regexp.Regexp
}

func (f Fallback) Name() string { return "fallback" }

func (f Fallback) Extract(_ *url.URL, raw string) (string, bool) {
	m := f.re.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	if len(m) > 1 && m[1] != "" {
		return m[1], true
	}
	return m[0], m[0] != ""
}

// Chain runs extractors in order.
type Chain []Extractor

// validID bounds what any strategy may hand to an upstream request.
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Extract returns the content ID and the name of the strategy that found it.
func (c Chain) Extract(raw string) (id, strategy string, err error) {
	u, _ := url.Parse(raw)
	for _, e := range c {
		if v, ok := e.Extract(u, raw); ok && validID.MatchString(v) {
			return v, e.Name(), nil
		}
	}
	return "", "", failure.Newf(failure.InvalidIdentifier, "no content ID found in %q", raw)
}

var (
	bilibiliChain = Chain{
		PathPattern{regexp.MustCompile(`/video/([^/?#]+)`)},
		QueryParam{[]string{"bvid"}},
		Fallback{regexp.MustCompile(`BV[a-zA-Z0-9]+`)},
	}
	douyinChain = Chain{
		PathPattern{regexp.MustCompile(`/(?:video|note)/(\d+)`)},
		QueryParam{[]string{"modal_id", "aweme_id"}},
		Fallback{regexp.MustCompile(`^https?://(?:v\.douyin\.com|dy\.to)/([A-Za-z0-9_-]{6,})/?$`)},
	}
)

// For returns the strategy chain for a platform.
func For(p media.Platform) Chain {
	switch p {
	case media.Bilibili:
		return bilibiliChain
	case media.Douyin:
		return douyinChain
	default:
		return nil
	}
}

// ContentID is a convenience wrapper around For(p).Extract.
func ContentID(p media.Platform, raw string) (string, error) {
	chain := For(p)
	if chain == nil {
		return "", failure.Newf(failure.UnsupportedPlatform, "no extractor for platform %s", p)
	}
	id, _, err := chain.Extract(raw)
	return id, err
}
