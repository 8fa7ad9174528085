// Package normalize turns user-pasted text into a canonical absolute URL.
package normalize

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"mediagrab/internal/failure"
)

// embeddedURL finds a link inside share text such as
// "7.43 复制打开抖音，看看【作品】 https://v.douyin.com/iRNBho6u/ 复制此链接".
var embeddedURL = regexp.MustCompile(`(?i)https?://[^\s]+`)

// trailing punctuation that share texts glue onto links.
const trailingJunk = `.,;:!?)]}>"'，。；：！？）】》」』`

// StripControl removes control and zero-width characters.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\u200b', r == '\u200c', r == '\u200d', r == '\ufeff':
			return -1
		case unicode.IsControl(r) && r != ' ':
			// Tabs and newlines separate tokens in pasted text.
			if r == '\t' || r == '\n' || r == '\r' {
				return ' '
			}
			return -1
		}
		return r
	}, s)
}

// Normalize strips control characters, extracts the first link from share
// text, adds a default https scheme and validates the result.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(StripControl(raw))
	if s == "" {
		return "", failure.New(failure.InvalidURL, "empty URL")
	}

	if m := embeddedURL.FindString(s); m != "" {
		s = strings.TrimRight(m, trailingJunk)
	} else if strings.ContainsAny(s, " ") {
		return "", failure.Newf(failure.InvalidURL, "no link found in %q", truncate(s, 64))
	}

	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(s, "://") {
			return "", failure.Newf(failure.InvalidURL, "unsupported scheme in %q", truncate(s, 64))
		}
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", failure.Wrap(failure.InvalidURL, err, "malformed URL")
	}
	if u.Host == "" {
		return "", failure.New(failure.InvalidURL, "URL has no host")
	}
	return u.String(), nil
}

// IsValid reports whether raw normalizes without error.
func IsValid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
