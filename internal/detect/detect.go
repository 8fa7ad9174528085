// Package detect classifies a URL by platform using additive, independent
// signals. It performs no I/O.
package detect

import (
	"math"
	"regexp"
	"strings"

	"mediagrab/internal/media"
)

// Default confidence thresholds.
const (
	DefaultHighConfidence = 0.8
	DefaultMinConfidence  = 0.3
)

// Band is the downstream interpretation of a confidence score.
type Band int

const (
	Unsupported Band = iota
	Tentative
	Detected
)

func (b Band) String() string {
	switch b {
	case Detected:
		return "detected"
	case Tentative:
		return "tentative"
	default:
		return "unsupported"
	}
}

// Signal is the result of one classification. Reasons are in evaluation order.
type Signal struct {
	Platform   media.Platform `json:"platform"`
	Confidence float64        `json:"confidence"`
	Reasons    []string       `json:"reasons"`
}

// rule is one independent signal contributing weight to a platform score.
type rule struct {
	weight float64
	match  func(url string) (bool, string)
}

type platformRules struct {
	platform media.Platform
	rules    []rule
}

// Detector holds tunable thresholds. The zero value is not usable; use New.
type Detector struct {
	High float64
	Min  float64
}

// New returns a detector with the given thresholds.
func New(high, min float64) *Detector {
	return &Detector{High: high, Min: min}
}

var defaultDetector = New(DefaultHighConfidence, DefaultMinConfidence)

// Detect classifies url with the default thresholds.
func Detect(url string) Signal {
	return defaultDetector.Detect(url)
}

// Band maps a confidence to its band using the detector's thresholds.
func (d *Detector) Band(s Signal) Band {
	switch {
	case s.Platform == media.Unknown:
		return Unsupported
	case s.Confidence >= d.High:
		return Detected
	case s.Confidence >= d.Min:
		return Tentative
	default:
		return Unsupported
	}
}

// Detect evaluates every platform in a fixed order. A platform scoring above
// the high threshold wins immediately; otherwise the highest score wins, with
// ties going to the platform evaluated first.
func (d *Detector) Detect(url string) Signal {
	clean := strings.TrimSpace(url)
	if clean == "" {
		return Signal{Platform: media.Unknown, Reasons: []string{"empty URL"}}
	}

	var best Signal
	for _, pr := range catalog {
		s := score(pr, clean)
		if s.Confidence > d.High {
			return s
		}
		if s.Confidence > best.Confidence {
			best = s
		}
	}

	if best.Confidence == 0 {
		return Signal{Platform: media.Unknown, Reasons: []string{"no platform signals"}}
	}
	return best
}

// Score returns the raw score of a single platform, for diagnostics.
func Score(p media.Platform, url string) Signal {
	for _, pr := range catalog {
		if pr.platform == p {
			return score(pr, strings.TrimSpace(url))
		}
	}
	return Signal{Platform: media.Unknown}
}

func score(pr platformRules, url string) Signal {
	s := Signal{Platform: pr.platform, Reasons: []string{}}
	for _, r := range pr.rules {
		if ok, reason := r.match(url); ok {
			s.Confidence += r.weight
			s.Reasons = append(s.Reasons, reason)
		}
	}
	s.Confidence = math.Min(math.Round(s.Confidence*100)/100, 1)
	return s
}

func contains(reason string, needles ...string) func(string) (bool, string) {
	return func(url string) (bool, string) {
		for _, n := range needles {
			if strings.Contains(url, n) {
				return true, reason
			}
		}
		return false, ""
	}
}

func matches(reason string, re *regexp.Regexp) func(string) (bool, string) {
	return func(url string) (bool, string) {
		return re.MatchString(url), reason
	}
}

// firstDomain credits only the first matching domain.
func firstDomain(domains ...string) func(string) (bool, string) {
	return func(url string) (bool, string) {
		for _, d := range domains {
			if strings.Contains(url, d) {
				return true, "domain " + d
			}
		}
		return false, ""
	}
}

var (
	bvPattern      = regexp.MustCompile(`BV[a-zA-Z0-9]+`)
	avPattern      = regexp.MustCompile(`(?i)av\d+`)
	shareIDPattern = regexp.MustCompile(`/[\w-]{10,}`)
)

var catalog = []platformRules{
	{
		platform: media.Bilibili,
		rules: []rule{
			{0.7, firstDomain("bilibili.com", "b23.tv")},
			{0.8, matches("BV id", bvPattern)},
			{0.6, matches("av id", avPattern)},
			{0.3, contains("video path", "/video/")},
			{0.5, contains("bvid parameter", "bvid=")},
		},
	},
	{
		platform: media.Douyin,
		rules: []rule{
			{0.8, firstDomain("douyin.com", "v.douyin.com", "iesdouyin.com", "dy.to")},
			{0.3, contains("video or note path", "/video/", "/note/")},
			{0.2, matches("share id", shareIDPattern)},
		},
	},
}
