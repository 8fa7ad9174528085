package media

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tier is a user-facing quality preference. The zero value means unset and
// maps to the High codes.
type Tier int

const (
	Low Tier = iota + 1
	Medium
	High
	Highest
)

// Audio quality codes as reported by the upstream.
const (
	AudioLow     = 64
	AudioMedium  = 132
	AudioHigh    = 192
	AudioHighest = 320
)

// Video quality codes as reported by the upstream.
const (
	Video480p  = 32
	Video720p  = 64
	Video1080p = 80
	Video4K    = 120
)

func (t Tier) String() string {
	switch t {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Highest:
		return "highest"
	default:
		return "unknown"
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "highest":
		return Highest, nil
	default:
		return 0, fmt.Errorf("unsupported quality %q (valid: low, medium, high, highest)", s)
	}
}

// AudioCode maps the tier to the upstream audio quality code.
func (t Tier) AudioCode() int {
	switch t {
	case Low:
		return AudioLow
	case Medium:
		return AudioMedium
	case Highest:
		return AudioHighest
	default:
		return AudioHigh
	}
}

// VideoCode maps the tier to the upstream video quality code.
func (t Tier) VideoCode() int {
	switch t {
	case Low:
		return Video480p
	case Medium:
		return Video720p
	case Highest:
		return Video4K
	default:
		return Video1080p
	}
}

// Code returns the quality code for the given format.
func (t Tier) Code(f Format) int {
	if f == FormatVideo {
		return t.VideoCode()
	}
	return t.AudioCode()
}

// SortVariants orders variants best first. Equal codes keep upstream order.
func SortVariants(vs []StreamVariant) {
	sort.SliceStable(vs, func(i, j int) bool {
		return vs[i].QualityID > vs[j].QualityID
	})
}

// Select returns the variant with the requested code, or the first (best)
// variant when that code is absent. ok is false only for an empty list.
func Select(vs []StreamVariant, code int) (StreamVariant, bool) {
	if len(vs) == 0 {
		return StreamVariant{}, false
	}
	for _, v := range vs {
		if v.QualityID == code {
			return v, true
		}
	}
	return vs[0], true
}

// expiryParams are the query parameters signed CDN URLs carry their deadline in.
var expiryParams = []string{"deadline", "x-expires", "expires"}

// NewVariant builds a variant, reading the expiry deadline from the signed URL when present.
func NewVariant(qualityID int, rawURL string) StreamVariant {
	v := StreamVariant{QualityID: qualityID, URL: rawURL}
	u, err := url.Parse(rawURL)
	if err != nil {
		return v
	}
	q := u.Query()
	for _, p := range expiryParams {
		if s := q.Get(p); s != "" {
			if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
				v.ExpiresAt = time.Unix(sec, 0).UTC()
				break
			}
		}
	}
	return v
}
