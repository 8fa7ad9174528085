// Package media defines the shared types of the resolution pipeline.
package media

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a supported short-video platform.
type Platform int

// Evaluation order of the detector follows declaration order.
const (
	Unknown Platform = iota
	Bilibili
	Douyin
)

func (p Platform) String() string {
	switch p {
	case Bilibili:
		return "bilibili"
	case Douyin:
		return "douyin"
	default:
		return "unknown"
	}
}

// DisplayName returns the human-facing platform name.
func (p Platform) DisplayName() string {
	switch p {
	case Bilibili:
		return "Bilibili"
	case Douyin:
		return "Douyin"
	default:
		return "Unknown platform"
	}
}

// ParsePlatform maps a platform name (including the "bili" alias) to a Platform.
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bilibili", "bili":
		return Bilibili
	case "douyin":
		return Douyin
	default:
		return Unknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Platform) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Format is the kind of artifact a user asks for.
type Format string

const (
	FormatAudio Format = "audio"
	FormatVideo Format = "video"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatAudio:
		return FormatAudio, nil
	case FormatVideo:
		return FormatVideo, nil
	default:
		return "", fmt.Errorf("unsupported format %q (valid: audio, video)", s)
	}
}

// StreamVariant is one quality-ranked, time-limited download URL.
// Variants are never shared between resolutions.
type StreamVariant struct {
	QualityID int       `json:"qualityId"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Expired reports whether the signed URL has passed its deadline.
func (v StreamVariant) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// PartInfo describes one independently resolvable segment of a multi-part work.
type PartInfo struct {
	Page            int             `json:"page"`
	CID             string          `json:"cid"`
	Title           string          `json:"title"`
	DurationSeconds int             `json:"duration"`
	AudioStreams    []StreamVariant `json:"audioStreams"`
	VideoStreams    []StreamVariant `json:"videoStreams"`
}

// ResolvedMedia is the uniform result of resolving a share link.
type ResolvedMedia struct {
	Platform        Platform          `json:"platform"`
	Title           string            `json:"title"`
	DurationSeconds int               `json:"duration,omitempty"`
	ContentID       string            `json:"contentId"`
	AudioStreams    []StreamVariant   `json:"audioStreams"`
	VideoStreams    []StreamVariant   `json:"videoStreams"`
	MultiPart       bool              `json:"isMultiPart"`
	Parts           []PartInfo        `json:"pages,omitempty"`
	CurrentPart     int               `json:"currentPage,omitempty"`
	Headers         map[string]string `json:"-"`
}

// Streams returns the variant list for the given format.
func (m *ResolvedMedia) Streams(f Format) []StreamVariant {
	if f == FormatVideo {
		return m.VideoStreams
	}
	return m.AudioStreams
}

// HasStreams reports whether at least one variant exists.
func (m *ResolvedMedia) HasStreams() bool {
	return len(m.AudioStreams) > 0 || len(m.VideoStreams) > 0
}

// Part returns the part with the given 1-based page number.
func (m *ResolvedMedia) Part(page int) (*PartInfo, bool) {
	for i := range m.Parts {
		if m.Parts[i].Page == page {
			return &m.Parts[i], true
		}
	}
	return nil, false
}

// HistoryEntry is one successful user-initiated download.
type HistoryEntry struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Platform  Platform  `json:"platform"`
	Format    Format    `json:"format"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// FormatDuration renders seconds as m:ss.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}
