package resolve

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"mediagrab/internal/failure"
	"mediagrab/internal/media"
)

// douyinFields holds every field name the known Douyin download APIs use.
type douyinFields struct {
	Title            string `json:"title"`
	Desc             string `json:"desc"`
	VideoURL         string `json:"video_url"`
	PlayURL          string `json:"play_url"`
	DownloadVideoURL string `json:"downloadVideoUrl"`
	NWMVideoURL      string `json:"nwm_video_url"`
	MusicURL         string `json:"music_url"`
	DownloadAudioURL string `json:"downloadAudioUrl"`
	Duration         int    `json:"duration"`
}

func (f douyinFields) title() string {
	return firstNonEmpty(f.Title, f.Desc)
}

func (f douyinFields) video() string {
	return firstNonEmpty(f.NWMVideoURL, f.VideoURL, f.DownloadVideoURL, f.PlayURL)
}

func (f douyinFields) audio() string {
	return firstNonEmpty(f.MusicURL, f.DownloadAudioURL)
}

type douyinResponse struct {
	douyinFields
	Data json.RawMessage `json:"data"`
}

// fields returns the nested data object when it carries anything useful,
// the top-level fields otherwise.
func (r *douyinResponse) fields() douyinFields {
	if len(r.Data) > 0 && r.Data[0] == '{' {
		var nested douyinFields
		if json.Unmarshal(r.Data, &nested) == nil && (nested.video() != "" || nested.audio() != "") {
			if nested.title() == "" {
				nested.Title = r.title()
			}
			return nested
		}
	}
	return r.douyinFields
}

// douyinSource talks to a Douyin download API that accepts the share URL.
type douyinSource struct {
	api string
	up  *upstream
}

func (s *douyinSource) Name() string { return "douyin" }

func (s *douyinSource) Fetch(ctx context.Context, req Request) (*media.ResolvedMedia, error) {
	resp, err := getJSON[douyinResponse](ctx, s.up, s.api, url.Values{"url": {req.URL}}, nil, nil)
	if err != nil {
		return nil, err
	}
	f := resp.fields()
	if strings.TrimSpace(f.title()) == "" {
		return nil, failure.New(failure.UpstreamShapeError, "douyin response has no title")
	}
	if f.video() == "" && f.audio() == "" {
		return nil, failure.New(failure.UpstreamShapeError, "douyin response has no stream URLs")
	}

	m := &media.ResolvedMedia{
		Title:           f.title(),
		DurationSeconds: max(f.Duration, 0),
		ContentID:       req.ContentID,
	}
	if v := f.video(); v != "" {
		m.VideoStreams = []media.StreamVariant{media.NewVariant(0, v)}
	}
	if a := f.audio(); a != "" {
		m.AudioStreams = []media.StreamVariant{media.NewVariant(0, a)}
	}
	return m, nil
}

func (s *douyinSource) FetchPart(_ context.Context, _ Request, part media.PartInfo) (media.PartInfo, error) {
	return part, failure.New(failure.InvalidIdentifier, "douyin content has no parts")
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
