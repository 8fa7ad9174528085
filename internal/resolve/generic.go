package resolve

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"mediagrab/internal/failure"
	"mediagrab/internal/media"
)

type resolverStream struct {
	ID      int    `json:"id"`
	BaseURL string `json:"baseUrl"`
	URL     string `json:"url"`
}

type resolverStreams struct {
	Audio []resolverStream `json:"audio"`
	Video []resolverStream `json:"video"`
}

type resolverPage struct {
	Page     int              `json:"page"`
	CID      json.Number      `json:"cid"`
	Part     string           `json:"part"`
	Duration int              `json:"duration"`
	Streams  *resolverStreams `json:"streams"`
}

type resolverResponse struct {
	Title    string           `json:"title"`
	Duration int              `json:"duration"`
	Streams  *resolverStreams `json:"streams"`
	Pages    []resolverPage   `json:"pages"`
}

// resolverSource talks to a self-hosted resolver API that serves every
// platform behind one endpoint.
type resolverSource struct {
	endpoint string
	up       *upstream
}

func (s *resolverSource) Name() string { return "resolver" }

func (s *resolverSource) params(req Request) url.Values {
	return url.Values{
		"platform": {req.Platform.String()},
		"id":       {req.ContentID},
	}
}

func (s *resolverSource) Fetch(ctx context.Context, req Request) (*media.ResolvedMedia, error) {
	resp, err := getJSON[resolverResponse](ctx, s.up, s.endpoint, s.params(req), nil, nil)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Title) == "" {
		return nil, failure.New(failure.UpstreamShapeError, "resolver response has no title")
	}
	if resp.Streams == nil && len(resp.Pages) == 0 {
		return nil, failure.New(failure.UpstreamShapeError, "resolver response has no stream list")
	}

	m := &media.ResolvedMedia{
		Title:           resp.Title,
		DurationSeconds: max(resp.Duration, 0),
		ContentID:       req.ContentID,
	}
	if resp.Streams != nil {
		m.AudioStreams = resolverVariants(resp.Streams.Audio)
		m.VideoStreams = resolverVariants(resp.Streams.Video)
	}
	for i, p := range resp.Pages {
		page := p.Page
		if page < 1 {
			page = i + 1
		}
		part := media.PartInfo{
			Page:            page,
			CID:             p.CID.String(),
			Title:           p.Part,
			DurationSeconds: max(p.Duration, 0),
		}
		if p.Streams != nil {
			part.AudioStreams = resolverVariants(p.Streams.Audio)
			part.VideoStreams = resolverVariants(p.Streams.Video)
		}
		m.Parts = append(m.Parts, part)
	}
	m.MultiPart = len(m.Parts) > 1
	return m, nil
}

func (s *resolverSource) FetchPart(ctx context.Context, req Request, part media.PartInfo) (media.PartInfo, error) {
	params := s.params(req)
	params.Set("page", strconv.Itoa(part.Page))
	if part.CID != "" {
		params.Set("cid", part.CID)
	}
	resp, err := getJSON[resolverResponse](ctx, s.up, s.endpoint, params, nil, nil)
	if err != nil {
		return part, err
	}
	if resp.Streams == nil {
		return part, failure.Newf(failure.UpstreamShapeError, "resolver response for part %d has no stream list", part.Page)
	}
	part.AudioStreams = resolverVariants(resp.Streams.Audio)
	part.VideoStreams = resolverVariants(resp.Streams.Video)
	return part, nil
}

func resolverVariants(streams []resolverStream) []media.StreamVariant {
	var out []media.StreamVariant
	for _, st := range streams {
		u := firstNonEmpty(st.BaseURL, st.URL)
		if u != "" {
			out = append(out, media.NewVariant(st.ID, u))
		}
	}
	return out
}
