package resolve

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"mediagrab/internal/failure"
	"mediagrab/internal/media"
)

// Bilibili API response codes that mean "try again later".
var bilibiliThrottleCodes = map[int]bool{-412: true, -509: true, -799: true}

var bilibiliHeaders = map[string]string{
	"Referer": "https://www.bilibili.com",
	"Origin":  "https://www.bilibili.com",
}

type bilibiliEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *bilibiliEnvelope) check() error {
	if e.Code == 0 {
		return nil
	}
	msg := e.Message
	if msg == "" {
		msg = "bilibili API returned code " + strconv.Itoa(e.Code)
	}
	if bilibiliThrottleCodes[e.Code] {
		return failure.New(failure.UpstreamUnavailable, msg)
	}
	return failure.New(failure.UpstreamRejected, msg)
}

type bilibiliView struct {
	bilibiliEnvelope
	Data *struct {
		BVID     string `json:"bvid"`
		Title    string `json:"title"`
		CID      int64  `json:"cid"`
		Duration int    `json:"duration"`
		Pages    []struct {
			CID      int64  `json:"cid"`
			Page     int    `json:"page"`
			Part     string `json:"part"`
			Duration int    `json:"duration"`
		} `json:"pages"`
	} `json:"data"`
}

type bilibiliStream struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"baseUrl"`
	BaseURL2  string   `json:"base_url"`
	BackupURL []string `json:"backupUrl"`
}

func (s bilibiliStream) url() string {
	switch {
	case s.BaseURL != "":
		return s.BaseURL
	case s.BaseURL2 != "":
		return s.BaseURL2
	case len(s.BackupURL) > 0:
		return s.BackupURL[0]
	}
	return ""
}

type bilibiliPlayURL struct {
	bilibiliEnvelope
	Data *struct {
		Dash *struct {
			Audio []bilibiliStream `json:"audio"`
			Video []bilibiliStream `json:"video"`
		} `json:"dash"`
	} `json:"data"`
}

// bilibiliSource talks to the native Bilibili web API.
type bilibiliSource struct {
	api string
	up  *upstream
}

func (s *bilibiliSource) Name() string { return "bilibili" }

func (s *bilibiliSource) Fetch(ctx context.Context, req Request) (*media.ResolvedMedia, error) {
	view, err := getJSON(ctx, s.up, s.endpoint("/x/web-interface/view"),
		bilibiliIDParams(req.ContentID), bilibiliHeaders,
		func(v *bilibiliView) error { return v.check() })
	if err != nil {
		return nil, err
	}
	d := view.Data
	if d == nil || strings.TrimSpace(d.Title) == "" {
		return nil, failure.New(failure.UpstreamShapeError, "bilibili view response has no title")
	}

	m := &media.ResolvedMedia{
		Title:           d.Title,
		DurationSeconds: max(d.Duration, 0),
		ContentID:       req.ContentID,
	}
	if d.BVID != "" {
		m.ContentID = d.BVID
	}
	for _, p := range d.Pages {
		m.Parts = append(m.Parts, media.PartInfo{
			Page:            p.Page,
			CID:             strconv.FormatInt(p.CID, 10),
			Title:           p.Part,
			DurationSeconds: max(p.Duration, 0),
		})
	}
	if len(m.Parts) == 0 {
		if d.CID == 0 {
			return nil, failure.New(failure.UpstreamShapeError, "bilibili view response has no cid")
		}
		m.Parts = []media.PartInfo{{Page: 1, CID: strconv.FormatInt(d.CID, 10), Title: d.Title, DurationSeconds: m.DurationSeconds}}
	}
	m.MultiPart = len(m.Parts) > 1
	return m, nil
}

func (s *bilibiliSource) FetchPart(ctx context.Context, req Request, part media.PartInfo) (media.PartInfo, error) {
	params := bilibiliIDParams(req.ContentID)
	params.Set("cid", part.CID)
	params.Set("qn", strconv.Itoa(req.Quality.AudioCode()))
	params.Set("fnver", "0")
	params.Set("fnval", "4048")
	params.Set("fourk", "1")
	play, err := getJSON(ctx, s.up, s.endpoint("/x/player/wbi/playurl"), params, bilibiliHeaders,
		func(v *bilibiliPlayURL) error { return v.check() })
	if err != nil {
		return part, err
	}
	if play.Data == nil || play.Data.Dash == nil {
		return part, failure.New(failure.UpstreamShapeError, "bilibili playurl response has no dash streams")
	}
	part.AudioStreams = bilibiliVariants(play.Data.Dash.Audio)
	part.VideoStreams = bilibiliVariants(play.Data.Dash.Video)
	return part, nil
}

var avID = regexp.MustCompile(`^(?i)av(\d+)$`)

// bilibiliIDParams addresses legacy av IDs by aid and everything else by bvid.
func bilibiliIDParams(id string) url.Values {
	if m := avID.FindStringSubmatch(id); m != nil {
		return url.Values{"aid": {m[1]}}
	}
	return url.Values{"bvid": {id}}
}

func (s *bilibiliSource) endpoint(path string) string {
	return strings.TrimRight(s.api, "/") + path
}

func bilibiliVariants(streams []bilibiliStream) []media.StreamVariant {
	var out []media.StreamVariant
	for _, st := range streams {
		if u := st.url(); u != "" {
			out = append(out, media.NewVariant(st.ID, u))
		}
	}
	return out
}
