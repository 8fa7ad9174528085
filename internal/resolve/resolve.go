// Package resolve turns a normalized share link into a ResolvedMedia by
// extracting the content ID, calling the platform's upstream API through the
// retry orchestrator and mapping its JSON onto the uniform model.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mediagrab/internal/extract"
	"mediagrab/internal/failure"
	"mediagrab/internal/httputil"
	xlog "mediagrab/internal/log"
	"mediagrab/internal/media"
	"mediagrab/internal/retry"
	"mediagrab/internal/shortlink"
)

const (
	DefaultBilibiliAPI    = "https://api.bilibili.com"
	DefaultDouyinAPI      = "http://localhost:8080/api/douyin/download"
	DefaultOverallTimeout = 150 * time.Second
	defaultPartWorkers    = 4
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mediagrab",
	Name:      "resolutions_total",
	Help:      "Resolutions by platform and result kind.",
}, []string{"platform", "result"})

// Config configures a Resolver.
type Config struct {
	BilibiliAPI string
	DouyinAPI   string
	// ResolverURL, when set, routes every platform through a self-hosted
	// resolver API instead of the native sources.
	ResolverURL    string
	Quality        media.Tier
	Retry          retry.Policy
	OverallTimeout time.Duration
	PartWorkers    int
}

func (c Config) withDefaults() Config {
	if c.BilibiliAPI == "" {
		c.BilibiliAPI = DefaultBilibiliAPI
	}
	if c.DouyinAPI == "" {
		c.DouyinAPI = DefaultDouyinAPI
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = DefaultOverallTimeout
	}
	if c.Quality == 0 {
		c.Quality = media.High
	}
	if c.PartWorkers < 1 {
		c.PartWorkers = defaultPartWorkers
	}
	return c
}

// Request is what a Source needs to look up one piece of content.
type Request struct {
	Platform  media.Platform
	ContentID string
	URL       string
	Quality   media.Tier
}

// Source is one upstream API. Fetch returns metadata and, when the upstream
// delivers them in the same call, stream variants. Parts returned without
// streams are completed through FetchPart.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req Request) (*media.ResolvedMedia, error)
	FetchPart(ctx context.Context, req Request, part media.PartInfo) (media.PartInfo, error)
}

// Resolver resolves share links into ResolvedMedia.
type Resolver struct {
	cfg      Config
	expander *shortlink.Expander
	sources  map[media.Platform]Source
	generic  Source
	log      zerolog.Logger
}

// New builds a Resolver whose sources share client and the retry policy.
func New(cfg Config, client httputil.Doer) *Resolver {
	cfg = cfg.withDefaults()
	logger := xlog.WithComponent("resolve")
	up := &upstream{client: client, policy: cfg.Retry, log: logger}

	r := &Resolver{
		cfg:      cfg,
		expander: shortlink.NewExpander(client),
		sources: map[media.Platform]Source{
			media.Bilibili: &bilibiliSource{api: cfg.BilibiliAPI, up: up},
			media.Douyin:   &douyinSource{api: cfg.DouyinAPI, up: up},
		},
		log: logger,
	}
	if cfg.ResolverURL != "" {
		r.generic = &resolverSource{endpoint: cfg.ResolverURL, up: up}
	}
	return r
}

// WithSource replaces the source used for platform. It is meant for wiring
// alternative upstreams in tests and embedders.
func (r *Resolver) WithSource(p media.Platform, s Source) *Resolver {
	r.sources[p] = s
	return r
}

func (r *Resolver) source(p media.Platform) (Source, error) {
	if r.generic != nil {
		return r.generic, nil
	}
	s, ok := r.sources[p]
	if !ok {
		return nil, failure.Newf(failure.UnsupportedPlatform, "platform %s is not supported", p)
	}
	return s, nil
}

// Resolve looks up rawURL on platform and returns its stream variants. When
// the content has several parts, the one selected by the URL's p parameter
// must resolve and populates the top-level lists; the others are filled when
// their upstream calls succeed.
func (r *Resolver) Resolve(ctx context.Context, platform media.Platform, rawURL string) (*media.ResolvedMedia, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OverallTimeout)
	defer cancel()

	m, err := r.resolve(ctx, platform, rawURL, pageFromURL(rawURL), true)
	resolutionsTotal.WithLabelValues(platform.String(), resultLabel(err)).Inc()
	return m, err
}

// ResolvePart resolves only the given 1-based part of rawURL.
func (r *Resolver) ResolvePart(ctx context.Context, platform media.Platform, rawURL string, page int) (*media.PartInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OverallTimeout)
	defer cancel()

	m, err := r.resolve(ctx, platform, rawURL, page, false)
	if err != nil {
		return nil, err
	}
	part, ok := m.Part(page)
	if !ok {
		if page == 1 && !m.MultiPart {
			return &media.PartInfo{
				Page:            1,
				Title:           m.Title,
				DurationSeconds: m.DurationSeconds,
				AudioStreams:    m.AudioStreams,
				VideoStreams:    m.VideoStreams,
			}, nil
		}
		return nil, failure.Newf(failure.InvalidIdentifier, "part %d does not exist", page)
	}
	return part, nil
}

func (r *Resolver) resolve(ctx context.Context, platform media.Platform, rawURL string, page int, allParts bool) (*media.ResolvedMedia, error) {
	src, err := r.source(platform)
	if err != nil {
		return nil, err
	}
	id, target, err := r.contentID(ctx, platform, rawURL)
	if err != nil {
		return nil, err
	}

	logger := r.log.With().
		Str(xlog.FieldPlatform, platform.String()).
		Str(xlog.FieldContentID, id).
		Str("source", src.Name()).
		Logger()
	logger.Debug().Msg("resolving")

	req := Request{Platform: platform, ContentID: id, URL: target, Quality: r.cfg.Quality}
	m, err := src.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolving %s %s: %w", platform, id, err)
	}
	m.Platform = platform
	if m.ContentID == "" {
		m.ContentID = id
	}
	if m.Headers == nil {
		m.Headers = streamHeaders(platform)
	}

	if len(m.Parts) > 0 {
		if err := r.completeParts(ctx, src, req, m, page, allParts); err != nil {
			return nil, err
		}
	}

	media.SortVariants(m.AudioStreams)
	media.SortVariants(m.VideoStreams)
	if !m.HasStreams() {
		return nil, failure.Newf(failure.NoStreamsFound, "no streams found for %s", id)
	}
	logger.Info().
		Int("audio", len(m.AudioStreams)).
		Int("video", len(m.VideoStreams)).
		Int("parts", len(m.Parts)).
		Msg("resolved")
	return m, nil
}

// completeParts fills in streams for parts the source returned without them
// and copies the selected part's lists to the top level. Only the selected
// part must resolve; other parts that fail keep their metadata without streams.
func (r *Resolver) completeParts(ctx context.Context, src Source, req Request, m *media.ResolvedMedia, page int, allParts bool) error {
	if page < 1 || page > len(m.Parts) {
		page = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PartWorkers)
	for i := range m.Parts {
		p := m.Parts[i]
		if p.Page != page && !(allParts && m.MultiPart) {
			continue
		}
		if len(p.AudioStreams) > 0 || len(p.VideoStreams) > 0 {
			continue
		}
		g.Go(func() error {
			filled, err := src.FetchPart(gctx, req, p)
			if err != nil {
				if p.Page != page {
					r.log.Warn().Err(err).Int("page", p.Page).Msg("part left unresolved")
					return nil
				}
				return fmt.Errorf("resolving part %d: %w", p.Page, err)
			}
			media.SortVariants(filled.AudioStreams)
			media.SortVariants(filled.VideoStreams)
			m.Parts[i] = filled
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sel, ok := m.Part(page)
	if !ok {
		sel = &m.Parts[0]
	}
	m.CurrentPart = sel.Page
	if len(sel.AudioStreams) > 0 || len(sel.VideoStreams) > 0 {
		m.AudioStreams = sel.AudioStreams
		m.VideoStreams = sel.VideoStreams
	}
	if m.DurationSeconds == 0 {
		m.DurationSeconds = sel.DurationSeconds
	}
	if !m.MultiPart {
		m.Parts = nil
		m.CurrentPart = 0
	}
	return nil
}

// contentID extracts the ID, expanding short links first when the link
// itself carries none. It returns the URL the ID was found in.
func (r *Resolver) contentID(ctx context.Context, platform media.Platform, rawURL string) (string, string, error) {
	chain := extract.For(platform)
	if chain == nil {
		return "", "", failure.Newf(failure.UnsupportedPlatform, "platform %s is not supported", platform)
	}

	id, strategy, err := chain.Extract(rawURL)
	if err == nil {
		r.log.Debug().Str(xlog.FieldContentID, id).Str("strategy", strategy).Msg("content ID extracted")
		return id, rawURL, nil
	}
	if !shortlink.IsShortLink(rawURL) {
		return "", "", err
	}

	expanded, xerr := retry.Do(ctx, r.cfg.Retry, r.log, func(ctx context.Context) (string, error) {
		return r.expander.Expand(ctx, rawURL)
	})
	if xerr != nil {
		return "", "", xerr
	}
	id, _, err = chain.Extract(expanded)
	if err != nil {
		return "", "", err
	}
	return id, expanded, nil
}

// pageFromURL reads the 1-based p query parameter, defaulting to 1.
func pageFromURL(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 1
	}
	n, err := strconv.Atoi(u.Query().Get("p"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// streamHeaders are the request headers the platform CDN requires.
func streamHeaders(p media.Platform) map[string]string {
	h := map[string]string{"User-Agent": httputil.UserAgent}
	switch p {
	case media.Bilibili:
		h["Referer"] = "https://www.bilibili.com"
		h["Origin"] = "https://www.bilibili.com"
	case media.Douyin:
		h["Referer"] = "https://www.douyin.com/"
	}
	return h
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return failure.KindOf(err).String()
}
