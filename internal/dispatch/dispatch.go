// Package dispatch turns a pasted link into a saved file: it normalizes and
// classifies the link, resolves streams, then either saves the stream as is
// or extracts its audio, and records the result in the history.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mediagrab/internal/detect"
	"mediagrab/internal/download"
	"mediagrab/internal/failure"
	"mediagrab/internal/httputil"
	xlog "mediagrab/internal/log"
	"mediagrab/internal/media"
	"mediagrab/internal/normalize"
	"mediagrab/internal/transcode"
)

// Resolver resolves links into stream variants.
type Resolver interface {
	Resolve(ctx context.Context, platform media.Platform, rawURL string) (*media.ResolvedMedia, error)
}

// Transferer moves stream bytes.
type Transferer interface {
	Save(ctx context.Context, rawURL string, headers map[string]string, dest string, progress download.ProgressFunc) (int64, error)
	Fetch(ctx context.Context, rawURL string, headers map[string]string, progress download.ProgressFunc) ([]byte, error)
}

// Converter extracts audio.
type Converter interface {
	Convert(ctx context.Context, h *transcode.Handle, src transcode.Source, progress transcode.ProgressFunc) (*transcode.Blob, error)
}

// Recorder stores history entries.
type Recorder interface {
	Append(ctx context.Context, e media.HistoryEntry) (media.HistoryEntry, error)
}

// TitleFunc looks up the display title for resolved media.
type TitleFunc func(ctx context.Context, m *media.ResolvedMedia) (string, error)

// Mode is how the bytes reach the disk.
type Mode int

const (
	// ModePassThrough saves the selected stream unchanged.
	ModePassThrough Mode = iota
	// ModeTranscode downloads a video stream and extracts its audio.
	ModeTranscode
)

func (m Mode) String() string {
	if m == ModeTranscode {
		return "transcode"
	}
	return "pass-through"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Request is one user-initiated download.
type Request struct {
	URL    string
	Format media.Format
	// Part selects a part of a multi-part work. Zero uses the URL's p
	// parameter.
	Part      int
	OutputDir string
	// Extract forces audio extraction from the video stream.
	Extract bool
}

// Result describes a finished download.
type Result struct {
	Path      string         `json:"path"`
	Title     string         `json:"title"`
	Platform  media.Platform `json:"platform"`
	ContentID string         `json:"contentId"`
	Format    media.Format   `json:"format"`
	Mode      Mode           `json:"mode"`
	QualityID int            `json:"qualityId"`
	Bytes     int64          `json:"bytes"`
	Signal    detect.Signal  `json:"signal"`
	// Warning is set when the platform was only tentatively detected.
	Warning   string `json:"warning,omitempty"`
	HistoryID string `json:"historyId,omitempty"`
}

// Event reports dispatcher progress.
type Event struct {
	Stage   string
	Percent int
	Written int64
	Total   int64
}

// Dispatcher runs requests.
type Dispatcher struct {
	resolver  Resolver
	transfer  Transferer
	converter Converter
	history   Recorder
	detector  *detect.Detector
	tier      media.Tier
	title     TitleFunc
	progress  func(Event)
	log       zerolog.Logger

	partials pathLocks
}

// pathLocks serializes writers of the same partial file. The partial name is
// stable per link so an interrupted download resumes on the next run.
type pathLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func (l *pathLocks) lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			if l.held == nil {
				l.held = make(map[string]chan struct{})
			}
			ch = make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, key)
				l.mu.Unlock()
				close(ch)
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHistory records successful downloads in r.
func WithHistory(r Recorder) Option { return func(d *Dispatcher) { d.history = r } }

// WithConverter enables audio extraction.
func WithConverter(c Converter) Option { return func(d *Dispatcher) { d.converter = c } }

// WithDetector sets the detection thresholds.
func WithDetector(det *detect.Detector) Option { return func(d *Dispatcher) { d.detector = det } }

// WithQuality sets the preferred quality tier.
func WithQuality(t media.Tier) Option { return func(d *Dispatcher) { d.tier = t } }

// WithTitleFunc replaces the display title lookup.
func WithTitleFunc(f TitleFunc) Option { return func(d *Dispatcher) { d.title = f } }

// WithProgress receives stage and byte progress.
func WithProgress(f func(Event)) Option { return func(d *Dispatcher) { d.progress = f } }

// New returns a Dispatcher.
func New(r Resolver, t Transferer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: r,
		transfer: t,
		detector: detect.New(detect.DefaultHighConfidence, detect.DefaultMinConfidence),
		tier:     media.High,
		title:    ResolvedTitle,
		log:      xlog.WithComponent("dispatch"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Pending is a dispatch running in the background.
type Pending struct {
	done   chan struct{}
	result *Result
	err    error
}

// Done is closed when the dispatch finishes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the dispatch finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start runs Dispatch in the background.
func (d *Dispatcher) Start(ctx context.Context, req Request) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.result, p.err = d.Dispatch(ctx, req)
	}()
	return p
}

// Classify normalizes rawURL and detects its platform. Links below the
// minimum confidence fail with UnsupportedPlatform.
func (d *Dispatcher) Classify(rawURL string) (string, detect.Signal, string, error) {
	normalized, err := normalize.Normalize(rawURL)
	if err != nil {
		return "", detect.Signal{}, "", err
	}
	sig := d.detector.Detect(normalized)
	switch d.detector.Band(sig) {
	case detect.Unsupported:
		return normalized, sig, "", failure.Newf(failure.UnsupportedPlatform,
			"could not recognise the platform of %s (confidence %.2f)", normalized, sig.Confidence)
	case detect.Tentative:
		return normalized, sig, fmt.Sprintf("%s detected with low confidence (%.2f); the link may not resolve",
			sig.Platform.DisplayName(), sig.Confidence), nil
	}
	return normalized, sig, "", nil
}

// Resolved is a classified and resolved link.
type Resolved struct {
	URL     string
	Signal  detect.Signal
	Warning string
	Media   *media.ResolvedMedia
}

// Lookup classifies rawURL and resolves it. A positive part selects that
// part of a multi-part work.
func (d *Dispatcher) Lookup(ctx context.Context, rawURL string, part int) (*Resolved, error) {
	normalized, sig, warning, err := d.Classify(rawURL)
	if err != nil {
		return nil, err
	}
	if warning != "" {
		d.log.Warn().
			Str(xlog.FieldPlatform, sig.Platform.String()).
			Float64("confidence", sig.Confidence).
			Msg("tentative platform detection")
	}
	if part > 0 {
		normalized = withPage(normalized, part)
	}
	m, err := d.resolver.Resolve(ctx, sig.Platform, normalized)
	if err != nil {
		return nil, err
	}
	return &Resolved{URL: normalized, Signal: sig, Warning: warning, Media: m}, nil
}

// Dispatch runs req to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.Format == "" {
		req.Format = media.FormatAudio
	}
	d.emit(Event{Stage: "resolving"})
	r, err := d.Lookup(ctx, req.URL, req.Part)
	if err != nil {
		return nil, err
	}
	m, sig := r.Media, r.Signal
	logger := d.log.With().Str(xlog.FieldPlatform, sig.Platform.String()).Str(xlog.FieldURL, r.URL).Logger()

	mode, variant, err := d.Plan(m, req.Format, req.Extract)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str(xlog.FieldContentID, m.ContentID).
		Str("mode", mode.String()).
		Int(xlog.FieldQuality, variant.QualityID).
		Msg("dispatching")

	outDir := req.OutputDir
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var (
		title string
		tmp   string
		blob  *transcode.Blob
		n     int64

		release = func() {}
	)
	defer func() { release() }()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := d.title(gctx, m)
		if err != nil || strings.TrimSpace(t) == "" {
			logger.Debug().Err(err).Msg("title lookup failed, using fallback")
			t = FallbackTitle(m.ContentID)
		}
		title = t
		return nil
	})
	g.Go(func() error {
		switch mode {
		case ModeTranscode:
			b, err := d.Extract(gctx, m, variant)
			if err != nil {
				return err
			}
			blob = b
			n = int64(len(b.Data))
		default:
			tmp = filepath.Join(outDir, "."+httputil.SanitizeFilename(sig.Platform.String()+"-"+m.ContentID+extension(mode, req.Format, variant.URL)))
			unlock, err := d.partials.lock(gctx, tmp)
			if err != nil {
				return err
			}
			release = unlock
			written, err := d.transfer.Save(gctx, variant.URL, m.Headers, tmp, d.byteProgress("downloading"))
			if err != nil {
				return err
			}
			n = written
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dest, err := httputil.SafeDownloadPath(outDir, FileName(title, mode, req.Format, variant.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid output path: %w", err)
	}
	if blob != nil {
		err = download.WriteFile(dest, blob.Data)
	} else {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		return nil, fmt.Errorf("saving %s: %w", dest, err)
	}

	res := &Result{
		Path:      dest,
		Title:     title,
		Platform:  sig.Platform,
		ContentID: m.ContentID,
		Format:    req.Format,
		Mode:      mode,
		QualityID: variant.QualityID,
		Bytes:     n,
		Signal:    sig,
		Warning:   r.Warning,
	}
	if d.history != nil {
		e, err := d.history.Append(ctx, media.HistoryEntry{
			URL:      r.URL,
			Title:    title,
			Platform: sig.Platform,
			Format:   req.Format,
			Path:     dest,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("recording history")
		} else {
			res.HistoryID = e.ID
		}
	}
	d.emit(Event{Stage: "completed", Percent: 100, Written: n, Total: n})
	logger.Info().Str(xlog.FieldPath, dest).Int64(xlog.FieldBytes, n).Msg("download complete")
	return res, nil
}

// Plan picks the mode and the stream variant. Audio is extracted from the
// best video stream when extract is set or no audio stream exists, provided
// a converter is configured.
func (d *Dispatcher) Plan(m *media.ResolvedMedia, f media.Format, extract bool) (Mode, media.StreamVariant, error) {
	if f == media.FormatAudio && (extract || len(m.AudioStreams) == 0) {
		if d.converter == nil {
			if len(m.AudioStreams) == 0 {
				return 0, media.StreamVariant{}, failure.New(failure.NoStreamsFound, "no audio stream available and audio extraction is disabled")
			}
		} else if v, ok := media.Select(m.VideoStreams, d.tier.VideoCode()); ok {
			return ModeTranscode, v, nil
		}
	}
	v, ok := media.Select(m.Streams(f), d.tier.Code(f))
	if !ok {
		return 0, media.StreamVariant{}, failure.Newf(failure.NoStreamsFound, "no %s stream available", f)
	}
	return ModePassThrough, v, nil
}

// Extract downloads the video variant v into memory and converts it to MP3.
func (d *Dispatcher) Extract(ctx context.Context, m *media.ResolvedMedia, v media.StreamVariant) (*transcode.Blob, error) {
	if d.converter == nil {
		return nil, failure.New(failure.TranscodeInitError, "audio extraction is disabled")
	}
	return d.converter.Convert(ctx, nil, transcode.Source{
		Name: m.Title,
		Fetch: func(ctx context.Context) ([]byte, error) {
			return d.transfer.Fetch(ctx, v.URL, m.Headers, d.byteProgress("downloading"))
		},
	}, d.stageProgress)
}

func (d *Dispatcher) emit(e Event) {
	if d.progress != nil {
		d.progress(e)
	}
}

func (d *Dispatcher) byteProgress(stage string) download.ProgressFunc {
	return func(written, total int64) {
		pct := 0
		if total > 0 {
			pct = int(written * 100 / total)
		}
		d.emit(Event{Stage: stage, Percent: pct, Written: written, Total: total})
	}
}

func (d *Dispatcher) stageProgress(u transcode.Update) {
	if u.Stage == transcode.StageDownloading {
		return
	}
	d.emit(Event{Stage: u.Stage.String(), Percent: u.Progress})
}

// ResolvedTitle is the default title lookup: the resolved title, with the
// part title appended for multi-part works.
func ResolvedTitle(_ context.Context, m *media.ResolvedMedia) (string, error) {
	title := strings.TrimSpace(m.Title)
	if title == "" {
		return "", errors.New("no title in metadata")
	}
	if m.MultiPart {
		if p, ok := m.Part(m.CurrentPart); ok && p.Title != "" && p.Title != title {
			title = fmt.Sprintf("%s - P%d %s", title, p.Page, p.Title)
		}
	}
	return title, nil
}

// FallbackTitle names a download whose metadata had no title.
func FallbackTitle(contentID string) string {
	return "download_" + contentID
}

// FileName is the sanitized output file name for a download.
func FileName(title string, mode Mode, f media.Format, streamURL string) string {
	return httputil.SanitizeFilename(title + extension(mode, f, streamURL))
}

// extension picks the output file extension.
func extension(mode Mode, f media.Format, streamURL string) string {
	if mode == ModeTranscode {
		return ".mp3"
	}
	if ext := streamExt(streamURL); ext != "" {
		if f == media.FormatAudio && ext == ".m4s" {
			return ".m4a"
		}
		if ext != ".m4s" {
			return ext
		}
	}
	if f == media.FormatAudio {
		return ".m4a"
	}
	return ".mp4"
}

func streamExt(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(path.Ext(p))
	switch ext {
	case ".mp4", ".m4a", ".m4s", ".mp3", ".flv", ".webm", ".aac":
		return ext
	}
	return ""
}

// withPage sets the p query parameter that selects a part.
func withPage(rawURL string, page int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("p", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
