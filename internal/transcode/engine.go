// Package transcode extracts audio tracks from downloaded video containers
// with a lazily loaded, shared media runtime.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"mediagrab/internal/failure"
	xlog "mediagrab/internal/log"
)

const (
	inputName  = "input.mp4"
	outputName = "output.mp3"

	// MIMEType is the type of every produced blob.
	MIMEType = "audio/mpeg"
)

// extractArgs demuxes the audio track and encodes it as VBR MP3.
var extractArgs = []string{"-i", inputName, "-vn", "-acodec", "libmp3lame", "-q:a", "2", outputName}

var (
	conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagrab",
		Name:      "transcode_jobs_total",
		Help:      "Transcode jobs by result.",
	}, []string{"result"})
	conversionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mediagrab",
		Name:      "transcode_duration_seconds",
		Help:      "Wall time of the converting stage.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// Blob is a finished, engine-independent audio file.
type Blob struct {
	Data     []byte
	MIMEType string
	Name     string
}

// Source describes the media to convert. Fetch downloads the whole
// container; Name is the display title used for the output name.
type Source struct {
	Name  string
	Fetch func(ctx context.Context) ([]byte, error)
}

// Engine owns the shared runtime. The runtime is loaded on first use and
// kept for the life of the process.
type Engine struct {
	load  Loader
	group singleflight.Group

	mu      sync.Mutex
	rt      Runtime
	refs    int
	loadErr error

	sem      *semaphore.Weighted
	maxQueue int
	admitted atomic.Int32
	waiting  atomic.Int32

	log zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxQueue sets how many conversions may be admitted beyond the running
// one. Admission happens before the source is downloaded, so a rejected
// conversion fetches nothing. Zero rejects a conversion with EngineBusy while
// another one is downloading or running.
func WithMaxQueue(n int) Option {
	return func(e *Engine) { e.maxQueue = max(n, 0) }
}

// NewEngine returns an engine that loads its runtime with load.
func NewEngine(load Loader, opts ...Option) *Engine {
	e := &Engine{
		load:     load,
		sem:      semaphore.NewWeighted(1),
		maxQueue: 4,
		log:      xlog.WithComponent("transcode"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Handle is a reference to a loaded runtime.
type Handle struct {
	e        *Engine
	rt       Runtime
	released atomic.Bool
}

// Release drops the reference. The runtime stays loaded.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.e.mu.Lock()
	h.e.refs--
	h.e.mu.Unlock()
}

// Loaded reports whether the runtime has been loaded.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rt != nil
}

// Refs returns the number of outstanding handles.
func (e *Engine) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// Initialize loads the runtime if needed and returns a handle to it.
// Concurrent callers share a single load. A failed load is not cached.
func (e *Engine) Initialize(ctx context.Context) (*Handle, error) {
	if h := e.acquire(); h != nil {
		return h, nil
	}

	ch := e.group.DoChan("load", func() (any, error) {
		if h := e.acquire(); h != nil {
			h.Release()
			return nil, nil
		}
		e.log.Info().Msg("loading media runtime")
		rt, err := e.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.rt = rt
		e.mu.Unlock()
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			e.log.Error().Err(res.Err).Msg("media runtime failed to load")
			return nil, failure.Wrap(failure.TranscodeInitError, res.Err, "media runtime failed to load")
		}
	}
	if h := e.acquire(); h != nil {
		return h, nil
	}
	return nil, failure.New(failure.TranscodeInitError, "media runtime not available")
}

func (e *Engine) acquire() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt == nil {
		return nil
	}
	e.refs++
	return &Handle{e: e, rt: e.rt}
}

// Convert runs src through Loading, Downloading, Converting and Completed.
// A nil h makes Convert initialize and release its own handle.
func (e *Engine) Convert(ctx context.Context, h *Handle, src Source, progress ProgressFunc) (*Blob, error) {
	job := NewJob(progress)
	logger := e.log.With().Str(xlog.FieldJobID, job.ID).Logger()

	blob, err := e.run(ctx, job, h, src, logger)
	if err != nil {
		job.Fail(failure.Message(err))
		conversionsTotal.WithLabelValues(resultLabel(err)).Inc()
		logger.Warn().Err(err).Str(xlog.FieldStage, job.Stage().String()).Msg("transcode failed")
		return nil, err
	}
	conversionsTotal.WithLabelValues("ok").Inc()
	logger.Info().Int(xlog.FieldBytes, len(blob.Data)).Msg("transcode completed")
	return blob, nil
}

func (e *Engine) run(ctx context.Context, job *Job, h *Handle, src Source, logger zerolog.Logger) (*Blob, error) {
	if src.Fetch == nil {
		return nil, errors.New("transcode source has no fetch function")
	}

	if err := job.Advance(StageLoading); err != nil {
		return nil, err
	}
	if h == nil {
		var err error
		if h, err = e.Initialize(ctx); err != nil {
			return nil, err
		}
		defer h.Release()
	}
	job.SetProgress(100)

	leave, err := e.admit()
	if err != nil {
		return nil, err
	}
	defer leave()

	if err := job.Advance(StageDownloading); err != nil {
		return nil, err
	}
	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("downloading source: %w", err)
	}
	job.setSource(data)
	job.SetProgress(100)

	release, err := e.slot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := job.Advance(StageConverting); err != nil {
		return nil, err
	}
	out, err := e.convert(ctx, job, h.rt, logger)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := job.Advance(StageCompleted); err != nil {
		return nil, err
	}
	return &Blob{Data: out, MIMEType: MIMEType, Name: OutputName(src.Name)}, nil
}

// admit reserves one of the 1+maxQueue places a job holds from Downloading
// until it finishes.
func (e *Engine) admit() (func(), error) {
	if int(e.admitted.Add(1)) > 1+e.maxQueue {
		e.admitted.Add(-1)
		return nil, failure.New(failure.EngineBusy, "another conversion is in progress")
	}
	return func() { e.admitted.Add(-1) }, nil
}

// slot waits for the runtime. Admitted jobs never exceed the queue bound.
func (e *Engine) slot(ctx context.Context) (func(), error) {
	release := func() { e.sem.Release(1) }
	if e.sem.TryAcquire(1) {
		return release, nil
	}
	e.waiting.Add(1)
	defer e.waiting.Add(-1)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return release, nil
}

// convert performs the scratch-filesystem round trip. Both scratch entries
// are removed on every path out.
func (e *Engine) convert(ctx context.Context, job *Job, rt Runtime, logger zerolog.Logger) ([]byte, error) {
	defer func() {
		for _, name := range []string{inputName, outputName} {
			if err := rt.DeleteFile(name); err != nil {
				logger.Warn().Err(err).Str(xlog.FieldPath, name).Msg("removing scratch file")
			}
		}
	}()

	if err := rt.WriteFile(inputName, job.takeSource()); err != nil {
		return nil, failure.Wrap(failure.TranscodeRuntimeError, err, "could not stage the source file")
	}

	start := time.Now()
	err := rt.Exec(ctx, extractArgs, job.SetProgress)
	conversionSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.Wrap(failure.TranscodeRuntimeError, err, "audio extraction failed")
	}

	out, err := rt.ReadFile(outputName)
	if err != nil {
		return nil, failure.Wrap(failure.TranscodeRuntimeError, err, "could not read the converted file")
	}
	return bytes.Clone(out), nil
}

var containerExts = map[string]bool{".mp4": true, ".flv": true, ".m4s": true, ".m4a": true, ".mp3": true, ".webm": true}

// OutputName derives the blob's file name from a display title.
func OutputName(title string) string {
	base := strings.TrimSpace(title)
	if ext := path.Ext(base); containerExts[strings.ToLower(ext)] {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		base = "audio"
	}
	return base + ".mp3"
}

func resultLabel(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return failure.KindOf(err).String()
}
