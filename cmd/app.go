package cmd

import (
	"fmt"
	"os"
	"sync"

	"mediagrab/internal/detect"
	"mediagrab/internal/dispatch"
	"mediagrab/internal/download"
	"mediagrab/internal/history"
	"mediagrab/internal/httputil"
	"mediagrab/internal/resolve"
	"mediagrab/internal/transcode"
)

// newResolver builds the stream resolver from cfg.
func newResolver() *resolve.Resolver {
	return resolve.New(resolve.Config{
		BilibiliAPI:    cfg.Upstream.BilibiliAPI,
		DouyinAPI:      cfg.Upstream.DouyinAPI,
		ResolverURL:    cfg.Upstream.ResolverURL,
		Quality:        cfg.Tier(),
		Retry:          cfg.RetryPolicy(),
		OverallTimeout: cfg.Upstream.OverallTimeout.Duration,
	}, httputil.NewClient(0))
}

func newDetector() *detect.Detector {
	return detect.New(cfg.Detect.Detected, cfg.Detect.Tentative)
}

// sharedEngine is the process-wide transcoder. Every dispatcher built in
// one run shares its loaded runtime.
var sharedEngine = sync.OnceValue(func() *transcode.Engine {
	return transcode.NewEngine(
		transcode.FFmpegLoader(cfg.Transcode.FFmpeg),
		transcode.WithMaxQueue(cfg.Transcode.MaxQueue),
	)
})

// openHistory opens the history store, or returns nil when history is
// disabled or unavailable. History never blocks a download.
func openHistory() *history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	path, err := cfg.HistoryPath()
	if err == nil {
		var store *history.Store
		if store, err = history.Open(path, cfg.History.MaxEntries); err == nil {
			return store
		}
	}
	fmt.Fprintf(os.Stderr, "history disabled: %v\n", err)
	return nil
}

// newDispatcher wires the pipeline. The transfer client has no overall
// timeout; each attempt is bounded by the saver's policy.
func newDispatcher(opts ...dispatch.Option) *dispatch.Dispatcher {
	policy := cfg.RetryPolicy()
	policy.AttemptTimeout = download.DefaultAttemptTimeout
	saver := download.NewSaver(httputil.NewClient(0), download.WithPolicy(policy))

	base := []dispatch.Option{
		dispatch.WithDetector(newDetector()),
		dispatch.WithQuality(cfg.Tier()),
		dispatch.WithConverter(sharedEngine()),
	}
	return dispatch.New(newResolver(), saver, append(base, opts...)...)
}
