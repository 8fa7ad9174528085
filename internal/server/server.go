// Package server exposes the resolution pipeline over HTTP: platform
// detection, link parsing, a Range-aware stream proxy and server-side
// audio extraction.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mediagrab/internal/detect"
	"mediagrab/internal/dispatch"
	"mediagrab/internal/download"
	"mediagrab/internal/failure"
	"mediagrab/internal/httputil"
	xlog "mediagrab/internal/log"
	"mediagrab/internal/media"
)

const shutdownTimeout = 10 * time.Second

// Server serves the HTTP API.
type Server struct {
	disp   *dispatch.Dispatcher
	client httputil.Doer
	rpm    int
	loaded func() bool
	log    zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit limits each client IP to n requests per minute. Zero
// disables the limit.
func WithRateLimit(n int) Option { return func(s *Server) { s.rpm = n } }

// WithEngineStatus reports the transcoder state on /healthz.
func WithEngineStatus(loaded func() bool) Option { return func(s *Server) { s.loaded = loaded } }

// New returns a Server. client fetches stream bytes for the proxy.
func New(d *dispatch.Dispatcher, client httputil.Doer, opts ...Option) *Server {
	s := &Server{
		disp:   d,
		client: client,
		log:    xlog.WithComponent("server"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(metrics)
	r.Use(accessLog(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.rpm > 0 {
			r.Use(rateLimit(s.rpm, time.Minute))
		}
		r.Get("/detect", s.handleDetect)
		r.Get("/parse", s.handleParse)
		r.Get("/download", s.handleDownload)
		r.Get("/extract", s.handleExtract)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type detectResponse struct {
	URL         string         `json:"url"`
	Platform    media.Platform `json:"platform"`
	DisplayName string         `json:"displayName"`
	Confidence  float64        `json:"confidence"`
	Reasons     []string       `json:"reasons"`
	Band        string         `json:"band"`
	Warning     string         `json:"warning,omitempty"`
}

type parseResponse struct {
	URL        string               `json:"url"`
	Confidence float64              `json:"confidence"`
	Warning    string               `json:"warning,omitempty"`
	Title      string               `json:"title"`
	Media      *media.ResolvedMedia `json:"media"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.loaded != nil {
		body["transcoder"] = "idle"
		if s.loaded() {
			body["transcoder"] = "loaded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	raw, ok := requireURL(w, r)
	if !ok {
		return
	}
	normalized, sig, warning, err := s.disp.Classify(raw)
	band := detect.Detected
	switch {
	case failure.IsKind(err, failure.UnsupportedPlatform):
		band = detect.Unsupported
	case err != nil:
		s.writeError(w, r, err)
		return
	case warning != "":
		band = detect.Tentative
	}
	writeJSON(w, http.StatusOK, detectResponse{
		URL:         normalized,
		Platform:    sig.Platform,
		DisplayName: sig.Platform.DisplayName(),
		Confidence:  sig.Confidence,
		Reasons:     sig.Reasons,
		Band:        band.String(),
		Warning:     warning,
	})
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, parseResponse{
		URL:        res.URL,
		Confidence: res.Signal.Confidence,
		Warning:    res.Warning,
		Title:      title(r.Context(), res.Media),
		Media:      res.Media,
	})
}

// handleDownload proxies the selected stream with Range passthrough. An
// audio request for media without an audio stream is served by extraction.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	format := media.FormatAudio
	if t := r.URL.Query().Get("type"); t != "" {
		f, err := media.ParseFormat(t)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		format = f
	}
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	mode, v, err := s.disp.Plan(res.Media, format, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if mode == dispatch.ModeTranscode {
		s.serveExtract(w, r, res.Media, v)
		return
	}

	name := dispatch.FileName(title(r.Context(), res.Media), mode, format, v.URL)
	n, err := download.Proxy(r.Context(), s.client, w, r, v.URL, res.Media.Headers, name)
	if err != nil {
		if failure.KindOf(err) != failure.Unknown {
			// Nothing was written yet.
			s.writeError(w, r, err)
			return
		}
		s.log.Warn().Err(err).Int64(xlog.FieldBytes, n).Msg("stream proxy interrupted")
	}
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	_, v, err := s.disp.Plan(res.Media, media.FormatAudio, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveExtract(w, r, res.Media, v)
}

func (s *Server) serveExtract(w http.ResponseWriter, r *http.Request, m *media.ResolvedMedia, v media.StreamVariant) {
	blob, err := s.disp.Extract(r.Context(), m, v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := dispatch.FileName(title(r.Context(), m), dispatch.ModeTranscode, media.FormatAudio, v.URL)
	w.Header().Set("Content-Type", blob.MIMEType)
	w.Header().Set("Content-Disposition", httputil.ContentDisposition(name))
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(blob.Data))
}

// lookup reads the url and page parameters and resolves them. It writes
// the error response itself and reports whether to continue.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*dispatch.Resolved, bool) {
	raw, ok := requireURL(w, r)
	if !ok {
		return nil, false
	}
	page := 0
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "page must be a positive integer"})
			return nil, false
		}
		page = n
	}
	res, err := s.disp.Lookup(r.Context(), raw, page)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return res, true
}

func requireURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "url parameter is required", Kind: failure.InvalidURL.String()})
		return "", false
	}
	return raw, true
}

func title(ctx context.Context, m *media.ResolvedMedia) string {
	t, err := dispatch.ResolvedTitle(ctx, m)
	if err != nil {
		return dispatch.FallbackTitle(m.ContentID)
	}
	return t
}

// StatusFor maps a pipeline failure to an HTTP status.
func StatusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.InvalidURL, failure.InvalidIdentifier:
		return http.StatusBadRequest
	case failure.UnsupportedPlatform:
		return http.StatusUnprocessableEntity
	case failure.NoStreamsFound:
		return http.StatusNotFound
	case failure.UpstreamRejected:
		if httputil.StatusCode(err) == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case failure.UpstreamShapeError:
		return http.StatusBadGateway
	case failure.UpstreamUnavailable, failure.TranscodeInitError:
		return http.StatusServiceUnavailable
	case failure.EngineBusy:
		return http.StatusTooManyRequests
	case failure.TranscodeRuntimeError:
		return http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: "internal error"}
	if kind := failure.KindOf(err); kind != failure.Unknown {
		body = errorBody{Error: failure.Message(err), Kind: kind.String()}
	} else if status == http.StatusGatewayTimeout {
		body.Error = "request timed out"
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}
	if failure.IsKind(err, failure.EngineBusy) {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
