// Package download saves stream bytes to disk. Pass-through downloads go to
// a .part file that is resumed with a Range request after a failure and
// renamed into place when complete.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"mediagrab/internal/failure"
	"mediagrab/internal/httputil"
	xlog "mediagrab/internal/log"
	"mediagrab/internal/retry"
)

// partSuffix marks an incomplete download.
const partSuffix = ".part"

// DefaultAttemptTimeout bounds one transfer attempt. Stream downloads are
// much longer than metadata calls.
const DefaultAttemptTimeout = 30 * time.Minute

// ProgressFunc is called as bytes arrive. total is -1 when unknown.
type ProgressFunc func(written, total int64)

// Saver downloads stream URLs to files.
type Saver struct {
	client httputil.Doer
	policy retry.Policy
	resume bool
	log    zerolog.Logger
}

// Option configures a Saver.
type Option func(*Saver)

// WithPolicy sets the retry policy for transfers.
func WithPolicy(p retry.Policy) Option {
	return func(s *Saver) { s.policy = p }
}

// WithResume toggles .part resumption. When off, files are written through
// a pending temp file and atomically replaced.
func WithResume(on bool) Option {
	return func(s *Saver) { s.resume = on }
}

// NewSaver returns a Saver using client.
func NewSaver(client httputil.Doer, opts ...Option) *Saver {
	p := retry.DefaultPolicy()
	p.AttemptTimeout = DefaultAttemptTimeout
	s := &Saver{client: client, policy: p, resume: true, log: xlog.WithComponent("download")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save downloads rawURL to dest and returns the number of bytes in dest.
func (s *Saver) Save(ctx context.Context, rawURL string, headers map[string]string, dest string, progress ProgressFunc) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating output directory: %w", err)
	}
	logger := s.log.With().Str(xlog.FieldPath, dest).Logger()

	n, err := retry.Do(ctx, s.policy, logger, func(ctx context.Context) (int64, error) {
		if s.resume {
			return s.resumable(ctx, rawURL, headers, dest, progress)
		}
		return s.atomic(ctx, rawURL, headers, dest, progress)
	})
	if err != nil {
		return 0, err
	}
	logger.Info().Int64(xlog.FieldBytes, n).Msg("download saved")
	return n, nil
}

func (s *Saver) resumable(ctx context.Context, rawURL string, headers map[string]string, dest string, progress ProgressFunc) (int64, error) {
	part := dest + partSuffix
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("checking partial download: %w", err)
	}

	h := cloneHeaders(headers)
	if offset > 0 {
		h["Range"] = "bytes=" + strconv.FormatInt(offset, 10) + "-"
	}
	resp, err := httputil.Get(ctx, s.client, rawURL, h)
	if err != nil {
		if offset > 0 && httputil.StatusCode(err) == http.StatusRequestedRangeNotSatisfiable {
			// The part file already holds the whole stream.
			if err := os.Rename(part, dest); err != nil {
				return 0, fmt.Errorf("finalizing download: %w", err)
			}
			return offset, nil
		}
		return 0, err
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if resp.StatusCode != http.StatusPartialContent {
		// Server ignored the range; start over.
		offset = 0
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening partial file: %w", err)
	}

	total := totalSize(resp, offset)
	if offset > 0 {
		s.log.Debug().Int64("offset", offset).Str(xlog.FieldPath, dest).Msg("resuming download")
	}
	written, copyErr := io.Copy(f, &countingReader{r: resp.Body, n: offset, total: total, progress: progress})
	closeErr := f.Close()
	if copyErr != nil {
		return 0, failure.Wrap(failure.UpstreamUnavailable, copyErr, "stream transfer interrupted")
	}
	if closeErr != nil {
		return 0, fmt.Errorf("closing partial file: %w", closeErr)
	}
	size := offset + written
	if total > 0 && size < total {
		return 0, failure.Newf(failure.UpstreamUnavailable, "stream ended early at %d of %d bytes", size, total)
	}
	if err := os.Rename(part, dest); err != nil {
		return 0, fmt.Errorf("finalizing download: %w", err)
	}
	return size, nil
}

func (s *Saver) atomic(ctx context.Context, rawURL string, headers map[string]string, dest string, progress ProgressFunc) (int64, error) {
	resp, err := httputil.Get(ctx, s.client, rawURL, headers)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	pf, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("creating pending file: %w", err)
	}
	defer pf.Cleanup()

	total := totalSize(resp, 0)
	n, err := io.Copy(pf, &countingReader{r: resp.Body, total: total, progress: progress})
	if err != nil {
		return 0, failure.Wrap(failure.UpstreamUnavailable, err, "stream transfer interrupted")
	}
	if total > 0 && n < total {
		return 0, failure.Newf(failure.UpstreamUnavailable, "stream ended early at %d of %d bytes", n, total)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("finalizing download: %w", err)
	}
	return n, nil
}

// Fetch downloads rawURL fully into memory. It is the source step of a
// transcode.
func (s *Saver) Fetch(ctx context.Context, rawURL string, headers map[string]string, progress ProgressFunc) ([]byte, error) {
	return retry.Do(ctx, s.policy, s.log, func(ctx context.Context) ([]byte, error) {
		resp, err := httputil.Get(ctx, s.client, rawURL, headers)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		total := totalSize(resp, 0)
		b, err := io.ReadAll(&countingReader{r: resp.Body, total: total, progress: progress})
		if err != nil {
			return nil, failure.Wrap(failure.UpstreamUnavailable, err, "stream transfer interrupted")
		}
		return b, nil
	})
}

// WriteFile atomically writes data to dest.
func WriteFile(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := renameio.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

// totalSize returns the full stream size or -1.
func totalSize(resp *http.Response, offset int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	if resp.ContentLength >= 0 {
		return offset + resp.ContentLength
	}
	return -1
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

type countingReader struct {
	r        io.Reader
	n        int64
	total    int64
	progress ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.progress != nil {
			c.progress(c.n, c.total)
		}
	}
	return n, err
}
