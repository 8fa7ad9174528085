package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "mediagrab/internal/log"
)

// Runtime is a loaded media toolchain with its own scratch filesystem.
// Names passed to the file methods are plain file names inside that
// filesystem.
type Runtime interface {
	WriteFile(name string, data []byte) error
	ReadFile(name string) ([]byte, error)
	DeleteFile(name string) error
	// Exec runs the toolchain with args and reports progress 0-100.
	Exec(ctx context.Context, args []string, progress func(percent int)) error
}

// Loader loads a Runtime. It is called at most once per successful load.
type Loader func(ctx context.Context) (Runtime, error)

// FFmpegLoader returns a Loader that locates bin, checks that it runs and
// gives it a private scratch directory.
func FFmpegLoader(bin string) Loader {
	return func(ctx context.Context) (Runtime, error) {
		path, err := exec.LookPath(bin)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
		}
		out, err := exec.CommandContext(ctx, path, "-hide_banner", "-version").Output() // #nosec G204
		if err != nil {
			return nil, fmt.Errorf("probing %s: %w", path, err)
		}
		dir, err := os.MkdirTemp("", "mediagrab-ffmpeg-")
		if err != nil {
			return nil, fmt.Errorf("creating scratch directory: %w", err)
		}
		rt := &ffmpegRuntime{bin: path, dir: dir, log: xlog.WithComponent("ffmpeg")}
		rt.log.Info().
			Str("version", firstLine(out)).
			Str(xlog.FieldPath, dir).
			Msg("ffmpeg runtime loaded")
		return rt, nil
	}
}

type ffmpegRuntime struct {
	bin string
	dir string
	log zerolog.Logger
}

func (r *ffmpegRuntime) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid scratch file name %q", name)
	}
	return filepath.Join(r.dir, name), nil
}

// WriteFile refuses to overwrite, so a leaked entry from an earlier job
// surfaces as an error instead of silently feeding stale input.
func (r *ffmpegRuntime) WriteFile(name string, data []byte) error {
	p, err := r.path(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}

func (r *ffmpegRuntime) ReadFile(name string) ([]byte, error) {
	p, err := r.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (r *ffmpegRuntime) DeleteFile(name string) error {
	p, err := r.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *ffmpegRuntime) Exec(ctx context.Context, args []string, progress func(int)) error {
	full := append([]string{"-hide_banner", "-nostdin", "-progress", "pipe:1", "-nostats"}, args...)
	cmd := exec.CommandContext(ctx, r.bin, full...) // #nosec G204
	cmd.Dir = r.dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	tracker := &progressTracker{report: progress}
	tail := &lineTail{max: 8}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, tracker.parseProgressLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			tracker.parseLogLine(line)
			tail.add(line)
		})
	}()

	r.log.Debug().Str("command", cmd.String()).Msg("starting ffmpeg")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tail.String())
	}
	r.log.Debug().Dur("elapsed", time.Since(start)).Msg("ffmpeg finished")
	return nil
}

func scanLines(rd io.Reader, fn func(string)) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
}

var durationLine = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// progressTracker turns ffmpeg's -progress key=value stream into percent
// updates using the input duration printed on stderr.
type progressTracker struct {
	mu     sync.Mutex
	total  time.Duration
	last   int
	report func(int)
}

func (t *progressTracker) parseLogLine(line string) {
	m := durationLine.FindStringSubmatch(line)
	if m == nil {
		return
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, _ := strconv.ParseFloat(m[3], 64)
	d := time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(sec*float64(time.Second))

	t.mu.Lock()
	if t.total == 0 {
		t.total = d
	}
	t.mu.Unlock()
}

func (t *progressTracker) parseProgressLine(line string) {
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	val = strings.TrimSpace(val)

	switch key {
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds.
		us, err := strconv.ParseInt(val, 10, 64)
		if err != nil || us < 0 {
			return
		}
		t.mu.Lock()
		total := t.total
		t.mu.Unlock()
		if total > 0 {
			t.emit(int(time.Duration(us) * time.Microsecond * 100 / total))
		}
	case "progress":
		if val == "end" {
			t.emit(100)
		}
	}
}

// emit reports monotonically increasing percentages only.
func (t *progressTracker) emit(p int) {
	p = min(max(p, 0), 100)
	t.mu.Lock()
	if p <= t.last {
		t.mu.Unlock()
		return
	}
	t.last = p
	t.mu.Unlock()
	if t.report != nil {
		t.report(p)
	}
}

// lineTail keeps the last few stderr lines for error messages.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (l *lineTail) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	if len(l.lines) > l.max {
		l.lines = l.lines[len(l.lines)-l.max:]
	}
}

func (l *lineTail) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "; ")
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	return strings.TrimSpace(string(line))
}
