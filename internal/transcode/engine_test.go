package transcode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mediagrab/internal/failure"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memRuntime is an in-memory Runtime. Exec "converts" input.mp4 into
// output.mp3 by prefixing the bytes.
type memRuntime struct {
	mu      sync.Mutex
	files   map[string][]byte
	execErr error
	gate    chan struct{}
	started chan struct{}
	execs   atomic.Int32
}

func newMemRuntime() *memRuntime {
	return &memRuntime{files: map[string][]byte{}}
}

func (r *memRuntime) WriteFile(name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[name]; ok {
		return fmt.Errorf("writing %s: %w", name, fs.ErrExist)
	}
	r.files[name] = data
	return nil
}

func (r *memRuntime) ReadFile(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.files[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return b, nil
}

func (r *memRuntime) DeleteFile(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, name)
	return nil
}

func (r *memRuntime) Exec(ctx context.Context, args []string, progress func(int)) error {
	r.execs.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.execErr != nil {
		return r.execErr
	}
	in, err := r.ReadFile(inputName)
	if err != nil {
		return err
	}
	progress(50)
	progress(100)
	return r.WriteFile(outputName, append([]byte("mp3:"), in...))
}

func (r *memRuntime) fileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func staticLoader(rt Runtime) (Loader, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) (Runtime, error) {
		calls.Add(1)
		return rt, nil
	}, &calls
}

func source(data string) Source {
	return Source{Name: "clip.mp4", Fetch: func(context.Context) ([]byte, error) { return []byte(data), nil }}
}

func TestConvertCompletesAndCleansScratch(t *testing.T) {
	rt := newMemRuntime()
	load, _ := staticLoader(rt)
	e := NewEngine(load)

	var mu sync.Mutex
	var stages []Stage
	blob, err := e.Convert(context.Background(), nil, source("video-bytes"), func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		if len(stages) == 0 || stages[len(stages)-1] != u.Stage {
			stages = append(stages, u.Stage)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("mp3:video-bytes"), blob.Data)
	assert.Equal(t, "audio/mpeg", blob.MIMEType)
	assert.Equal(t, "clip.mp3", blob.Name)
	assert.Equal(t, 0, rt.fileCount(), "scratch filesystem must be empty")
	assert.Equal(t, []Stage{StageLoading, StageDownloading, StageConverting, StageCompleted}, stages)
	assert.Equal(t, 0, e.Refs())

	// Same fixed file names again.
	blob, err = e.Convert(context.Background(), nil, source("second"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3:second"), blob.Data)
	assert.Equal(t, 0, rt.fileCount())
}

func TestConvertRuntimeErrorCleansScratch(t *testing.T) {
	rt := newMemRuntime()
	rt.execErr = errors.New("Invalid data found when processing input")
	load, _ := staticLoader(rt)
	e := NewEngine(load)

	var last Update
	_, err := e.Convert(context.Background(), nil, source("garbage"), func(u Update) { last = u })
	require.Error(t, err)
	assert.Equal(t, failure.TranscodeRuntimeError, failure.KindOf(err))
	assert.Equal(t, StageError, last.Stage)
	assert.Equal(t, "audio extraction failed", last.Err)
	assert.Equal(t, 0, rt.fileCount())

	rt.execErr = nil
	_, err = e.Convert(context.Background(), nil, source("good"), nil)
	require.NoError(t, err)
}

func TestBlobOwnsItsBuffer(t *testing.T) {
	rt := newMemRuntime()
	load, _ := staticLoader(rt)
	e := NewEngine(load)

	blob, err := e.Convert(context.Background(), nil, source("abc"), nil)
	require.NoError(t, err)
	blob.Data[0] = 'X'

	blob2, err := e.Convert(context.Background(), nil, source("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3:abc"), blob2.Data)
}

func TestInitializeSharesOneLoad(t *testing.T) {
	rt := newMemRuntime()
	release := make(chan struct{})
	var calls atomic.Int32
	e := NewEngine(func(context.Context) (Runtime, error) {
		calls.Add(1)
		<-release
		return rt, nil
	})

	const n = 8
	var wg sync.WaitGroup
	handles := make(chan *Handle, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := e.Initialize(context.Background())
			if assert.NoError(t, err) {
				handles <- h
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(handles)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, n, e.Refs())
	for h := range handles {
		h.Release()
		h.Release()
	}
	assert.Equal(t, 0, e.Refs())
	assert.True(t, e.Loaded(), "runtime is never torn down")
}

func TestInitializeRetriesAfterFailure(t *testing.T) {
	rt := newMemRuntime()
	var calls atomic.Int32
	e := NewEngine(func(context.Context) (Runtime, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("ffmpeg not found in PATH")
		}
		return rt, nil
	})

	_, err := e.Initialize(context.Background())
	assert.Equal(t, failure.TranscodeInitError, failure.KindOf(err))
	assert.False(t, e.Loaded())

	h, err := e.Initialize(context.Background())
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, int32(2), calls.Load())
}

func TestConvertRejectsWhenBusy(t *testing.T) {
	rt := newMemRuntime()
	rt.gate = make(chan struct{})
	rt.started = make(chan struct{}, 1)
	load, _ := staticLoader(rt)
	e := NewEngine(load, WithMaxQueue(0))

	done := make(chan error, 1)
	go func() {
		_, err := e.Convert(context.Background(), nil, source("first"), nil)
		done <- err
	}()
	<-rt.started

	_, err := e.Convert(context.Background(), nil, source("second"), nil)
	assert.Equal(t, failure.EngineBusy, failure.KindOf(err))

	close(rt.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), rt.execs.Load())
}

func TestConvertBusyFetchesNothing(t *testing.T) {
	rt := newMemRuntime()
	rt.gate = make(chan struct{})
	rt.started = make(chan struct{}, 1)
	load, _ := staticLoader(rt)
	e := NewEngine(load, WithMaxQueue(0))

	done := make(chan error, 1)
	go func() {
		_, err := e.Convert(context.Background(), nil, source("first"), nil)
		done <- err
	}()
	<-rt.started

	var fetches atomic.Int32
	second := Source{Name: "big.mp4", Fetch: func(context.Context) ([]byte, error) {
		fetches.Add(1)
		return make([]byte, 1<<20), nil
	}}
	_, err := e.Convert(context.Background(), nil, second, nil)
	assert.Equal(t, failure.EngineBusy, failure.KindOf(err))
	assert.Zero(t, fetches.Load())

	close(rt.gate)
	require.NoError(t, <-done)
}

func TestConvertBusyWhileFirstJobDownloads(t *testing.T) {
	load, _ := staticLoader(newMemRuntime())
	e := NewEngine(load, WithMaxQueue(0))

	fetching := make(chan struct{})
	unblock := make(chan struct{})
	slow := Source{Name: "slow.mp4", Fetch: func(context.Context) ([]byte, error) {
		close(fetching)
		<-unblock
		return []byte("slow"), nil
	}}
	done := make(chan error, 1)
	go func() {
		_, err := e.Convert(context.Background(), nil, slow, nil)
		done <- err
	}()
	<-fetching

	_, err := e.Convert(context.Background(), nil, source("second"), nil)
	assert.Equal(t, failure.EngineBusy, failure.KindOf(err))

	close(unblock)
	require.NoError(t, <-done)

	_, err = e.Convert(context.Background(), nil, source("third"), nil)
	assert.NoError(t, err, "place is freed once the first job finishes")
}

func TestConvertQueuesWhenAllowed(t *testing.T) {
	rt := newMemRuntime()
	rt.gate = make(chan struct{})
	rt.started = make(chan struct{}, 2)
	load, _ := staticLoader(rt)
	e := NewEngine(load, WithMaxQueue(1))

	results := make(chan error, 2)
	go func() {
		_, err := e.Convert(context.Background(), nil, source("first"), nil)
		results <- err
	}()
	<-rt.started

	go func() {
		_, err := e.Convert(context.Background(), nil, source("second"), nil)
		results <- err
	}()
	require.Eventually(t, func() bool { return e.waiting.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), rt.execs.Load(), "second job must wait")

	close(rt.gate)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, int32(2), rt.execs.Load())
	assert.Equal(t, 0, rt.fileCount())
}

func TestConvertCancellationDiscardsResult(t *testing.T) {
	rt := newMemRuntime()
	rt.gate = make(chan struct{})
	rt.started = make(chan struct{}, 1)
	load, _ := staticLoader(rt)
	e := NewEngine(load)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Convert(ctx, nil, source("x"), nil)
		done <- err
	}()
	<-rt.started
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rt.fileCount())
}

func TestJobTransitions(t *testing.T) {
	j := NewJob(nil)
	assert.Equal(t, StageIdle, j.Stage())
	assert.Error(t, j.Advance(StageConverting))
	require.NoError(t, j.Advance(StageLoading))
	require.NoError(t, j.Advance(StageDownloading))
	j.SetProgress(140)
	assert.Equal(t, 100, j.Progress())
	j.Fail("boom")
	assert.Equal(t, StageError, j.Stage())
	assert.Equal(t, "boom", j.Err())
	assert.Error(t, j.Advance(StageConverting), "terminal stage")
	j.Fail("again")
	assert.Equal(t, "boom", j.Err())
}

func TestOutputName(t *testing.T) {
	tests := map[string]string{
		"clip.mp4":  "clip.mp3",
		"Mr. Smith": "Mr. Smith.mp3",
		"":          "audio.mp3",
		"song":      "song.mp3",
	}
	for in, want := range tests {
		if got := OutputName(in); got != want {
			t.Errorf("OutputName(%q) = %q, want %q", in, got, want)
		}
	}
}
