package transcode

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Stage is a point in a job's lifecycle.
type Stage int

const (
	StageIdle Stage = iota
	StageLoading
	StageDownloading
	StageConverting
	StageCompleted
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageLoading:
		return "loading"
	case StageDownloading:
		return "downloading"
	case StageConverting:
		return "converting"
	case StageCompleted:
		return "completed"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

var nextStage = map[Stage]Stage{
	StageIdle:        StageLoading,
	StageLoading:     StageDownloading,
	StageDownloading: StageConverting,
	StageConverting:  StageCompleted,
}

// Update is a snapshot of a job's state delivered to progress callbacks.
type Update struct {
	JobID    string
	Stage    Stage
	Progress int
	Err      string
}

// ProgressFunc receives job updates. It must not block.
type ProgressFunc func(Update)

// Job tracks one conversion.
type Job struct {
	ID string

	mu       sync.Mutex
	stage    Stage
	progress int
	err      string
	src      []byte
	notify   ProgressFunc
}

// NewJob returns an Idle job. notify may be nil.
func NewJob(notify ProgressFunc) *Job {
	return &Job{ID: uuid.NewString(), notify: notify}
}

// Stage returns the current stage.
func (j *Job) Stage() Stage {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stage
}

// Progress returns the progress within the current stage, 0-100.
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Err returns the failure message of a job in the Error stage.
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Advance moves the job to the next stage. Only the forward path
// Idle, Loading, Downloading, Converting, Completed is allowed.
func (j *Job) Advance(to Stage) error {
	j.mu.Lock()
	if next, ok := nextStage[j.stage]; !ok || next != to {
		from := j.stage
		j.mu.Unlock()
		return fmt.Errorf("invalid job transition %s -> %s", from, to)
	}
	j.stage = to
	j.progress = 0
	if to == StageCompleted {
		j.progress = 100
	}
	u := j.snapshot()
	j.mu.Unlock()
	j.emit(u)
	return nil
}

// SetProgress records progress within the current stage.
func (j *Job) SetProgress(p int) {
	j.mu.Lock()
	if j.stage.Terminal() {
		j.mu.Unlock()
		return
	}
	j.progress = min(max(p, 0), 100)
	u := j.snapshot()
	j.mu.Unlock()
	j.emit(u)
}

// Fail moves a non-terminal job to Error.
func (j *Job) Fail(msg string) {
	j.mu.Lock()
	if j.stage.Terminal() {
		j.mu.Unlock()
		return
	}
	j.stage = StageError
	j.err = msg
	j.src = nil
	u := j.snapshot()
	j.mu.Unlock()
	j.emit(u)
}

func (j *Job) snapshot() Update {
	return Update{JobID: j.ID, Stage: j.stage, Progress: j.progress, Err: j.err}
}

func (j *Job) emit(u Update) {
	if j.notify != nil {
		j.notify(u)
	}
}

// setSource hands the downloaded bytes to the job.
func (j *Job) setSource(b []byte) {
	j.mu.Lock()
	j.src = b
	j.mu.Unlock()
}

// takeSource returns the source bytes and drops the job's reference.
func (j *Job) takeSource() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	b := j.src
	j.src = nil
	return b
}
