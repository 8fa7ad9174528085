package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"mediagrab/internal/media"
)

// ProgressMsg updates the progress view.
type ProgressMsg struct {
	Stage   string
	Percent int
	Written int64
	Total   int64
}

type doneMsg struct{ err error }

// ProgressModel renders one download: a spinner, the current stage and a
// bar. It quits on the first done message.
type ProgressModel struct {
	label   string
	bar     progress.Model
	spin    spinner.Model
	stage   string
	percent float64
	written int64
	total   int64
	done    bool
	err     error
}

// NewProgressModel returns a model labelled with the download title.
func NewProgressModel(label string) ProgressModel {
	return ProgressModel{
		label: label,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spin:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		stage: "starting",
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return m.spin.Tick
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ProgressMsg:
		if msg.Stage != m.stage {
			// Each stage reports its own 0-100 range.
			m.percent = 0
		}
		m.stage = msg.Stage
		m.percent = min(max(float64(msg.Percent)/100, m.percent), 1)
		m.written, m.total = msg.Written, msg.Total
		return m, nil
	case doneMsg:
		m.done = true
		m.err = msg.err
		if msg.err == nil {
			m.percent = 1
		}
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-len(m.stage)-20, 10), 60)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m ProgressModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.label))
	b.WriteString("\n")
	if m.done {
		if m.err != nil {
			b.WriteString(errorStyle.Render("failed"))
		} else {
			b.WriteString(successStyle.Render("done"))
		}
	} else {
		b.WriteString(m.spin.View())
		b.WriteString(" ")
		b.WriteString(m.stage)
	}
	b.WriteString(" ")
	b.WriteString(m.bar.ViewAs(m.percent))
	if m.total > 0 {
		b.WriteString(" ")
		b.WriteString(Dim(media.FormatBytes(m.written) + " / " + media.FormatBytes(m.total)))
	} else if m.written > 0 {
		b.WriteString(" ")
		b.WriteString(Dim(media.FormatBytes(m.written)))
	}
	b.WriteString("\n")
	return b.String()
}

// Tracker shows the progress of one download. On a terminal it drives a
// bubbletea program; otherwise it prints one line per stage.
type Tracker struct {
	prog *tea.Program
	exit chan struct{}

	out       io.Writer
	mu        sync.Mutex
	lastStage string
}

// StartTracker begins rendering to out.
func StartTracker(ctx context.Context, label string, out io.Writer) *Tracker {
	t := &Tracker{out: out}
	if !isTerminal(out) {
		fmt.Fprintln(out, label)
		return t
	}
	t.prog = tea.NewProgram(NewProgressModel(label),
		tea.WithContext(ctx),
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	t.exit = make(chan struct{})
	go func() {
		defer close(t.exit)
		_, _ = t.prog.Run()
	}()
	return t
}

// Update reports progress. Safe for concurrent use.
func (t *Tracker) Update(stage string, percent int, written, total int64) {
	if t.prog != nil {
		t.prog.Send(ProgressMsg{Stage: stage, Percent: percent, Written: written, Total: total})
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if stage != t.lastStage {
		t.lastStage = stage
		fmt.Fprintf(t.out, "  %s\n", stage)
	}
}

// Finish stops the view and waits for it to exit.
func (t *Tracker) Finish(err error) {
	if t.prog == nil {
		return
	}
	t.prog.Send(doneMsg{err: err})
	<-t.exit
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
