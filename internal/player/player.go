// Package player opens finished downloads in a local media player.
// Every invocation uses exec.CommandContext with an explicit argument slice.
package player

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Player launches a media player on a local file.
type Player interface {
	// Open plays path and blocks until the player exits.
	Open(ctx context.Context, path, title string) error

	// Name returns the player name.
	Name() string

	// Available checks if the player binary exists in PATH.
	Available() bool
}

// argsFunc builds the argument list for one player.
type argsFunc func(path, title string) []string

func mpvArgs(path, title string) []string {
	return []string{
		"--force-media-title=" + title,
		"--really-quiet",
		// Audio files would otherwise open a blank window.
		"--force-window=no",
		"--",
		path,
	}
}

func vlcArgs(path, title string) []string {
	return []string{"--meta-title", title, "--play-and-exit", path}
}

// New creates a player by name. Unknown names fall back to mpv.
func New(name string) Player {
	switch strings.ToLower(name) {
	case "vlc":
		return &command{bin: "vlc", args: vlcArgs}
	case "iina", "celluloid":
		// Both accept mpv-style flags.
		return &command{bin: strings.ToLower(name), args: mpvArgs}
	default:
		return &command{bin: "mpv", args: mpvArgs}
	}
}

type command struct {
	bin  string
	args argsFunc
}

func (c *command) Name() string { return c.bin }

func (c *command) Available() bool {
	_, err := exec.LookPath(c.bin)
	return err == nil
}

func (c *command) cmd(ctx context.Context, path, title string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.bin, c.args(path, title)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd
}

func (c *command) Open(ctx context.Context, path, title string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if err := c.cmd(ctx, path, title).Run(); err != nil {
		// Players exit non-zero when the user closes them.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("running %s: %w", c.bin, err)
	}
	return nil
}
