package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mediagrab/internal/dispatch"
	xlog "mediagrab/internal/log"
	"mediagrab/internal/media"
	"mediagrab/internal/player"
	"mediagrab/internal/ui"
)

// Download flags, shared by the root command and download.
var (
	flagFormat    string
	flagPart      int
	flagPick      bool
	flagExtract   bool
	flagPlay      bool
	flagPlayer    string
	flagNoHistory bool
)

// maxPaste bounds share text read from stdin.
const maxPaste = 64 * 1024

var downloadCmd = &cobra.Command{
	Use:     "download [link or share text]",
	Aliases: []string{"dl", "get"},
	Short:   "Download the audio or video behind a share link",
	Args:    cobra.ArbitraryArgs,
	RunE:    downloadRun,
}

func init() {
	addDownloadFlags(downloadCmd)
}

func addDownloadFlags(c *cobra.Command) {
	c.Flags().StringVarP(&flagFormat, "format", "f", "audio", "What to save: audio | video")
	c.Flags().IntVarP(&flagPart, "part", "p", 0, "Part of a multi-part video (default: the link's p parameter)")
	c.Flags().BoolVar(&flagPick, "pick", false, "Choose the part interactively")
	c.Flags().BoolVarP(&flagExtract, "extract", "e", false, "Extract MP3 audio from the video stream")
	c.Flags().BoolVar(&flagPlay, "play", false, "Open the file in a media player when done")
	c.Flags().StringVar(&flagPlayer, "player", "", "Media player: mpv | vlc | iina | celluloid")
	c.Flags().BoolVar(&flagNoHistory, "no-history", false, "Do not record this download")
}

// downloadRun is the default command: mediagrab <link>
func downloadRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, err := media.ParseFormat(flagFormat)
	if err != nil {
		return err
	}
	raw, err := readLink(ctx, args, os.Stdin)
	if err != nil {
		return err
	}

	part := flagPart
	if flagPick && part == 0 {
		if part, err = pickPart(ctx, raw); err != nil {
			return err
		}
	}

	return runDownload(ctx, cmd.OutOrStdout(), dispatch.Request{
		URL:     raw,
		Format:  format,
		Part:    part,
		Extract: flagExtract,
	}, !flagNoHistory)
}

// runDownload dispatches req with a progress view and reports the result.
// History replay uses it too.
func runDownload(ctx context.Context, out io.Writer, req dispatch.Request, record bool) error {
	dir, err := cfg.ExpandDownloadDir()
	if err != nil {
		return fmt.Errorf("resolving download dir: %w", err)
	}
	req.OutputDir = dir

	tracker := ui.StartTracker(ctx, truncate(req.URL, 60), os.Stderr)
	opts := []dispatch.Option{
		dispatch.WithProgress(func(e dispatch.Event) {
			tracker.Update(e.Stage, e.Percent, e.Written, e.Total)
		}),
	}
	if record {
		if store := openHistory(); store != nil {
			defer store.Close()
			opts = append(opts, dispatch.WithHistory(store))
		}
	}

	res, err := newDispatcher(opts...).Dispatch(ctx, req)
	tracker.Finish(err)
	if err != nil {
		return err
	}

	if res.Warning != "" {
		ui.Warn(os.Stderr, res.Warning)
	}
	if flagJSON {
		return printJSON(out, res)
	}
	ui.Success(out, "Saved", res.Path)
	fmt.Fprintln(out, ui.Dim(fmt.Sprintf("%s · %s · %s · %s", res.Platform.DisplayName(), res.Title, res.Mode, media.FormatBytes(res.Bytes))))

	if flagPlay {
		p := player.New(cfg.Player)
		if !p.Available() {
			return fmt.Errorf("player %q not found in PATH", p.Name())
		}
		return p.Open(ctx, res.Path, res.Title)
	}
	return nil
}

// readLink takes the link from the arguments, then from piped stdin, then
// from an interactive prompt.
func readLink(ctx context.Context, args []string, stdin *os.File) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if !xlog.IsTerminal(stdin) {
		b, err := io.ReadAll(io.LimitReader(stdin, maxPaste))
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
		return "", errors.New("no link provided")
	}
	s, err := ui.Input(ctx, "Paste link")
	if err != nil {
		return "", errors.New("no link provided")
	}
	return s, nil
}

// pickPart resolves raw and lets the user choose one of its parts.
func pickPart(ctx context.Context, raw string) (int, error) {
	res, err := newDispatcher().Lookup(ctx, raw, 0)
	if err != nil {
		return 0, err
	}
	m := res.Media
	if !m.MultiPart || len(m.Parts) < 2 {
		return 0, nil
	}
	items := make([]string, len(m.Parts))
	for i, p := range m.Parts {
		items[i] = fmt.Sprintf("P%d  %s  (%s)", p.Page, p.Title, media.FormatDuration(p.DurationSeconds))
	}
	idx, err := ui.Select(ctx, m.Title, items)
	if err != nil {
		return 0, err
	}
	return m.Parts[idx].Page, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
