package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"mediagrab/internal/dispatch"
	"mediagrab/internal/media"
	"mediagrab/internal/ui"
)

var flagResolvePart int

var resolveCmd = &cobra.Command{
	Use:   "resolve <link or share text>",
	Short: "Show the title, parts and stream variants behind a link",
	Args:  cobra.MinimumNArgs(1),
	RunE:  resolveRun,
}

func init() {
	resolveCmd.Flags().IntVarP(&flagResolvePart, "part", "p", 0, "Resolve only this part")
}

func resolveRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	raw := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if flagResolvePart > 0 {
		// Single part: skip resolving the siblings.
		normalized, sig, warning, err := newDispatcher().Classify(raw)
		if err != nil {
			return err
		}
		if warning != "" {
			ui.Warn(cmd.ErrOrStderr(), warning)
		}
		part, err := newResolver().ResolvePart(ctx, sig.Platform, normalized, flagResolvePart)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(out, part)
		}
		printPart(out, *part, true)
		return nil
	}

	res, err := newDispatcher().Lookup(ctx, raw, 0)
	if err != nil {
		return err
	}
	if res.Warning != "" {
		ui.Warn(cmd.ErrOrStderr(), res.Warning)
	}
	if flagJSON {
		return printJSON(out, res.Media)
	}
	printMedia(out, res)
	return nil
}

func printMedia(w io.Writer, res *dispatch.Resolved) {
	m := res.Media
	fmt.Fprintf(w, "%s  %s\n", ui.Dim(m.Platform.DisplayName()), m.Title)
	fmt.Fprintf(w, "  id        %s\n", m.ContentID)
	if m.DurationSeconds > 0 {
		fmt.Fprintf(w, "  duration  %s\n", media.FormatDuration(m.DurationSeconds))
	}
	fmt.Fprintf(w, "  detected  %.2f (%v)\n", res.Signal.Confidence, res.Signal.Reasons)
	printVariants(w, "audio", m.AudioStreams)
	printVariants(w, "video", m.VideoStreams)
	if m.MultiPart {
		fmt.Fprintf(w, "  parts     %d (current P%d)\n", len(m.Parts), m.CurrentPart)
		for _, p := range m.Parts {
			printPart(w, p, false)
		}
	}
}

func printPart(w io.Writer, p media.PartInfo, streams bool) {
	fmt.Fprintf(w, "    P%-3d %s  %s\n", p.Page, media.FormatDuration(p.DurationSeconds), p.Title)
	if streams {
		printVariants(w, "audio", p.AudioStreams)
		printVariants(w, "video", p.VideoStreams)
	}
}

func printVariants(w io.Writer, label string, vs []media.StreamVariant) {
	if len(vs) == 0 {
		return
	}
	fmt.Fprintf(w, "  %-8s ", label)
	for i, v := range vs {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}
		fmt.Fprint(w, v.QualityID)
	}
	fmt.Fprintln(w)
}
