package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mediagrab/internal/detect"
	"mediagrab/internal/failure"
)

var detectCmd = &cobra.Command{
	Use:   "detect <link or share text>",
	Short: "Show which platform a link belongs to and how confident the match is",
	Args:  cobra.MinimumNArgs(1),
	RunE:  detectRun,
}

type detectOutput struct {
	URL    string        `json:"url"`
	Band   string        `json:"band"`
	Signal detect.Signal `json:"signal"`
}

func detectRun(cmd *cobra.Command, args []string) error {
	det := newDetector()
	normalized, sig, _, err := newDispatcher().Classify(strings.Join(args, " "))
	if err != nil && !failure.IsKind(err, failure.UnsupportedPlatform) {
		return err
	}
	out := detectOutput{URL: normalized, Band: det.Band(sig).String(), Signal: sig}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s\n", normalized)
	fmt.Fprintf(w, "  platform    %s\n", sig.Platform.DisplayName())
	fmt.Fprintf(w, "  confidence  %.2f (%s)\n", sig.Confidence, out.Band)
	for _, r := range sig.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	return nil
}
