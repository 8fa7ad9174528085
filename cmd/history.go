package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mediagrab/internal/dispatch"
	"mediagrab/internal/history"
	"mediagrab/internal/media"
	"mediagrab/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Pick a past download and fetch it again",
	Args:  cobra.NoArgs,
	RunE:  historyRun,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past downloads, newest first",
	Args:  cobra.NoArgs,
	RunE:  historyListRun,
}

var historyReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Download a history entry again",
	Args:  cobra.ExactArgs(1),
	RunE:  historyReplayRun,
}

var historyRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove one history entry",
	Args:    cobra.ExactArgs(1),
	RunE:    historyRemoveRun,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every history entry",
	Args:  cobra.NoArgs,
	RunE:  historyClearRun,
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyReplayCmd, historyRemoveCmd, historyClearCmd)
}

func openStore() (*history.Store, error) {
	if !cfg.History.Enabled {
		return nil, errors.New("history is disabled in the configuration")
	}
	path, err := cfg.HistoryPath()
	if err != nil {
		return nil, err
	}
	return history.Open(path, cfg.History.MaxEntries)
}

// historyRun shows the history in fzf and replays the chosen entry.
func historyRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore()
	if err != nil {
		return err
	}
	entries, err := store.List(ctx)
	store.Close()
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No history entries found.")
		return nil
	}

	idx, err := ui.Select(ctx, "History", formatEntries(entries))
	if err != nil {
		return err
	}
	return replay(cmd, entries[idx])
}

func historyListRun(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No history entries found.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tPLATFORM\tFORMAT\tTITLE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(e.ID), e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Platform, e.Format, e.Title)
	}
	return tw.Flush()
}

func historyReplayRun(cmd *cobra.Command, args []string) error {
	e, err := findEntry(cmd, args[0])
	if err != nil {
		return err
	}
	return replay(cmd, e)
}

func historyRemoveRun(cmd *cobra.Command, args []string) error {
	e, err := findEntry(cmd, args[0])
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Remove(cmd.Context(), e.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", e.Title)
	return nil
}

func historyClearRun(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
	return nil
}

// findEntry accepts a full ID or a unique prefix of at least four characters.
func findEntry(cmd *cobra.Command, id string) (media.HistoryEntry, error) {
	store, err := openStore()
	if err != nil {
		return media.HistoryEntry{}, err
	}
	defer store.Close()

	e, err := store.Get(cmd.Context(), id)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, history.ErrNotFound) {
		return e, err
	}
	if len(id) < 4 {
		return e, fmt.Errorf("no history entry %q", id)
	}
	entries, err := store.List(cmd.Context())
	if err != nil {
		return e, err
	}
	return matchPrefix(entries, id)
}

func matchPrefix(entries []media.HistoryEntry, prefix string) (media.HistoryEntry, error) {
	var found []media.HistoryEntry
	for _, e := range entries {
		if strings.HasPrefix(e.ID, prefix) {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return media.HistoryEntry{}, fmt.Errorf("no history entry %q", prefix)
	case 1:
		return found[0], nil
	default:
		return media.HistoryEntry{}, fmt.Errorf("%q matches %d entries", prefix, len(found))
	}
}

// replay re-dispatches the entry's URL with its format. The new download
// is recorded as a fresh entry.
func replay(cmd *cobra.Command, e media.HistoryEntry) error {
	return runDownload(cmd.Context(), cmd.OutOrStdout(), dispatch.Request{URL: e.URL, Format: e.Format}, true)
}

func formatEntries(entries []media.HistoryEntry) []string {
	items := make([]string, len(entries))
	for i, e := range entries {
		items[i] = fmt.Sprintf("[%s] %s (%s, %s)", e.CreatedAt.Local().Format("01-02 15:04"), e.Title, e.Platform.DisplayName(), e.Format)
	}
	return items
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
