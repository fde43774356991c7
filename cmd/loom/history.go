package main

import (
	"errors"
	"fmt"
	"strings"

	"loom/internal/session"

	"github.com/spf13/cobra"
)

func newTreeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <session-id>",
		Short: "Print the session's entry tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			lines, err := a.manager.TreeLines(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newBranchCmd(configPath *string) *cobra.Command {
	var summary string

	cmd := &cobra.Command{
		Use:   "branch <session-id> <entry-id>",
		Short: "Move the session leaf to an earlier entry",
		Long: "Repoints the leaf so the next message continues from <entry-id>. " +
			"Entries after the branch point stay in the tree as an abandoned " +
			"sibling branch. Use an empty entry id (\"\") to reset to the root. " +
			"With --summary, a note about the abandoned branch is recorded on " +
			"the new path.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sessionID, entryID := args[0], args[1]
			if strings.TrimSpace(summary) != "" {
				_, err := a.manager.BranchWithSummary(cmd.Context(), sessionID, entryID, summary, nil)
				return err
			}
			return a.manager.Branch(cmd.Context(), sessionID, entryID)
		},
	}

	cmd.Flags().StringVar(&summary, "summary", "", "Record a summary of the abandoned branch")
	return cmd
}

func newForkCmd(configPath *string) *cobra.Command {
	var (
		fromEntry string
		workDir   string
	)

	cmd := &cobra.Command{
		Use:   "fork <session-id>",
		Short: "Copy a session's active branch into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			forked, err := a.manager.Fork(cmd.Context(), args[0], fromEntry, workDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), forked.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromEntry, "at", "", "Fork from this entry (default: current leaf)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "Working directory for the fork (default: inherit)")
	return cmd
}

func newCompactCmd(configPath *string) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "compact <session-id>",
		Short: "Summarize older history on the active branch",
		Long: "Writes a compaction entry so context assembly replaces everything " +
			"before the last --keep messages with a generated summary.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := a.manager.AutoCompact(cmd.Context(), args[0], 1, keep)
			if err != nil {
				if errors.Is(err, session.ErrCompactionNotNeeded) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to compact")
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compacted at %s\n", entry.ID)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 8, "Messages to keep verbatim after the summary")
	return cmd
}

func newLabelCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Name entries so branch points are easy to find",
	}
	cmd.AddCommand(newLabelSetCmd(configPath), newLabelListCmd(configPath))
	return cmd
}

func newLabelSetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <session-id> <entry-id> <value>",
		Short: "Label an entry (empty value clears it)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.manager.Label(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func newLabelListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <session-id>",
		Short: "List current labels in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			labels, err := a.store.CurrentLabels(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for entryID, value := range labels {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", entryID, value)
			}
			return nil
		},
	}
}

func newSearchCmd(configPath *string) *cobra.Command {
	var (
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search message text across sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			hits, err := a.store.SearchEntries(cmd.Context(), sessionID, args[0], limit)
			if err != nil {
				return err
			}
			for _, hit := range hits {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d) %s\n",
					hit.SessionID, hit.EntryID, hit.Occurrences, hit.Snippet)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Limit the search to one session")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum hits to print (0 for all)")
	return cmd
}
