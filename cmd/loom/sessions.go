package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(configPath),
		newSessionsShowCmd(configPath),
		newSessionsRenameCmd(configPath),
		newSessionsDeleteCmd(configPath),
	)
	return cmd
}

func newSessionsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAST ACTIVITY\tMESSAGES\tNAME")
			for _, s := range summaries {
				name := s.DisplayName
				if name == "" {
					name = s.FirstMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					s.ID, s.LastActivity.Format("2006-01-02 15:04"), s.MessageCount, name)
			}
			return w.Flush()
		},
	}
}

func newSessionsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session details and entry counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.store.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			stats, err := a.manager.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:         %s\n", sess.ID)
			if sess.DisplayName != "" {
				fmt.Fprintf(out, "name:       %s\n", sess.DisplayName)
			}
			if sess.ParentSessionID != "" {
				fmt.Fprintf(out, "forked from: %s\n", sess.ParentSessionID)
			}
			fmt.Fprintf(out, "created:    %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "updated:    %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "leaf:       %s\n", sess.LeafID)
			fmt.Fprintf(out, "entries:    %d (user %d, assistant %d, tool %d)\n",
				stats.EntryCount, stats.UserMessages, stats.AssistantMessages, stats.ToolResults)
			fmt.Fprintf(out, "compactions: %d\n", stats.Compactions)
			fmt.Fprintf(out, "context:    %d messages\n", stats.ContextMessages)
			return nil
		},
	}
}

func newSessionsRenameCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Set a session display name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.manager.Rename(cmd.Context(), args[0], args[1])
		},
	}
}

func newSessionsDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and all of its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.manager.Delete(cmd.Context(), args[0])
		},
	}
}
