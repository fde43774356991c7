package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"loom/internal/llm"

	"github.com/spf13/cobra"
)

func newChatCmd(configPath *string) *cobra.Command {
	var (
		sessionID string
		message   string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the model inside a session",
		Long: "Sends a message to the model and streams the reply. With --message " +
			"it runs a single turn; without it, it reads turns from stdin until EOF.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := buildRunner(a)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id := strings.TrimSpace(sessionID)
			if id == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve cwd: %w", err)
				}
				sess, err := a.manager.Create(ctx, cwd, "")
				if err != nil {
					return fmt.Errorf("create session: %w", err)
				}
				id = sess.ID
				fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", id)
			}

			if strings.TrimSpace(message) != "" {
				return runTurn(ctx, cmd, runner, id, message)
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					break
				}
				if err := runTurn(ctx, cmd, runner, id, line); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to continue (default: new session)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message and exit")
	return cmd
}

type runnerIface interface {
	Submit(ctx context.Context, sessionID, text string) (<-chan llm.Event, error)
}

func runTurn(ctx context.Context, cmd *cobra.Command, runner runnerIface, sessionID, text string) error {
	events, err := runner.Submit(ctx, sessionID, text)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for ev := range events {
		switch ev.Type {
		case llm.EventTextDelta:
			fmt.Fprint(out, ev.TextDelta)
		case llm.EventToolCallStart:
			fmt.Fprintf(out, "\n[tool %s]\n", ev.ToolCall.Name)
		case llm.EventError:
			return ev.Err
		}
	}
	fmt.Fprintln(out)
	return nil
}
