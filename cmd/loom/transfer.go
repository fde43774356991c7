package main

import (
	"fmt"
	"os"
	"strings"

	"loom/internal/export"

	"github.com/spf13/cobra"
)

func newExportCmd(configPath *string) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if path := strings.TrimSpace(outPath); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer func() {
					_ = f.Close()
				}()
				w = f
			}
			return export.Export(cmd.Context(), a.store, args[0], w)
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}

func newImportCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import an NDJSON session dump",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			r := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open import file: %w", err)
				}
				defer func() {
					_ = f.Close()
				}()
				r = f
			}

			sess, err := export.Import(cmd.Context(), a.store, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			return nil
		},
	}
}
