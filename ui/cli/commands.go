// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/toeirei/hostmove/internal/config"
	"github.com/toeirei/hostmove/internal/core"
	"github.com/toeirei/hostmove/internal/i18n"
)

// finish prints the summary and turns it into the command's error.
func finish(cmd *cobra.Command, sum core.Summary) error {
	printSummary(cmd.OutOrStdout(), sum)
	if code := sum.ExitCode(); code != core.ExitOK {
		return &ExitError{Code: code, Err: sum.Err}
	}
	return nil
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [label]",
		Short: "Snapshot the datasets and write a migration package",
		Long: `Resolves the base directory, snapshots every selected dataset with one
shared label and writes migrate-<label>.pkg containing the dataset streams,
the service configuration files and a manifest. An existing package is never
overwritten.`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := core.ExportOptions{}
			if len(args) > 0 {
				opts.Label = args[0]
			}
			opts.OutDir, _ = cmd.Flags().GetString("out")
			opts.Push, _ = cmd.Flags().GetString("push")
			opts.PruneKeep, _ = cmd.Flags().GetInt("prune-keep")
			opts.FromLatest, _ = cmd.Flags().GetBool("from-latest")
			if opts.FromLatest && opts.Label != "" {
				return errors.New("a label cannot be combined with --from-latest")
			}

			e, cleanup, err := engineFor()
			if err != nil {
				return err
			}
			defer cleanup()
			return finish(cmd, e.RunExport(cmd.Context(), opts))
		},
	}
	cmd.Flags().String("out", "", "Output directory (default: export.out_dir)")
	cmd.Flags().String("push", "", "Upload the package to user@host:/dir after writing it")
	cmd.Flags().Int("prune-keep", 0, "Keep only the newest N migrate- snapshots per dataset afterwards")
	cmd.Flags().Bool("from-latest", false, "Package the newest existing migrate- snapshot instead of taking new ones")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <package-path> [target-base-dir]",
		Short: "Verify and restore a package, then reconcile services",
		Long: `Verifies the package completely before touching storage, receives every
dataset into the import namespace below <target-base-dir>/imported and then
repoints the bound services at <target-base-dir>. Without a target base
directory the base directory of this host is resolved.`,
		Args:    cobra.RangeArgs(1, 2),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := core.ImportOptions{Package: args[0]}
			if len(args) > 1 {
				opts.TargetBase = args[1]
			}
			opts.NoReconcile, _ = cmd.Flags().GetBool("no-reconcile")
			opts.RestoreConfigs, _ = cmd.Flags().GetBool("restore-configs")

			e, cleanup, err := engineFor()
			if err != nil {
				return err
			}
			defer cleanup()
			return finish(cmd, e.RunImport(cmd.Context(), opts))
		},
	}
	cmd.Flags().Bool("no-reconcile", false, "Restore only; do not touch service configuration")
	cmd.Flags().Bool("restore-configs", false, "Install packaged configuration files that are absent on this host")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "reconcile [target-base-dir]",
		Short:   "Repoint service configuration at a base directory",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := ""
			if len(args) > 0 {
				base = args[0]
			}
			e, cleanup, err := engineFor()
			if err != nil {
				return err
			}
			defer cleanup()
			return finish(cmd, e.RunReconcile(cmd.Context(), base))
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "push <package-path> <user@host:/dir>",
		Short:   "Upload a package to another host over SFTP",
		Args:    cobra.ExactArgs(2),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := engineFor()
			if err != nil {
				return err
			}
			defer cleanup()
			return finish(cmd, e.RunPush(cmd.Context(), args[0], args[1]))
		},
	}
}

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Destroy old migrate- snapshots",
		Args:    cobra.NoArgs,
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			e, cleanup, err := engineFor()
			if err != nil {
				return err
			}
			defer cleanup()
			return finish(cmd, e.RunPrune(cmd.Context(), keep))
		},
	}
	cmd.Flags().Int("keep", 1, "Number of migrate- snapshots to keep per dataset")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "verify <package-path>",
		Short:   "Check a package's integrity without restoring it",
		Args:    cobra.ExactArgs(1),
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := newEngine(appConfig, nil)
			m, sum := e.Verify(args[0])
			if m != nil {
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("verify.manifest", m.Label, m.SourceHost, m.OSVersion, len(m.Streams), len(m.Configs)))
			}
			return finish(cmd, sum)
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Short:   "List recorded runs",
		Args:    cobra.NoArgs,
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			showFailed, _ := cmd.Flags().GetBool("failed")

			hs, err := openHistory(appConfig.History.Type, appConfig.History.Dsn)
			if err != nil {
				return errors.New(i18n.T("cli.error_history", err))
			}
			defer func() { _ = hs.Close() }()

			runs, err := hs.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, i18n.T("history.empty"))
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, i18n.T("history.header"))
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Operation, r.Label, r.Status, len(r.Failed()), r.ID)
			}
			_ = w.Flush()

			if showFailed {
				for _, r := range runs {
					for _, u := range r.Failed() {
						fmt.Fprintln(out, i18n.T("history.failed_unit", r.ID, u.Name, u.Reason))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Number of runs to show (0 for all)")
	cmd.Flags().Bool("failed", false, "Also list the failed units of each run")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to hostmove.yaml",
		Long: `Writes the configuration currently in effect (defaults, an existing file,
HOSTMOVE_* variables and flags) to the user config directory, or with --system
to the system-wide location.`,
		Args:    cobra.NoArgs,
		PreRunE: setupDefaultServices,
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetBool("system")
			force, _ := cmd.Flags().GetBool("force")
			path, err := config.GetConfigPath(system)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return errors.New(i18n.T("config.exists", path))
			}
			if err := config.WriteConfigFile(&appConfig, system); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("config.written", path))
			return nil
		},
	}
	initCmd.Flags().Bool("system", false, "Write the system-wide configuration")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
