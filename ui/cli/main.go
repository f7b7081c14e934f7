// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the root command, configuration loading and the wiring of
// storage, history and the core engine shared by all subcommands.

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/toeirei/hostmove/internal/config"
	"github.com/toeirei/hostmove/internal/core"
	"github.com/toeirei/hostmove/internal/history"
	"github.com/toeirei/hostmove/internal/i18n"
	"github.com/toeirei/hostmove/internal/logging"
	"github.com/toeirei/hostmove/internal/storage"
)

var (
	cfgFile   string
	verbose   bool
	appConfig config.Config
)

// Hooks overridden by tests.
var (
	newStorage  = storage.New
	openHistory = history.Open
	newEngine   = core.NewEngine
)

// ExitError carries the process exit code of a command whose summary has
// already been printed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by Execute onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return core.ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return core.ExitOther
}

func setupDefaultServices(cmd *cobra.Command, args []string) error {
	optionalConfigPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	appConfig, err = config.LoadConfig[config.Config](cmd, config.Defaults(), optionalConfigPath)
	// A missing config file is expected on first run; defaults apply.
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		logging.Debugf("no config file found, using defaults")
	} else if err != nil {
		return errors.New(i18n.T("cli.error_loading_config", err))
	}

	if appConfig.Language == "" {
		appConfig.Language = "en"
	}
	i18n.Init(appConfig.Language)
	logging.SetDebug(appConfig.Verbose || verbose)
	return nil
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	// Make sure the user-provided file exists to avoid silently running on defaults.
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// engineFor builds the core engine for the loaded configuration. History is
// optional: when the database cannot be opened the run continues without it.
// The returned func releases the history store.
func engineFor() (*core.Engine, func(), error) {
	store, err := newStorage(appConfig.Storage.Backend, appConfig.Storage.Pool)
	if err != nil {
		return nil, nil, errors.New(i18n.T("cli.error_storage", err))
	}
	e := newEngine(appConfig, store)
	e.ToolVersion = toolVersion()

	cleanup := func() {}
	if hs, err := openHistory(appConfig.History.Type, appConfig.History.Dsn); err != nil {
		logging.Warnf("%s", i18n.T("cli.history_disabled", err))
	} else {
		e.History = hs
		cleanup = func() { _ = hs.Close() }
	}
	return e, cleanup, nil
}

// Execute runs the CLI entrypoint. The main package maps the returned error
// onto the exit code with ExitCode.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd creates and configures a new root cobra command.
// This function is used to create the main application command as well as
// fresh instances for isolated testing.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostmove",
		Short: i18n.T("cli.short"),
		Long: `Hostmove snapshots the datasets of a server, packages them together with
the configuration of the services that use them, restores the package on a
new host and repoints those services at the new base directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `Output language ("en", "de")`)
	cmd.PersistentFlags().String("storage.backend", "zfs", "Storage backend")
	cmd.PersistentFlags().String("storage.pool", "tank", "Storage pool holding the migrated datasets")
	cmd.PersistentFlags().String("history.type", "sqlite", "History database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("history.dsn", "./hostmove.db", "History database connection string (DSN)")

	cmd.AddCommand(
		newExportCmd(),
		newImportCmd(),
		newReconcileCmd(),
		newPushCmd(),
		newPruneCmd(),
		newVerifyCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}
