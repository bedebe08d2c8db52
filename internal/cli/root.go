// Package cli implements the fedbridge command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeflux/fedbridge/internal/config"
	"github.com/forgeflux/fedbridge/internal/daemon"
	"github.com/forgeflux/fedbridge/internal/engine"
	"github.com/forgeflux/fedbridge/internal/store"
)

// app carries the global flags and the dependencies commands build from them.
type app struct {
	configPath string
	dbPath     string
	output     string
	verbose    bool

	stderr io.Writer
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	a := &app{stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "fedbridge",
		Short: "fedbridge - forge issues as ActivityPub actors",
		Long: `fedbridge tracks forge issues and pull requests through their lifecycle
and publishes each one as an ActivityPub Group actor with a WebFinger entry.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.stderr = cmd.ErrOrStderr()
			return checkOutput(a.output)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default {data_dir}/config.yaml)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides db_path)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", outputText, "output format: text, json or yaml")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newServeCmd(a),
		newIssueCmd(a),
		newDBCmd(a),
		newConfigCmd(a),
	)
	return root
}

// Run executes the CLI with args (without the program name).
func Run(args []string, version string) error {
	root := NewRootCmd(version)
	root.SetArgs(args)
	return root.Execute()
}

// loadConfig resolves configuration and applies flag overrides.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	return cfg, nil
}

// logger builds the slog logger for cfg, writing text records to stderr.
func (a *app) logger(cfg *config.Config) *slog.Logger {
	level, err := cfg.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if a.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}

// openTracker opens the configured store and wraps it in a Tracker. The
// caller closes the returned store.
func (a *app) openTracker() (*engine.Tracker, store.Store, *config.Config, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := config.EnsureDataDir(cfg); err != nil {
		return nil, nil, nil, err
	}
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	t := engine.New(s, nil, engine.Options{
		BaseURL:                    daemon.InstanceFromConfig(cfg).BaseURL,
		ReopenUnmergesPullRequests: cfg.Federation.ReopenUnmergesPullRequests,
		Logger:                     a.logger(cfg),
	})
	return t, s, cfg, nil
}
