package cli

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/forgeflux/fedbridge/internal/store"
)

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database schema tools (version, check, downgrade)",
		Long: `Inspect and manage the SQLite schema version.

The database path defaults to db_path from the configuration.

Examples:
  fedbridge db version
  fedbridge db check ~/.fedbridge/fedbridge.db
  fedbridge db downgrade 0 ~/.fedbridge/fedbridge.db`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "version [db-path]",
			Short: "Show current DB schema version",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRawDB(args, func(dbPath string, db *sql.DB) error {
					version, err := store.ReadDBVersion(db)
					if err != nil {
						return fmt.Errorf("read version: %w", err)
					}
					return printLines(cmd.OutOrStdout(), a.output, []field{
						{"database", dbPath},
						{"schema version", version},
						{"binary supports", store.DBSchemaVersion},
					})
				})
			},
		},
		&cobra.Command{
			Use:   "check [db-path]",
			Short: "Check if DB is compatible with this binary",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRawDB(args, func(dbPath string, db *sql.DB) error {
					version, err := store.ReadDBVersion(db)
					if err != nil {
						return fmt.Errorf("read version: %w", err)
					}
					if version > store.DBSchemaVersion {
						return fmt.Errorf("INCOMPATIBLE: database %s is at version %d, newer than this binary (%d).\nRun: fedbridge db downgrade %d %s",
							dbPath, version, store.DBSchemaVersion, store.DBSchemaVersion, dbPath)
					}
					return printLines(cmd.OutOrStdout(), a.output, []field{
						{"database", dbPath},
						{"schema version", version},
						{"binary supports", store.DBSchemaVersion},
						{"compatible", true},
					})
				})
			},
		},
		&cobra.Command{
			Use:   "downgrade <version> [db-path]",
			Short: "Downgrade DB to target version",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				return a.withRawDB(args[1:], func(dbPath string, db *sql.DB) error {
					current, err := store.ReadDBVersion(db)
					if err != nil {
						return fmt.Errorf("read version: %w", err)
					}
					if target >= current {
						return fmt.Errorf("target version %d must be less than current version %d", target, current)
					}
					if err := store.DowngradeDB(db, current, target); err != nil {
						return fmt.Errorf("downgrade: %w", err)
					}
					return printLines(cmd.OutOrStdout(), a.output, []field{
						{"database", dbPath},
						{"previous version", current},
						{"version", target},
					})
				})
			},
		},
	)
	return cmd
}

// withRawDB opens the database named by args[0], or the configured one, and
// runs fn on it without applying migrations.
func (a *app) withRawDB(args []string, fn func(dbPath string, db *sql.DB) error) error {
	var dbPath string
	if len(args) > 0 {
		dbPath = args[0]
	} else {
		cfg, err := a.loadConfig()
		if err != nil {
			return err
		}
		dbPath = cfg.DBPath
	}

	db, err := store.OpenRawDB(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(dbPath, db)
}
