package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forgeflux/fedbridge/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or show the resolved configuration",
		Long: `Write or show the configuration after defaults, the config file and
FEDBRIDGE_ environment variables have been applied.

Examples:
  fedbridge config init
  FEDBRIDGE_FEDERATION_BASE_URL=https://bridge.example fedbridge config init --force
  fedbridge config show -o json`,
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the resolved configuration to {data_dir}/config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			path := config.ConfigPath(cfg)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}
			if err := config.Save(cfg); err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), a.output, []field{
				{"config", path},
				{"data_dir", cfg.DataDir},
				{"db_path", cfg.DBPath},
			})
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), a.output, cfg, printConfig)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

// printConfig writes cfg in the config file format.
func printConfig(w io.Writer, cfg *config.Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	w.Write(data)
}
