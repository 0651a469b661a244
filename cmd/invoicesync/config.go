package main

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowFile bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "print only what the config file sets, without environment overrides")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the CLI configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration the other commands run with: config.toml merged with INVOICESYNC_* environment overrides. The webhook secret is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadConfig
		if configShowFile {
			load = readConfigFile
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		if cfg.Webhook.Secret != "" {
			cfg.Webhook.Secret = strings.Repeat("*", 8)
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		path, err := configFile()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Write one value to the config file",
	Example: "  invoicesync config set api.base_url https://api.example.com\n" +
		"  invoicesync config set store.driver redis",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Environment overrides must not be written back, so start from the file alone.
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
		return nil
	},
}
