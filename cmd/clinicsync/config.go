package main

import (
	"fmt"
	"os"

	"github.com/equidade/clinicsync"
	"github.com/spf13/cobra"
)

var (
	configShowFormat  string
	configShowSecrets bool
)

func init() {
	configShowCmd.Flags().StringVar(&configShowFormat, "format", "toml", "output format: toml or yaml")
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-token", false, "print the server token unmasked")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage clinicsync configuration",
	Long:  "View or modify the clinicsync configuration stored in ~/.clinicsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration the runtime will use: the config file with\n" +
		"every unset value filled by its default (retry ceiling, cache TTL,\n" +
		"cache generation, reconnect backoff).",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.Token != "" && !configShowSecrets {
			cfg.Server.Token = maskKey(cfg.Server.Token)
		}
		if flagJSON {
			return printJSON(cfg)
		}

		data, err := clinicsync.EncodeConfig(cfg, configShowFormat)
		if err != nil {
			return err
		}
		source := path
		if _, err := os.Stat(path); os.IsNotExist(err) {
			source = "defaults only, no file at " + path
		}
		fmt.Printf("# %s\n", source)
		fmt.Printf("# realtime endpoint: %s\n", valueOrDefault(cfg.Server.WebSocketURL(), "-"))
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: clinicsync config set sync.endpoints.appointment /api/appointments",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
