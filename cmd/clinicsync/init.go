package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var initToken string

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "bearer token for the clinic API")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Write the server URL and a local store path to the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Server.BaseURL = strings.TrimRight(args[0], "/")
		if initToken != "" {
			cfg.Server.Token = initToken
		}
		if cfg.Store.Path == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Store.Path = filepath.Join(dir, "clinicsync.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
