package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (e.g. https://api.questly.app)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <access-token>",
	Short: "Store the access token in ~/.guildchat/config.toml",
	Long:  "Initialize the guildchat CLI by storing your access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.AccessToken = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Access token saved to %s\n", path)
		return nil
	},
}
