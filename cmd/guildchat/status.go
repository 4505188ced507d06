package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/questly/guildchat"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the effective configuration (file plus environment) and check whether the access token has expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		baseURL := valueOrDefault(cfg.Default.BaseURL, guildchat.DefaultBaseURL)
		client := guildchat.NewClient("", guildchat.WithBaseURL(baseURL), guildchat.WithWSBaseURL(cfg.Default.WSBaseURL))

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", baseURL)
		fmt.Printf("  Live URL:    %s\n", client.WSBaseURL())

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.AccessToken == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.AccessToken))
		fmt.Printf("  Status:      %s\n", tokenStatus(cfg.Auth.AccessToken, time.Now()))
		return nil
	},
}

// tokenStatus describes a token's expiry. The signature is not verified;
// the CLI has no key and only reports what the token claims.
func tokenStatus(token string, now time.Time) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "present (not a JWT)"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "present (unparseable expiry)"
	}
	if exp == nil {
		return "present (no expiry set)"
	}
	if now.Before(exp.Time) {
		return fmt.Sprintf("valid (expires %s)", exp.Time.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.Time.UTC().Format(time.RFC3339))
}
