package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loginUserID      string
	loginDisplayName string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "User id stamped on sent messages")
	loginCmd.Flags().StringVar(&loginDisplayName, "display-name", "", "Display name stamped on sent messages")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token in ~/.coursechat/config.toml",
	Long:  "Store the bearer credential used for the push connection and history requests.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if loginUserID != "" {
			cfg.Auth.UserID = loginUserID
		}
		if loginDisplayName != "" {
			cfg.Auth.DisplayName = loginDisplayName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
