package main

import (
	"context"
	"fmt"
	"time"

	"github.com/learnloop/coursechat"
	"github.com/spf13/cobra"
)

var statusCheck bool

func init() {
	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "Open the push connection to verify the endpoint and token")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the effective configuration and, with --check, try the push connection handshake.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sc, err := sessionConfig(cfg)
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Endpoint:      %s\n", sc.Endpoint)
		fmt.Printf("  API URL:       %s\n", sc.APIBaseURL)
		fmt.Printf("  Channel:       %s\n", valueOrDefault(cfg.Default.Channel, "(not set)"))
		fmt.Printf("  Page size:     %d\n", sc.PageSize)
		fmt.Printf("  Reconnect:     %d attempts, %s apart\n", sc.MaxReconnectAttempts, sc.ReconnectDelay)
		fmt.Printf("  Ack timeout:   %s\n", sc.AckTimeout)
		if cfg.Cache.Enabled {
			fmt.Printf("  Cache:         %s\n", valueOrDefault(cfg.Cache.Path, "~/.coursechat/cache.db"))
		} else {
			fmt.Println("  Cache:         disabled")
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:         %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:         (not signed in)")
		}
		fmt.Printf("  User:          %s\n", valueOrDefault(cfg.Auth.DisplayName, valueOrDefault(cfg.Auth.UserID, "(not set)")))

		if !statusCheck || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		session, cleanup, err := newSession(cfg, newLogger())
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), sc.HandshakeTimeout+5*time.Second)
		defer cancel()

		if err := session.Connect(ctx, cfg.Auth.Token); err != nil {
			fmt.Printf("  Connection:    %s (%v)\n", session.Conn.State(), err)
			return nil
		}
		fmt.Printf("  Connection:    %s\n", session.Conn.State())
		if session.Conn.State() == coursechat.StateConnected {
			session.Conn.Disconnect()
		}
		return nil
	},
}
