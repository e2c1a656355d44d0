package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().Bool("raw", false, "Print the config file without merging")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage coursechat configuration",
	Long:  "View or modify the coursechat configuration stored in ~/.coursechat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the settings a session would use: the config file merged with COURSECHAT_* variables and defaults.\nUse --raw to print the file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			return printConfigFile(cmd.OutOrStdout())
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return writeEffectiveConfig(cmd.OutOrStdout(), cfg)
	},
}

func printConfigFile(w io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "No configuration file found. Run 'coursechat login <token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// writeEffectiveConfig prints the merged session settings. The token is masked.
func writeEffectiveConfig(w io.Writer, cfg *Config) error {
	sc, err := sessionConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	token := "(not signed in)"
	if cfg.Auth.Token != "" {
		token = maskKey(cfg.Auth.Token)
	}
	cache := "disabled"
	if cfg.Cache.Enabled {
		cache = valueOrDefault(cfg.Cache.Path, "~/.coursechat/cache.db")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "endpoint\t%s\n", sc.Endpoint)
	fmt.Fprintf(tw, "api_url\t%s\n", sc.APIBaseURL)
	fmt.Fprintf(tw, "channel\t%s\n", valueOrDefault(cfg.Default.Channel, "(none)"))
	fmt.Fprintf(tw, "page_size\t%d\n", sc.PageSize)
	fmt.Fprintf(tw, "max_reconnect_attempts\t%d\n", sc.MaxReconnectAttempts)
	fmt.Fprintf(tw, "reconnect_delay\t%s\n", sc.ReconnectDelay)
	fmt.Fprintf(tw, "ack_timeout\t%s\n", sc.AckTimeout)
	fmt.Fprintf(tw, "token\t%s\n", token)
	fmt.Fprintf(tw, "user\t%s\n", valueOrDefault(cfg.Auth.DisplayName, valueOrDefault(cfg.Auth.UserID, "(unknown)")))
	fmt.Fprintf(tw, "cache\t%s\n", cache)
	return tw.Flush()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: coursechat config set default.endpoint wss://chat.example.edu/ws",
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
