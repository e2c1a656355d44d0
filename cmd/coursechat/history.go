package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/learnloop/coursechat"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyBefore string
	historyJSON   bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to return (default: page size)")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "Only messages older than this message id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [channel-id]",
	Short: "Print a page of channel history",
	Long:  "Fetch one page of channel history over REST. Falls back to the message cache when it is enabled and the server cannot be reached.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		token, err := requireToken(cfg)
		if err != nil {
			return err
		}
		channelID := cfg.Default.Channel
		if len(args) == 1 {
			channelID = args[0]
		}
		if channelID == "" {
			return fmt.Errorf("no channel given and default.channel is not set")
		}
		sc, err := sessionConfig(cfg)
		if err != nil {
			return err
		}
		limit := historyLimit
		if limit <= 0 {
			limit = sc.PageSize
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := coursechat.NewHistoryClient(token,
			coursechat.WithBaseURL(sc.APIBaseURL),
			coursechat.WithTimeout(sc.HTTPTimeout),
		)
		messages, err := client.FetchMessages(ctx, channelID, limit, historyBefore)
		if err != nil {
			if !coursechat.IsTransient(err) || historyBefore != "" {
				return fmt.Errorf("request failed: %w", err)
			}
			cache, closeCache, cerr := openCache(cfg)
			defer closeCache()
			if cerr != nil || cache == nil {
				return fmt.Errorf("request failed: %w", err)
			}
			messages, cerr = cache.RecentMessages(ctx, channelID, limit)
			if cerr != nil {
				return fmt.Errorf("request failed: %w (cache: %v)", err, cerr)
			}
			fmt.Printf("Server unreachable, showing %d cached messages.\n", len(messages))
		}

		if historyJSON {
			data, err := json.MarshalIndent(messages, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode messages: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, msg := range messages {
			fmt.Println(formatMessage(msg))
		}
		if len(messages) >= limit {
			fmt.Printf("\nOlder messages: coursechat history %s --before %s\n", channelID, messages[0].ID)
		}
		return nil
	},
}
