package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/learnloop/coursechat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [channel-id]",
	Short: "Join a channel and chat interactively",
	Long: `Join a channel, print its newest page and every new message, and send each line typed.

Commands:
  /older           load the previous page of history
  /retry <id>      re-send a failed message
  /switch <id>     leave the current channel and join another
  /status          show the connection state
  /quit            leave`,
	Args: cobra.MaximumNArgs(1),
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

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session, cleanup, err := newSession(cfg, newLogger())
		if err != nil {
			return err
		}
		defer cleanup()

		feed := newFeedPrinter(os.Stdout, session)
		defer session.Store.OnChange(feed.onChange)()
		defer session.Conn.OnStateChange(func(t coursechat.Transition) {
			fmt.Fprintf(os.Stderr, "* %s\n", describeTransition(t))
		})()

		if err := session.Connect(ctx, token); err != nil && !coursechat.IsTransient(err) {
			return err
		}
		if err := openChannel(ctx, session, feed, channelID); err != nil {
			return err
		}

		return chatLoop(ctx, session, feed, os.Stdin)
	},
}

func openChannel(ctx context.Context, session *coursechat.Session, feed *feedPrinter, channelID string) error {
	feed.setChannel(channelID)
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := session.Open(openCtx, channelID)
	var accessErr *coursechat.ChannelAccessError
	switch {
	case err == nil:
	case coursechat.IsAuthError(err), errors.As(err, &accessErr):
		return err
	case session.Store.FromCache(channelID):
		fmt.Fprintf(os.Stderr, "! history unavailable, showing cached messages: %v\n", err)
	default:
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	}
	feed.renderAll()
	return nil
}

func chatLoop(ctx context.Context, session *coursechat.Session, feed *feedPrinter, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, session, feed, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, session *coursechat.Session, feed *feedPrinter, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		p, err := session.Send(ctx, line)
		if err != nil {
			return false, err
		}
		go reportOutcome(ctx, p)
		return false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/older":
		if !session.Store.HasOlderPage(session.Active()) {
			fmt.Println("(no older messages)")
			return false, nil
		}
		return false, session.LoadOlder(ctx)
	case "/retry":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /retry <id>")
		}
		p, err := session.Outgoing.Retry(ctx, fields[1])
		if err != nil {
			return false, err
		}
		go reportOutcome(ctx, p)
		return false, nil
	case "/switch":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /switch <channel-id>")
		}
		return false, openChannel(ctx, session, feed, fields[1])
	case "/status":
		state := session.Conn.State()
		fmt.Printf("connection: %s, channel: %s (%s)\n", state, session.Active(), session.Subscription.State(session.Active()))
		if err := session.Conn.Err(); err != nil {
			fmt.Printf("last error: %v\n", err)
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func reportOutcome(ctx context.Context, p *coursechat.PendingSend) {
	outcome, err := p.Wait(ctx)
	if err != nil {
		return
	}
	if f, ok := outcome.(coursechat.Failed); ok {
		fmt.Fprintf(os.Stderr, "! message not sent: %s (/retry %s)\n", f.Reason, p.LocalID)
	}
}

func describeTransition(t coursechat.Transition) string {
	switch {
	case t.To == coursechat.StateFailed && coursechat.IsAuthError(t.Err):
		return t.Err.Error()
	case t.To == coursechat.StateFailed:
		return "cannot reach server: " + errString(t.Err)
	case t.To == coursechat.StateReconnecting && t.Attempt > 0:
		return fmt.Sprintf("reconnecting (attempt %d failed)", t.Attempt)
	case t.Err != nil:
		return fmt.Sprintf("%s: %v", t.To, t.Err)
	default:
		return t.To.String()
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// ============================================================================
// Feed printer
// ============================================================================

// feedPrinter prints the active channel's feed incrementally.
type feedPrinter struct {
	out     io.Writer
	session *coursechat.Session

	mu      sync.Mutex
	channel string
	printed map[string]coursechat.DeliveryStatus
}

func newFeedPrinter(out io.Writer, session *coursechat.Session) *feedPrinter {
	return &feedPrinter{out: out, session: session, printed: make(map[string]coursechat.DeliveryStatus)}
}

func (f *feedPrinter) setChannel(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channelID
	f.printed = make(map[string]coursechat.DeliveryStatus)
}

func (f *feedPrinter) renderAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.out, "── %s ──\n", f.channel)
	if f.session.Store.HasOlderPage(f.channel) {
		fmt.Fprintln(f.out, "(older messages available, type /older)")
	}
	f.printed = make(map[string]coursechat.DeliveryStatus)
	for m := range f.session.Store.Messages(f.channel) {
		fmt.Fprintln(f.out, formatMessage(m))
		f.printed[feedKey(m)] = m.DeliveryStatus
	}
}

func (f *feedPrinter) onChange(c coursechat.StoreChange) {
	f.mu.Lock()
	channel := f.channel
	f.mu.Unlock()
	if c.ChannelID != channel {
		return
	}
	if c.Kind == coursechat.ChangeReplaced || c.Kind == coursechat.ChangePrepended {
		f.renderAll()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for m := range f.session.Store.Messages(channel) {
		key := feedKey(m)
		prev, seen := f.printed[key]
		switch {
		case !seen:
			fmt.Fprintln(f.out, formatMessage(m))
		case prev != m.DeliveryStatus && m.DeliveryStatus == coursechat.StatusFailed:
			fmt.Fprintf(f.out, "  ✗ failed: %s (/retry %s)\n", m.Content, m.ClientID)
		}
		f.printed[key] = m.DeliveryStatus
	}
}

func feedKey(m coursechat.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}
