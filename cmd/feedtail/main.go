// Command feedtail prints the change events of one or more realtime
// subscriptions. It connects through the same reconnecting channel manager
// the client engine uses, so it also shows how subscriptions behave across
// network failures.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"marketsync/internal/channel"
	"marketsync/internal/commands"
	"marketsync/internal/config"
	"marketsync/internal/feed"
	"marketsync/internal/models"
	"marketsync/internal/obs"
	"marketsync/internal/resume"
	"marketsync/internal/ws"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	url    string
	token  string
	keys   []string
	inbox  string
	thread string
	asJSON bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "feedtail",
		Short: "Print realtime change events",
		Long: `feedtail subscribes to marketsync change feeds and prints every event.

Keys are a table name, optionally followed by a filter:
  feedtail --key listings --key "messages:conversation_id=eq.<id>"

Sending SIGCONT (for example after suspending with Ctrl-Z and resuming with
fg) runs a foreground health check of every subscription.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return tail(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "realtime endpoint (default: derived from BASE_URL)")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("MARKETSYNC_TOKEN"), "session token (default: $MARKETSYNC_TOKEN)")
	cmd.Flags().StringArrayVarP(&opts.keys, "key", "k", nil, "subscription key, table[:column=eq.value] (repeatable)")
	cmd.Flags().StringVar(&opts.inbox, "inbox", "", "subscribe to the conversations of this user")
	cmd.Flags().StringVar(&opts.thread, "thread", "", "subscribe to the messages and offers of this conversation")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print one JSON object per event")
	return cmd
}

// ParseKey reads "table" or "table:column=eq.value".
func ParseKey(s string) (feed.Key, error) {
	table, filter, _ := strings.Cut(s, ":")
	if table == "" {
		return feed.Key{}, fmt.Errorf("%w: empty table in key %q", models.ErrInvalid, s)
	}
	f, err := feed.ParseFilter(filter)
	if err != nil {
		return feed.Key{}, fmt.Errorf("%w: %w", models.ErrInvalid, err)
	}
	return feed.Key{Table: table, Filter: f}, nil
}

func (o options) subscriptionKeys() ([]feed.Key, error) {
	var keys []feed.Key
	for _, s := range o.keys {
		k, err := ParseKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if o.inbox != "" {
		keys = append(keys,
			feed.Key{Table: models.TableConversations, Filter: feed.Eq("participant_a", o.inbox)},
			feed.Key{Table: models.TableConversations, Filter: feed.Eq("participant_b", o.inbox)},
		)
	}
	if o.thread != "" {
		keys = append(keys,
			feed.Key{Table: models.TableMessages, Filter: feed.Eq("conversation_id", o.thread)},
			feed.Key{Table: models.TableOffers, Filter: feed.Eq("conversation_id", o.thread)},
		)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: nothing to subscribe to, use --key, --inbox or --thread", models.ErrInvalid)
	}
	return keys, nil
}

func tail(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	logger := obs.NewLoggerTo(os.Stderr, cfg.Env, obs.ParseLevel(cfg.LogLevel))

	keys, err := opts.subscriptionKeys()
	if err != nil {
		return err
	}
	if opts.token == "" {
		return fmt.Errorf("a session token is required, see marketsync -issue-token")
	}
	url := opts.url
	if url == "" {
		url = commands.RealtimeURL(cfg.BaseURL)
	}

	channels := channel.NewManager(ctx, ws.NewClient(url, opts.token, ws.WithLogger(logger)), channel.Config{
		Backoff: cfg.ReconnectBackoff,
		Settle:  cfg.ReconnectSettle,
		Grace:   cfg.ResumeGrace,
		Logger:  logger,
	})
	defer channels.CloseAll()

	p := &printer{w: out, asJSON: opts.asJSON}
	for _, key := range keys {
		watch(channels, key, p)
		logger.Info("subscribing", "key", key.String())
	}

	coordinator := resume.New(channels, resume.Config{
		Window:  cfg.ResumeWindow,
		Timeout: cfg.FetchTimeout,
		Logger:  logger,
	})
	coordinator.Register("status", resume.RefetchFunc(func(ctx context.Context) error {
		for _, info := range channels.Snapshot() {
			logger.Info("subscription", "key", info.Key.String(), "status", info.Status, "attempts", info.Attempts)
		}
		return nil
	}))

	g, gCtx := errgroup.WithContext(ctx)
	states := make(chan resume.AppState)
	g.Go(func() error {
		defer close(states)
		forwardAppState(gCtx, states)
		return nil
	})
	g.Go(func() error {
		return coordinator.Run(gCtx, states)
	})
	return g.Wait()
}

// watch opens key with handlers that decode the table's row type.
func watch(m *channel.Manager, key feed.Key, p *printer) *channel.Handle {
	switch key.Table {
	case models.TableMessages:
		return open[models.Message](m, key, p)
	case models.TableOffers:
		return open[models.Offer](m, key, p)
	case models.TableConversations:
		return open[models.Conversation](m, key, p)
	case models.TableListings:
		return open[models.Listing](m, key, p)
	case models.TableProfiles:
		return open[models.Profile](m, key, p)
	default:
		return open[map[string]any](m, key, p)
	}
}

func open[T any](m *channel.Manager, key feed.Key, p *printer) *channel.Handle {
	return channel.Open(m, key, channel.Handlers[T]{
		OnInsert: func(e channel.Insert[T]) { p.print(key, feed.OpInsert, e.Record) },
		OnUpdate: func(e channel.Update[T]) { p.print(key, feed.OpUpdate, e.Record) },
		OnDelete: func(e channel.Delete[T]) { p.print(key, feed.OpDelete, e.Record) },
	})
}

type event struct {
	At  time.Time `json:"at"`
	Key string    `json:"key"`
	Op  feed.Op   `json:"op"`
	Row any       `json:"row"`
}

type printer struct {
	mu     sync.Mutex
	w      io.Writer
	asJSON bool
}

func (p *printer) print(key feed.Key, op feed.Op, row any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := event{At: time.Now(), Key: key.String(), Op: op, Row: row}
	if p.asJSON {
		if err := json.NewEncoder(p.w).Encode(e); err != nil {
			slog.Error("failed to print event", "error", err)
		}
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", row))
	}
	fmt.Fprintf(p.w, "%s %-6s %s %s\n", e.At.Format("15:04:05"), op, e.Key, data)
}
