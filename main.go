package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketsync/internal/auth"
	"marketsync/internal/channel"
	"marketsync/internal/commands"
	"marketsync/internal/config"
	"marketsync/internal/feed"
	"marketsync/internal/fetch"
	"marketsync/internal/http"
	"marketsync/internal/notify"
	"marketsync/internal/obs"
	"marketsync/internal/offer"
	"marketsync/internal/storage"
	"marketsync/internal/ws"

	"golang.org/x/sync/errgroup"
)

// health combines the realtime counters served on /healthz.
type health struct {
	*ws.Hub
	*feed.Broker
}

func run(ctx context.Context) error {
	issueToken := flag.String("issue-token", "", "User ID to issue a session token for (talks to the running server)")
	displayName := flag.String("display-name", "", "Display name for -issue-token")
	seed := flag.Bool("seed", false, "Load demo profiles, listings and conversations on start")
	flag.Parse()

	cfg, err := config.Load(*issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(*issueToken, *displayName, cfg)
	}

	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}
	fetchPolicy := fetch.Policy{Timeout: cfg.FetchTimeout, Retries: cfg.FetchRetries, Pause: fetch.DefaultPause}

	broker := feed.NewBroker(cfg.FeedBuffer, logger)
	defer broker.Close()

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile, broker)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	if *seed {
		if err := commands.Seed(ctx, bbStorage, logger); err != nil {
			return err
		}
	}

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	hub := ws.NewHub(broker, bbStorage, logger)

	offerConfig := offer.Config{
		Expiry:      cfg.OfferExpiry,
		Reservation: cfg.ReservationHold,
		Fetch:       fetchPolicy,
		Logger:      logger,
	}

	// Server side subscriptions, used for push delivery.
	channels := channel.NewManager(ctx, broker, channel.Config{
		Backoff: cfg.ReconnectBackoff,
		Settle:  cfg.ReconnectSettle,
		Grace:   cfg.ResumeGrace,
		Logger:  logger,
	})
	defer channels.CloseAll()

	if cfg.PushEnabled() {
		push, err := notify.NewWebPush(bbStorage, bbStorage, notify.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubscriber,
			Presence:        hub,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		offerConfig.Notifier = push
		push.WatchMessages(ctx, channels)
	} else {
		logger.Info("web push disabled, VAPID keys are not set")
	}

	machine := offer.NewMachine(bbStorage, offerConfig)
	sweeper := offer.NewSweeper(machine, bbStorage, cfg.OfferSweep)

	api := http.NewAPI(authService, bbStorage, health{Hub: hub, Broker: broker}, logger)
	adminServer := http.NewAdminServer(api, cfg.AdminAddr)
	apiServer := http.NewAPIServer(api, ws.NewServer(authService, hub, logger), cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return adminServer.Start()
	})

	g.Go(func() error {
		return apiServer.Start()
	})

	g.Go(func() error {
		err := sweeper.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		// Realtime clients see a closed signal and stop reconnecting.
		broker.Close()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
