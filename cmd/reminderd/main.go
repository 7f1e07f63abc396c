package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dukerupert/reminderd/internal/config"
	"github.com/dukerupert/reminderd/internal/database"
	"github.com/dukerupert/reminderd/internal/email"
	"github.com/dukerupert/reminderd/internal/fcm"
	"github.com/dukerupert/reminderd/internal/kv"
	"github.com/dukerupert/reminderd/internal/logging"
	"github.com/dukerupert/reminderd/internal/notify"
	"github.com/dukerupert/reminderd/internal/push"
	"github.com/dukerupert/reminderd/internal/reminder"
	"github.com/dukerupert/reminderd/internal/schedule"
	"github.com/dukerupert/reminderd/internal/server"
	"github.com/dukerupert/reminderd/internal/store"
	ws "github.com/dukerupert/reminderd/internal/websocket"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "vapid" {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate VAPID keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("reminderd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	kvStore, err := kv.Open(ctx, kv.Config{Driver: cfg.KVDriver, PostgresDSN: cfg.PostgresDSN}, db)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kvStore.Close()

	hub := ws.NewHub(logger.With("component", "websocket"))
	transport, err := newTransport(ctx, cfg, db, hub, logger.With("component", "notify"))
	if err != nil {
		return err
	}

	eventStore := store.NewEventStore(db)
	dispatcher := reminder.NewDispatcher(kvStore, eventStore, transport, cfg.ClaimTTL, logger.With("component", "dispatcher"))
	timeline := reminder.NewTimeline(dispatcher, logger.With("component", "timeline"))
	planner := reminder.NewPlanner(kvStore, logger.With("component", "planner"),
		reminder.WithExpiryGrace(cfg.ExpiryGrace),
		reminder.WithTimeline(timeline),
	)
	reconcilerOpts := []reminder.ReconcilerOption{reminder.WithRearm(timeline)}
	if cfg.ReconcilerLease {
		reconcilerOpts = append(reconcilerOpts, reminder.WithLease(cfg.LeaseTTL))
	}
	reconciler := reminder.NewReconciler(kvStore, dispatcher, logger.With("component", "reconciler"), reconcilerOpts...)

	reconcileRunner, err := schedule.New("reconcile", cfg.ReconcileSchedule, reconciler.OnTick, logger.With("component", "cron"))
	if err != nil {
		return err
	}

	srv := server.New(db, server.Engine{
		Planner:    planner,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Timeline:   timeline,
		Notifier:   transport,
		Hub:        hub,
	}, server.Config{
		Push:       push.Config{VAPIDPublicKey: cfg.VAPIDPublicKey, VAPIDPrivateKey: cfg.VAPIDPrivateKey, Subscriber: cfg.VAPIDSubscriber},
		AdminToken: cfg.AdminToken,
		WSOrigins:  cfg.WSOrigins,
	}, logger)

	maintenanceRunner, err := schedule.New("maintenance", cfg.PurgeSchedule, maintenance(kvStore, srv, logger), logger.With("component", "cron"))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timeline.Run(ctx)
	}()
	reconcileRunner.Start(ctx)
	maintenanceRunner.Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("reminderd running", "port", cfg.Port, "kv_driver", cfg.KVDriver, "reconcile", cfg.ReconcileSchedule)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			reconcileRunner.Stop()
			maintenanceRunner.Stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	stop()
	reconcileRunner.Stop()
	maintenanceRunner.Stop()
	wg.Wait()
	return nil
}

// newTransport wires every notification channel that has credentials.
func newTransport(ctx context.Context, cfg *config.Config, db *sql.DB, hub *ws.Hub, logger *slog.Logger) (*notify.Transport, error) {
	opts := []notify.Option{
		notify.WithHub(hub),
		notify.WithRateLimit(cfg.NotifyRatePerSec, max(1, int(cfg.NotifyRatePerSec))),
	}

	pushCfg := push.Config{VAPIDPublicKey: cfg.VAPIDPublicKey, VAPIDPrivateKey: cfg.VAPIDPrivateKey, Subscriber: cfg.VAPIDSubscriber}
	if pushCfg.Enabled() {
		opts = append(opts, notify.WithWebPush(store.NewPushStore(db), push.NewService(pushCfg)))
	} else {
		logger.Warn("VAPID keys not set, web push disabled")
	}

	mailer := email.NewClient(cfg.PostmarkToken, cfg.FromEmail)
	if mailer.Configured() {
		opts = append(opts, notify.WithEmail(store.NewContactStore(db), mailer))
	}

	if cfg.FCMCredentialsFile != "" || cfg.FCMProjectID != "" {
		client, err := fcm.New(ctx, cfg.FCMCredentialsFile, cfg.FCMProjectID)
		if err != nil {
			return nil, fmt.Errorf("init fcm: %w", err)
		}
		opts = append(opts, notify.WithFCM(store.NewDeviceStore(db), client))
	} else {
		logger.Warn("FCM not configured, device reminders will not be delivered")
	}

	return notify.New(logger, opts...), nil
}

// maintenance purges expired store rows and idle rate-limit buckets.
func maintenance(kvStore kv.Store, srv *server.Server, logger *slog.Logger) schedule.Job {
	return func(ctx context.Context) error {
		srv.RateLimiter().Cleanup(30 * time.Minute)

		p, ok := kvStore.(kv.Purger)
		if !ok {
			return nil
		}
		n, err := p.Purge(ctx)
		if err != nil {
			return fmt.Errorf("purge expired keys: %w", err)
		}
		if n > 0 {
			logger.Debug("purged expired keys", "count", n)
		}
		return nil
	}
}
