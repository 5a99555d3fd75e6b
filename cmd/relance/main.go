// Command relance runs the follow-up pipeline.
//
// One binary hosts every stage. The roles setting (config file, -roles flag
// or RELANCE_ROLES) picks which stages a process runs: a single-node deploy
// runs "all", a scaled deploy splits stages across processes pointed at the
// same database files.
//
// Usage:
//
//	relance                          # all roles, defaults, relance.db
//	relance -config relance.yaml     # config file + env overrides
//	relance -roles ingress,admin     # HTTP surfaces only
//	RELANCE_ROLES=outbox relance     # delivery loop only
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/relance/admin"
	"github.com/hazyhaar/relance/channels"
	"github.com/hazyhaar/relance/config"
	"github.com/hazyhaar/relance/dbopen"
	"github.com/hazyhaar/relance/drafter"
	"github.com/hazyhaar/relance/executor"
	"github.com/hazyhaar/relance/extractor"
	"github.com/hazyhaar/relance/ingest"
	"github.com/hazyhaar/relance/ingress"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/outbox"
	"github.com/hazyhaar/relance/scheduler"
	"github.com/hazyhaar/relance/shield"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
	"github.com/hazyhaar/relance/watch"
)

func main() {
	configPath := flag.String("config", "", "path to relance.yaml config file")
	rolesFlag := flag.String("roles", "", "comma-separated roles to run (overrides config)")
	flag.Parse()

	// Best-effort .env load; containerized deployments set real env vars
	// and have no file.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("relance: config", "error", err)
		os.Exit(1)
	}
	if *rolesFlag != "" {
		cfg.Roles = *rolesFlag
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relance: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	roles, err := cfg.RoleSet()
	if err != nil {
		return err
	}
	schedTick, err := cfg.Scheduler.Tick()
	if err != nil {
		return err
	}

	db, err := dbopen.Open(cfg.DatabaseURL, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open store db: %w", err)
	}
	defer db.Close()
	if err := store.ApplySchema(db); err != nil {
		return fmt.Errorf("store schema: %w", err)
	}
	st := store.NewStore(db)

	// The queue shares the store file unless the operator splits them to
	// move queue write contention onto its own WAL.
	queueDB := db
	if cfg.QueueURL != cfg.DatabaseURL {
		queueDB, err = dbopen.Open(cfg.QueueURL, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open queue db: %w", err)
		}
		defer queueDB.Close()
	}

	ingestQ := vtq.New(queueDB, vtq.Options{Queue: ingest.Queue, Logger: logger})
	executeQ := vtq.New(queueDB, vtq.Options{Queue: executor.Queue, Logger: logger})
	// Both queues live in one table; one EnsureTable covers them.
	if err := ingestQ.EnsureTable(ctx); err != nil {
		return fmt.Errorf("queue schema: %w", err)
	}

	metrics := observability.NewMetrics(db, 100, 5*time.Second)
	if err := metrics.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("metrics schema: %w", err)
	}
	defer metrics.Close()

	rec := observability.NewRecorder(st, logger)

	if err := shield.Init(db); err != nil {
		return fmt.Errorf("shield init: %w", err)
	}

	logger.Info("relance: starting",
		"roles", cfg.Roles,
		"db", cfg.DatabaseURL,
		"queue_db", cfg.QueueURL,
	)

	var wg sync.WaitGroup
	var servers []*http.Server

	if roles[config.RoleIngress] {
		srv := ingress.New(st, ingestQ, metrics, ingress.Config{
			EmailSecret:     cfg.Ingress.EmailWebhookSecret,
			ChatSecret:      cfg.Ingress.ChatAppSecret,
			ChatVerifyToken: cfg.Ingress.ChatVerifyToken,
			Logger:          logger,
		})
		mws, limiter := shield.Stack(db)
		limiter.StartReloader(ctx.Done())
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.IngressPort),
			Handler:           srv.Router(mws...),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		servers = append(servers, httpSrv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("ingress: listening", "port", cfg.IngressPort)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ingress: server", "error", err)
			}
		}()
	}

	if roles[config.RoleIngest] {
		ext := extractor.New(extractor.Config{
			Endpoint: cfg.Extractor.URL,
			Key:      cfg.Extractor.Key,
			Model:    cfg.Extractor.Model,
			Timeout:  cfg.Extractor.Timeout(),
			Logger:   logger,
		})
		w := ingest.New(st, ext, rec, metrics, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("ingest: worker running", "concurrency", cfg.WorkerConcurrency)
			ingestQ.RunBatch(ctx, cfg.WorkerConcurrency, cfg.WorkerConcurrency,
				func(ctx context.Context, j *vtq.Job) error {
					return w.Handle(ctx, j.Payload)
				})
		}()
	}

	if roles[config.RoleScheduler] {
		sched := scheduler.New(st, executeQ, rec, metrics, scheduler.Config{Tick: schedTick}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("scheduler: running", "tick", schedTick)
			sched.Run(ctx)
		}()
	}

	if roles[config.RoleExecutor] {
		d := drafter.New(drafter.Config{
			Endpoint: cfg.Drafter.URL,
			Key:      cfg.Drafter.Key,
			Model:    cfg.Drafter.Model,
			Timeout:  cfg.Drafter.Timeout(),
			Logger:   logger,
		})
		w := executor.New(st, d, rec, metrics, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("executor: worker running", "concurrency", cfg.WorkerConcurrency)
			executeQ.RunBatch(ctx, cfg.WorkerConcurrency, cfg.WorkerConcurrency,
				func(ctx context.Context, j *vtq.Job) error {
					return w.Handle(ctx, j.Payload)
				})
		}()
	}

	if roles[config.RoleOutbox] {
		emailSend, err := channels.NewEmailSender(channels.EmailConfig{
			Endpoint: cfg.EmailSend.URL,
			Secret:   cfg.EmailSend.Key,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("email sender: %w", err)
		}
		chatSend, err := channels.NewChatSender(channels.ChatConfig{
			Endpoint: cfg.ChatSend.URL,
			Token:    cfg.ChatSend.Token,
			NumberID: cfg.ChatSend.NumberID,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("chat sender: %w", err)
		}
		registry := channels.Registry{
			store.ChannelEmail: emailSend,
			store.ChannelChat:  chatSend,
		}
		sender := outbox.New(st, executeQ, registry, rec, metrics, outbox.Config{
			PollInterval:  cfg.Outbox.PollInterval(),
			MaxAttempts:   cfg.Outbox.MaxAttempts,
			SchedulerTick: schedTick,
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("outbox: sender running", "channels", registry.Channels())
			sender.Run(ctx)
		}()

		// Wake the sender as soon as another stage commits, instead of
		// waiting out the poll interval.
		watcher := watch.New(db, watch.Options{Logger: logger})
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.OnChange(ctx, func() error {
				sender.Nudge()
				return nil
			})
		}()
	}

	if roles[config.RoleAdmin] {
		adm := admin.New(st, ingestQ, executeQ, metrics, rec, admin.Config{
			Token:         cfg.AdminToken,
			RetentionDays: cfg.Retention.Days,
			SweepInterval: cfg.Retention.SweepInterval(),
			Logger:        logger,
		})
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
			Handler:           adm.Router(shield.InternalStack()...),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		servers = append(servers, httpSrv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("admin: listening", "port", cfg.AdminPort)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin: server", "error", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm.RunRetention(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("relance: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("relance: server shutdown", "error", err)
		}
	}
	wg.Wait()
	logger.Info("relance: stopped")
	return nil
}
