package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"paywatch/internal/account"
	"paywatch/internal/api"
	"paywatch/internal/config"
	"paywatch/internal/db"
	"paywatch/internal/entitlement"
	"paywatch/internal/events"
	"paywatch/internal/gateway"
	"paywatch/internal/jobrecord"
	"paywatch/internal/logging"
	"paywatch/internal/maintenance"
	"paywatch/internal/queue"
	"paywatch/internal/worker"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}

	defaultConfig := os.Getenv("PAYWATCH_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "configs/paywatch.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger := logging.New(cfg.Logging)
	logging.SetGlobal(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer conn.Close()
	if err := db.EnsureSchema(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo, closeQueue := openQueue(ctx, cfg.Queue, conn)
	defer closeQueue()
	if n, err := repo.RecoverStale(ctx, time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}

	gw := gateway.New(repo, gateway.Options{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}, logger)
	accounts := account.NewSQLStore(conn)
	records := jobrecord.NewSQLStore(conn)

	publisher, closePublisher := newPublisher(cfg.Events, logger)
	defer closePublisher()

	policy := entitlement.Policy{
		Deadline:     cfg.Entitlement.Deadline(),
		TickInterval: cfg.Entitlement.TickInterval(),
		Location:     cfg.Entitlement.Location(),
	}
	deps := entitlement.Deps{
		Users:    accounts,
		Payments: accounts,
		Records:  records,
		Queue:    gw,
		Events:   publisher,
	}
	coordinator := entitlement.NewCoordinator(deps, policy, logger)
	verifier := entitlement.NewVerifier(deps, policy, logger)

	registry := worker.NewRegistry()
	if err := verifier.Register(registry); err != nil {
		log.Fatal().Err(err).Msg("register verifier")
	}

	pool := worker.NewPool(repo, registry, worker.Options{
		Workers:    cfg.Queue.Workers,
		PollEvery:  cfg.Queue.PollInterval,
		JobTimeout: cfg.Queue.JobTimeout,
	}, logger)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	sweeper := maintenance.NewService(maintenance.Deps{
		Queue:    repo,
		Payments: accounts,
		Records:  records,
		Jobs:     gw,
	}, cfg.Maintenance.Schedule, logger)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start maintenance")
	}

	handler := api.NewServerWithDebug(api.Deps{
		Users:     accounts,
		Payments:  accounts,
		Activator: coordinator,
		Records:   records,
		Jobs:      gw,
		Stats:     repo,
		Location:  policy.Location,
		Log:       logger,
	}, cfg.Server.EnablePprof)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Dur("deadline", policy.Deadline).
			Dur("tick", policy.TickInterval).
			Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sweeper.Stop()
	cancel()
	<-poolDone
}

func openQueue(ctx context.Context, cfg config.QueueConfig, conn *sqlx.DB) (queue.Repository, func()) {
	if cfg.Backend != config.BackendRedis {
		return queue.NewSQLRepo(conn), func() {}
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redis url")
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect to redis")
	}
	log.Info().Str("addr", opts.Addr).Msg("using redis job queue")
	return queue.NewRedisRepo(client, cfg.KeyPrefix), func() { _ = client.Close() }
}

// newPublisher fans events out to every configured sink, or only logs them
// when none is configured.
func newPublisher(cfg config.EventsConfig, logger zerolog.Logger) (events.Publisher, func()) {
	var (
		sinks   events.Multi
		closers []func()
	)
	if cfg.AMQP.URL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQP, logger)
		if err != nil {
			log.Fatal().Err(err).Msg("connect event broker")
		}
		sinks = append(sinks, p)
		closers = append(closers, func() { _ = p.Close() })
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	if len(sinks) == 0 {
		return events.LogPublisher{Log: logger}, func() {}
	}
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
