package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"librarysync/internal/ratelimit"
	"librarysync/internal/util"
	"librarysync/pkg/broker"
	"librarysync/pkg/outbox"
	"librarysync/pkg/store"
	"librarysync/services/admin/internal/app"
	"librarysync/services/admin/internal/config"
	"librarysync/services/admin/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(app.ServiceName, cfg.LogLevel)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	brokerCfg := broker.Config{
		Host:     cfg.RabbitMQHost,
		Port:     cfg.RabbitMQPort,
		Vhost:    cfg.RabbitMQVhost,
		User:     cfg.RabbitMQUser,
		Password: cfg.RabbitMQPassword,
	}
	publisher, err := broker.NewPublisher(broker.PublisherConfig{Config: brokerCfg, AppID: app.ServiceName})
	if err != nil {
		log.Fatalf("failed to init publisher: %v", err)
	}
	defer publisher.Close()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	var (
		retries broker.RetryTracker
		limiter ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		tracker, err := broker.NewRedisRetryTracker(redisClient, "", 0)
		if err != nil {
			log.Fatalf("failed to init retry tracker: %v", err)
		}
		retries = tracker
		if cfg.RateLimitPerMinute > 0 {
			fw, err := ratelimit.NewFixedWindowLimiter(redisClient, "", cfg.RateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init rate limiter: %v", err)
			}
			limiter = fw
		}
	}

	var (
		dispatcher outbox.Dispatcher
		relay      *outbox.Relay
	)
	switch cfg.PublishMode {
	case outbox.ModeDirect:
		dispatcher = outbox.NewDirect(publisher)
	default:
		relay, err = outbox.NewRelay(db, publisher, outbox.RelayConfig{
			PollInterval: time.Duration(cfg.OutboxPollIntervalSeconds) * time.Second,
			Logger:       logger.With("component", "outbox"),
		})
		if err != nil {
			log.Fatalf("failed to init outbox relay: %v", err)
		}
		dispatcher = outbox.NewOutbox(relay)
	}

	appCore, err := app.New(app.Config{Store: db, Dispatcher: dispatcher})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	consumer, err := broker.NewConsumer(broker.ConsumerConfig{
		Config:      brokerCfg,
		Queue:       app.QueueName,
		Bindings:    app.ConsumedEvents,
		AppID:       app.ServiceName,
		Backoff:     time.Duration(cfg.ConsumerBackoffSeconds) * time.Second,
		RetryDelay:  time.Duration(cfg.ConsumerRetryDelaySeconds) * time.Second,
		MaxAttempts: cfg.ConsumerMaxAttempts,
		DeadLetter:  cfg.DeadLetterEnabled(),
		Retries:     retries,
		Logger:      logger.With("component", "consumer"),
	}, appCore)
	if err != nil {
		log.Fatalf("failed to init consumer: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Consumer:       consumer,
		Limiter:        limiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("admin server listening", "addr", addr, "publish_mode", cfg.PublishMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	slog.Info("admin server stopped")
}
