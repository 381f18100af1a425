package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabsync/backend/config"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/presence"
	"collabsync/backend/internal/ws"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "server")

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	registry, err := openRegistry(ctx, cfg, backend)
	if err != nil {
		return err
	}

	svc := newService(cfg, backend, registry)
	defer svc.Close()
	persister := newPersister(cfg, backend, svc)

	if cfg.Kafka.Enabled {
		// === 初始化 Kafka Producer ===
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers*2),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			})
		defer dispatcher.Close()
		svc.AddListener(dispatcher)
	}

	var mirror cache.PresenceCache
	if cfg.Presence.Mirror {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		mirror = cache.NewRedisPresence(rdb)
	}
	tracker := presence.NewTracker(nil, mirror, presence.Options{
		TTL:      cfg.Presence.TTL,
		Debounce: cfg.Presence.Debounce,
	})
	defer tracker.Close()

	hub := ws.NewHub(svc, tracker, collab.NewSemaphoreControl(cfg.Hub.MaxInflight), ws.HubOptions{
		OutboundQueue: cfg.Hub.OutboundQueue,
		SessionRate:   cfg.Hub.SessionRate,
		SessionBurst:  cfg.Hub.SessionBurst,
		DocumentRate:  cfg.Hub.DocumentRate,
		DocumentBurst: cfg.Hub.DocumentBurst,
		MaxViolations: cfg.Hub.MaxViolations,
		IdleTimeout:   cfg.Hub.IdleTimeout,
		SweepInterval: cfg.Hub.SweepInterval,
		SubmitTimeout: cfg.Hub.SubmitTimeout,
	})

	var validator auth.Validator = auth.NewJWTValidator(cfg.Auth.Secret)
	if cfg.Auth.Mode == "remote" {
		validator = auth.NewRemoteValidator(cfg.Auth.Path, 0)
	}
	manager := ws.NewManager(hub, validator, cfg.Hub.AllowedOrigins)

	gin.SetMode(cfg.Running.Mode)
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Cors.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	group := r.Group("/collab")
	group.GET("/ws", manager.WebSocketConnect)
	group.GET("/healthz", handlers.Healthz)
	handlers.NewDocuments(svc, persister, hub).Register(group, validator)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "driver", cfg.Persistence.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return persister.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server stopped with error: %v", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
