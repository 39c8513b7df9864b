package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/teleconsult-signaling/internal/api"
	"github.com/hackgods/teleconsult-signaling/internal/auth"
	"github.com/hackgods/teleconsult-signaling/internal/availability"
	"github.com/hackgods/teleconsult-signaling/internal/config"
	"github.com/hackgods/teleconsult-signaling/internal/consultation"
	"github.com/hackgods/teleconsult-signaling/internal/db"
	"github.com/hackgods/teleconsult-signaling/internal/matching"
	"github.com/hackgods/teleconsult-signaling/internal/notify"
	"github.com/hackgods/teleconsult-signaling/internal/quality"
	redisclient "github.com/hackgods/teleconsult-signaling/internal/redis"
	"github.com/hackgods/teleconsult-signaling/internal/scheduler"
	"github.com/hackgods/teleconsult-signaling/internal/signaling"
	"github.com/hackgods/teleconsult-signaling/internal/ws"
	"github.com/hackgods/teleconsult-signaling/pkg/logger"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load error: %v", err)
	}

	base := logger.New(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component(base, "api-server")
	log.WithFields(logrus.Fields{
		"env":       cfg.Env,
		"http_port": cfg.HTTPPort,
		"store":     cfg.StoreBackend,
		"locks":     cfg.LockBackend,
		"notify":    cfg.NotifyBackend,
	}).Info("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []api.HealthCheck

	repo, closeRepo, repoCheck, err := openRepository(rootCtx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("consultation store unavailable")
	}
	defer closeRepo()
	if repoCheck != nil {
		checks = append(checks, *repoCheck)
	}

	var rdb *redis.Client
	if cfg.LockBackend == "redis" || cfg.StoreBackend != "memory" {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.WithError(err).Fatal("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.WithError(err).Warn("error closing redis")
			}
		}()
		log.Info("connected to Redis")
		checks = append(checks, api.HealthCheck{
			Name:     "redis",
			Critical: cfg.LockBackend == "redis",
			Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	locker := redisclient.NewLocalLocker()
	if cfg.LockBackend == "redis" {
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	}

	regOpts := []availability.Option{}
	if rdb != nil {
		regOpts = append(regOpts, availability.WithStore(availability.NewRedisStore(rdb)))
	}
	registry := availability.NewRegistry(cfg.HeartbeatStaleness, logger.Component(base, "availability"), regOpts...)
	if err := registry.Restore(rootCtx); err != nil {
		log.WithError(err).Warn("could not restore doctor availability, starting empty")
	}

	notifier, err := openNotifier(rootCtx, cfg, base)
	if err != nil {
		log.WithError(err).Fatal("notification channel unavailable")
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			log.WithError(err).Warn("error closing notifier")
		}
	}()

	lifecycle := consultation.NewManager(
		repo,
		locker,
		matching.NewEngine(registry),
		registry,
		notifier,
		consultation.Policy{
			RetryLimit:     cfg.RejectRetryLimit,
			RequestTimeout: cfg.RequestTimeout,
			MinDwell:       cfg.MinDwell,
		},
		logger.Component(base, "consultation"),
	)

	monitor := quality.NewMonitor(logger.Component(base, "quality"))
	rooms := signaling.NewManager(lifecycle, monitor, cfg.RoomGracePeriod, logger.Component(base, "signaling"))
	lifecycle.AddListener(rooms)

	sched := scheduler.New(lifecycle, registry, rooms, scheduler.Config{
		AutoAssignInterval: cfg.AutoAssignInterval,
		CleanupInterval:    cfg.CleanupInterval,
		SweepTimeout:       cfg.SweepTimeout,
	}, logger.Component(base, "scheduler"))
	if err := sched.Start(rootCtx); err != nil {
		log.WithError(err).Fatal("scheduler start error")
	}
	defer sched.Stop()

	tokens := auth.NewService(cfg.JWTSecret, 12*time.Hour)
	router := api.NewRouter(api.RouterConfig{
		Consultations: lifecycle,
		Availability:  registry,
		Rooms:         rooms,
		Auth:          tokens,
		WebSocket:     ws.NewHandler(tokens, rooms, nil, logger.Component(base, "ws")),
		Checks:        checks,
		Log:           logger.Component(base, "http"),
		Env:           cfg.Env,
		Version:       version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server did not shut down cleanly")
	}
}

func openRepository(ctx context.Context, cfg config.Config, log *logrus.Entry) (consultation.Repository, func(), *api.HealthCheck, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.EnsureSchema(pgCtx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("connected to Postgres")
		repo := consultation.NewPgRepository(pool)
		return repo, pool.Close, &api.HealthCheck{Name: "postgres", Critical: true, Ping: repo.Ping}, nil

	case "mongo":
		mCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := db.ConnectMongo(mCtx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := consultation.NewMongoRepository(client, cfg.MongoDatabase)
		if err := repo.EnsureIndexes(mCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, err
		}
		log.Info("connected to MongoDB")
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.WithError(err).Warn("error closing mongo")
			}
		}
		return repo, closeFn, &api.HealthCheck{Name: "mongo", Critical: true, Ping: repo.Ping}, nil
	}

	log.Warn("using in-memory consultation store, data is lost on restart")
	return consultation.NewMemoryRepository(), func() {}, nil, nil
}

func openNotifier(ctx context.Context, cfg config.Config, base *logrus.Logger) (notify.Dispatcher, error) {
	logDispatcher := notify.NewLogDispatcher(logger.Component(base, "notify"))

	switch cfg.NotifyBackend {
	case "kafka":
		return notify.Multi{
			logDispatcher,
			notify.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Component(base, "notify-kafka")),
		}, nil

	case "mqtt":
		hostname, _ := os.Hostname()
		clientID := "teleconsult-" + hostname + "-" + uuid.NewString()[:8]
		mq, err := notify.NewMQTTDispatcher(ctx, cfg.MQTTBroker, clientID, cfg.MQTTTopicPrefix, logger.Component(base, "notify-mqtt"))
		if err != nil {
			return nil, err
		}
		return notify.Multi{logDispatcher, mq}, nil
	}
	return logDispatcher, nil
}
