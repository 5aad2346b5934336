package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/lms-api/api/swagger"
	"github.com/noah-isme/lms-api/internal/bootstrap"
	"github.com/noah-isme/lms-api/internal/handler"
	"github.com/noah-isme/lms-api/internal/repository"
	"github.com/noah-isme/lms-api/internal/service"
	"github.com/noah-isme/lms-api/internal/trigger"
	"github.com/noah-isme/lms-api/pkg/cache"
	"github.com/noah-isme/lms-api/pkg/config"
	"github.com/noah-isme/lms-api/pkg/jobs"
	"github.com/noah-isme/lms-api/pkg/logger"
)

// @title LMS API
// @version 0.1.0
// @description Courses, enrollments and the enrollment triggers that maintain course rosters
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
	logr.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	metrics := service.NewMetricsService()
	validate := validator.New()

	store, err := bootstrap.OpenStore(ctx, cfg, metrics.RecordTransactionConflict, logr)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer store.Close() //nolint:errcheck

	checks := map[string]handler.ReadinessCheck{"store": store.Ping}

	var redisClient *redis.Client
	if cfg.Courses.CacheEnabled || cfg.Trigger.Transport == config.TriggerTransportRedis {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			if cfg.Trigger.Transport == config.TriggerTransportRedis {
				return fmt.Errorf("connect redis: %w", err)
			}
			logr.Warn("redis unavailable, course cache disabled", zap.Error(err))
			redisClient = nil
		}
	}

	cacheRepo := repository.NewCacheRepository(redisClient, cfg.Redis.KeyPrefix, logr)
	defer cacheRepo.Close() //nolint:errcheck
	if redisClient != nil {
		checks["redis"] = cacheRepo.Ping
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Courses.CacheTTL, logr, cfg.Courses.CacheEnabled && redisClient != nil)

	courseRepo := repository.NewCourseRepository(store)
	enrollmentRepo := repository.NewEnrollmentRepository(store)

	roster := service.NewRosterService(store, cacheSvc, metrics, validate, logr)
	dispatcher := trigger.NewDispatcher(roster, metrics, logr, 30*time.Second)

	g, gctx := errgroup.WithContext(ctx)

	var publisher trigger.Publisher
	switch cfg.Trigger.Transport {
	case config.TriggerTransportRedis:
		publisher = trigger.NewRedisStreamPublisher(redisClient, cfg.Trigger.Stream, 0)
		source := trigger.NewRedisStreamSource(redisClient, dispatcher, trigger.RedisStreamConfig{
			Stream:    cfg.Trigger.Stream,
			Group:     cfg.Trigger.Group,
			Consumer:  cfg.Trigger.Consumer,
			ClaimIdle: cfg.Trigger.ClaimIdle,
		}, logr)
		g.Go(func() error { return source.Run(gctx) })
	default:
		queue := trigger.NewQueuePublisher(dispatcher, jobs.QueueConfig{
			Workers:    cfg.Trigger.Workers,
			MaxRetries: cfg.Trigger.MaxRetries,
			RetryDelay: cfg.Trigger.RetryDelay,
			Logger:     logr,
		})
		// Workers outlive the signal so Stop can drain buffered events after the server shuts down.
		queue.Start(context.WithoutCancel(ctx))
		defer queue.Stop()
		publisher = queue
	}

	handlers := handler.Handlers{
		Courses:     handler.NewCourseHandler(service.NewCourseService(courseRepo, cacheSvc, validate, logr), roster),
		Enrollments: handler.NewEnrollmentHandler(service.NewEnrollmentService(enrollmentRepo, courseRepo, publisher, validate, logr)),
		Triggers:    handler.NewTriggerHandler(dispatcher),
		Metrics:     handler.NewMetricsHandler(metrics, checks),
	}
	auth := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})
	router := handler.NewRouter(handler.RouterConfig{
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TriggerSecret:  cfg.Trigger.WebhookSecret,
		EnableDocs:     cfg.Env != config.EnvProduction,
	}, handlers, auth, metrics, logr)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env,
			"store", cfg.Store.Driver, "trigger_transport", cfg.Trigger.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
