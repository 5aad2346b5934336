// Command roster-reconcile reports, and optionally repairs, drift between a course's student
// counter and the size of its roster.
//
// Exit status is 0 when the course has no drift or it was repaired, 1 when drift remains and 2 on
// usage or runtime errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/bootstrap"
	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/internal/repository"
	"github.com/noah-isme/lms-api/internal/service"
	"github.com/noah-isme/lms-api/pkg/cache"
	"github.com/noah-isme/lms-api/pkg/config"
	"github.com/noah-isme/lms-api/pkg/logger"
)

func main() {
	courseID := flag.String("course", "", "course id to reconcile")
	apply := flag.Bool("apply", false, "reset the counter to the roster size when they differ")
	flag.Parse()

	if *courseID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, logr, *courseID, *apply)
	stop()
	_ = logr.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger, courseID string, apply bool) int {
	store, err := bootstrap.OpenStore(ctx, cfg, nil, logr)
	if err != nil {
		logr.Error("failed to open document store", zap.Error(err))
		return 2
	}
	defer store.Close() //nolint:errcheck

	var cacheSvc *service.CacheService
	if cfg.Courses.CacheEnabled && apply {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, cached course entry will expire on its own", zap.Error(err))
		} else {
			cacheRepo := repository.NewCacheRepository(client, cfg.Redis.KeyPrefix, logr)
			defer cacheRepo.Close() //nolint:errcheck
			cacheSvc = service.NewCacheService(cacheRepo, nil, cfg.Courses.CacheTTL, logr, true)
		}
	}

	roster := service.NewRosterService(store, cacheSvc, nil, nil, logr)
	report, err := roster.Reconcile(ctx, courseID, apply)
	if err != nil {
		logr.Error("reconcile failed", zap.String("course_id", courseID), zap.Error(err))
		return 2
	}
	if err := printReport(os.Stdout, report); err != nil {
		logr.Error("failed to write report", zap.Error(err))
		return 2
	}
	if report.Drift != 0 && !report.Repaired {
		return 1
	}
	return 0
}

func printReport(w io.Writer, report *models.RosterDrift) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
