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
	"go.uber.org/zap"

	"github.com/acadplan/allocation-api/internal/handler"
	"github.com/acadplan/allocation-api/internal/middleware"
	"github.com/acadplan/allocation-api/internal/repository"
	"github.com/acadplan/allocation-api/internal/service"
	"github.com/acadplan/allocation-api/pkg/cache"
	"github.com/acadplan/allocation-api/pkg/config"
	"github.com/acadplan/allocation-api/pkg/database"
	"github.com/acadplan/allocation-api/pkg/logger"
	corsmiddleware "github.com/acadplan/allocation-api/pkg/middleware/cors"
	reqidmiddleware "github.com/acadplan/allocation-api/pkg/middleware/requestid"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The API stays functional without Redis, results are just not cached.
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	studentRepo := repository.NewStudentRepository(db)
	programRepo := repository.NewProgramRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	preferenceRepo := repository.NewPreferenceRepository(db)
	allocationRepo := repository.NewAllocationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(cfg.JWT, cfg.Auth, logr)
	allocationSvc := service.NewAllocationService(
		studentRepo, programRepo, courseRepo, preferenceRepo, allocationRepo,
		cacheRepo, metricsSvc, cfg.Allocation, logr)
	exportSvc := service.NewExportService(allocationSvc, cfg.Exports, logr)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	allocationSvc.Start(rootCtx)
	defer allocationSvc.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	authHandler := handler.NewAuthHandler(authSvc)
	allocationHandler := handler.NewAllocationHandler(allocationSvc, exportSvc)

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	protected := api.Group("", middleware.JWT(authSvc))
	protected.POST("/runs", allocationHandler.StartRun)
	protected.GET("/runs", allocationHandler.ListRuns)
	protected.GET("/runs/:runID", allocationHandler.GetRun)
	protected.GET("/runs/:runID/results", allocationHandler.GetResults)
	protected.GET("/runs/:runID/students/:studentID/schedule", allocationHandler.GetStudentSchedule)
	protected.GET("/runs/:runID/export/csv", allocationHandler.ExportCSV)
	protected.GET("/runs/:runID/export/pdf", allocationHandler.ExportPDF)
	protected.POST("/runs/:runID/export/archive", allocationHandler.ArchiveExport)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("shutting down", zap.String("reason", "signal received"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("forced shutdown", "error", err)
	}
}
