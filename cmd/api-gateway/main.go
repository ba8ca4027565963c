package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/elective-api/api/swagger"
	"github.com/noah-isme/elective-api/internal/handler"
	"github.com/noah-isme/elective-api/internal/middleware"
	"github.com/noah-isme/elective-api/internal/models"
	"github.com/noah-isme/elective-api/internal/repository"
	"github.com/noah-isme/elective-api/internal/service"
	"github.com/noah-isme/elective-api/pkg/cache"
	"github.com/noah-isme/elective-api/pkg/config"
	"github.com/noah-isme/elective-api/pkg/database"
	"github.com/noah-isme/elective-api/pkg/docstore"
	"github.com/noah-isme/elective-api/pkg/export"
	"github.com/noah-isme/elective-api/pkg/jobs"
	"github.com/noah-isme/elective-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/elective-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/elective-api/pkg/middleware/requestid"
)

// @title Elective Allocation API
// @version 1.0.0
// @description Allocates students to elective course packages by grade average and preference order.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.ReadinessCheck{}

	store, closeStore, err := openDocstore(ctx, cfg, checks)
	if err != nil {
		logr.Fatal("failed to open document store", zap.String("driver", cfg.Docstore.Driver), zap.Error(err))
	}
	defer closeStore()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		if cfg.Allocation.LockDriver == config.LockRedis {
			logr.Fatal("redis is required for the run lock", zap.Error(err))
		}
		logr.Warn("redis unavailable, summary cache disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	cacheRepo := repository.NewCacheRepository(nil)
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Allocation.SummaryCacheTTL, logr, redisClient != nil)

	packageRepo := repository.NewPackageRepository(store)
	courseRepo := repository.NewCourseRepository(store)
	studentRepo := repository.NewStudentRepository(store, logr)
	historyRepo := repository.NewAcademicHistoryRepository(store)
	runRepo := repository.NewAllocationRunRepository(store)

	lock := newRunLock(cfg, redisClient)
	persister := service.NewResultPersister(packageRepo, courseRepo, studentRepo, historyRepo, logr)
	allocationSvc := service.NewAllocationService(
		packageRepo,
		service.NewCapacityTracker(courseRepo, cfg.Allocation.DefaultCapacity, logr),
		service.NewPreferenceCollector(studentRepo, logr),
		persister,
		runRepo,
		lock,
		cacheSvc,
		metricsSvc,
		validate,
		logr,
		service.AllocationServiceConfig{SummaryCacheTTL: cfg.Allocation.SummaryCacheTTL},
	)

	reconcileSvc := service.NewReconciliationService(runRepo, packageRepo, courseRepo, persister, lock, cacheSvc, metricsSvc, logr)
	reconcileQueue := jobs.NewQueue("allocation-reconcile", reconcileSvc.Handle, jobs.QueueConfig{
		Workers:     cfg.Reconcile.Workers,
		MaxRetries:  cfg.Reconcile.Retries,
		RetryDelay:  cfg.Reconcile.RetryDelay,
		Logger:      logr,
		OnExhausted: reconcileSvc.OnExhausted,
	})
	reconcileQueue.Start(ctx)
	defer reconcileQueue.Stop()
	reconcileSvc.UseQueue(reconcileQueue)
	allocationSvc.UseReconciler(reconcileSvc)

	reportSvc := service.NewReportService(allocationSvc, export.NewCSVExporter(export.WithUTF8BOM()), export.NewPDFExporter(), validate, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerAllocationRoutes(r.Group(cfg.APIPrefix), handler.NewAllocationHandler(allocationSvc, reportSvc), service.NewTokenValidator(cfg.JWT.Secret))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env, "docstore", cfg.Docstore.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logr.Error("server failed", zap.Error(err))
	case <-ctx.Done():
		logr.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error("could not stop server gracefully", zap.Error(err))
		_ = server.Close()
	}
}

func registerAllocationRoutes(api *gin.RouterGroup, h *handler.AllocationHandler, tokens *service.TokenValidator) {
	staff := api.Group("", middleware.JWT(tokens), middleware.RequireRoles(models.RoleAdmin, models.RoleSecretary))

	staff.POST("/packages/:id/allocation", h.Run)
	staff.GET("/packages/:id/allocation/runs", h.ListRuns)
	staff.GET("/allocation/runs/:runId", h.GetRun)
	staff.GET("/allocation/runs/:runId/report", h.Report)

	readers := api.Group("", middleware.JWT(tokens), middleware.RequireRoles(models.RoleAdmin, models.RoleSecretary, models.RoleProfessor))
	readers.GET("/packages/:id/allocation/latest", h.Latest)

	admin := api.Group("", middleware.JWT(tokens), middleware.RequireRoles(models.RoleAdmin))
	admin.POST("/allocation/runs/:runId/reconcile", h.Reconcile)
}

// openDocstore connects the configured backend and registers its readiness check.
func openDocstore(ctx context.Context, cfg *config.Config, checks map[string]handler.ReadinessCheck) (docstore.Store, func(), error) {
	switch cfg.Docstore.Driver {
	case config.DocstorePostgres:
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := database.EnsureDocumentSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		checks["postgres"] = db.PingContext
		return docstore.NewPostgres(db), func() { _ = db.Close() }, nil
	case config.DocstoreMongo:
		client, db, err := database.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return docstore.NewMongo(db), func() { _ = client.Disconnect(context.Background()) }, nil
	case config.DocstoreMemory:
		return docstore.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown docstore driver %q", cfg.Docstore.Driver)
	}
}

type runLock interface {
	TryAcquire(ctx context.Context, packageID string) (func(context.Context) error, bool, error)
}

func newRunLock(cfg *config.Config, client *redis.Client) runLock {
	if cfg.Allocation.LockDriver == config.LockRedis && client != nil {
		return repository.NewRedisRunLock(client, cfg.Allocation.LockTTL)
	}
	return repository.NewMemoryRunLock()
}
