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
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/lesson-draw-api/api/swagger"
	"github.com/noah-isme/lesson-draw-api/internal/draw"
	"github.com/noah-isme/lesson-draw-api/internal/handler"
	internalmiddleware "github.com/noah-isme/lesson-draw-api/internal/middleware"
	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/internal/repository"
	"github.com/noah-isme/lesson-draw-api/internal/service"
	"github.com/noah-isme/lesson-draw-api/pkg/cache"
	"github.com/noah-isme/lesson-draw-api/pkg/config"
	"github.com/noah-isme/lesson-draw-api/pkg/database"
	"github.com/noah-isme/lesson-draw-api/pkg/export"
	"github.com/noah-isme/lesson-draw-api/pkg/jobs"
	"github.com/noah-isme/lesson-draw-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lesson-draw-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lesson-draw-api/pkg/middleware/requestid"
)

// @title Lesson Draw API
// @version 1.0.0
// @description Lesson draw service for teaching demonstration contests
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect database", "error", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		logr.Sugar().Fatalw("failed to migrate database", "error", err)
	}

	var redisClient *redis.Client
	if cfg.Catalog.CacheEnabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, catalog cache disabled", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()
	loc := cfg.Draw.Location()

	userRepo := repository.NewUserRepository(db)
	lessonRepo := repository.NewLessonRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	drawRepo := repository.NewDrawRepository(db)
	importRepo := repository.NewImportRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, "lesson-draw", logr)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Catalog.CacheTTL, logr, redisClient != nil)
	catalogSvc := service.NewCatalogService(settingsRepo, lessonRepo, userRepo, cacheSvc, validate, logr, cfg.Catalog.CacheTTL)

	syncSvc := service.NewSyncService(cfg.Sync, cfg.Bootstrap, loc, importRepo, userRepo, lessonRepo, metricsSvc, logr)
	syncQueue := jobs.NewQueue("sync", syncSvc.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Sync.Workers,
		MaxRetries: cfg.Sync.Retries,
		RetryDelay: cfg.Sync.RetryDelay,
		Logger:     logr,
	})
	syncQueue.Start(ctx)
	defer syncQueue.Stop()
	syncSvc.AttachQueue(syncQueue)
	syncSvc.AttachCatalog(catalogSvc)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "lesson-draw-api",
	})
	engine := draw.NewEngine(draw.WithUnassignedClass(cfg.Draw.UnassignedName))
	drawSvc := service.NewDrawService(drawRepo, userRepo, lessonRepo, engine, syncSvc, metricsSvc, logr, service.DrawServiceConfig{
		TxTimeout: cfg.Draw.TxTimeout,
	})
	userSvc := service.NewUserService(userRepo, validate, syncSvc, logr)
	exportSvc := service.NewExportService(userRepo, lessonRepo, loc, logr, export.NewCSVExporter(), export.NewPDFExporter())

	if err := catalogSvc.SeedDefaults(ctx); err != nil {
		logr.Sugar().Fatalw("failed to seed settings", "error", err)
	}
	if created, err := userSvc.EnsureBootstrapAdmin(ctx, cfg.Bootstrap); err != nil {
		logr.Sugar().Fatalw("failed to bootstrap administrator", "error", err)
	} else if created {
		logr.Sugar().Infow("bootstrap administrator created", "email", cfg.Bootstrap.AdminEmail)
	}

	checks := map[string]handler.Pinger{"postgres": handler.PingFunc(db.PingContext)}
	if redisClient != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS))
	r.Use(internalmiddleware.Metrics(metricsSvc))
	r.Use(internalmiddleware.ResponseMeta())

	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r.Group(cfg.APIPrefix), routeDeps{
		auth:    handler.NewAuthHandler(authSvc),
		draws:   handler.NewDrawHandler(drawSvc),
		catalog: handler.NewCatalogHandler(catalogSvc),
		users:   handler.NewUserHandler(userSvc),
		sync:    handler.NewSyncHandler(syncSvc),
		exports: handler.NewExportHandler(exportSvc),
		tokens:  authSvc,
		audit:   userRepo,
		logger:  logr,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "sync_enabled", cfg.Sync.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

type routeDeps struct {
	auth    *handler.AuthHandler
	draws   *handler.DrawHandler
	catalog *handler.CatalogHandler
	users   *handler.UserHandler
	sync    *handler.SyncHandler
	exports *handler.ExportHandler
	tokens  internalmiddleware.TokenValidator
	audit   internalmiddleware.AuditRecorder
	logger  *zap.Logger
}

func registerRoutes(api *gin.RouterGroup, d routeDeps) {
	admin := internalmiddleware.RequireRoles(models.RoleAdmin)
	staff := internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleManager)

	authGroup := api.Group("/auth")
	authGroup.POST("/login", d.auth.Login)
	authGroup.POST("/refresh", d.auth.Refresh)

	secured := api.Group("")
	secured.Use(internalmiddleware.JWT(d.tokens))

	secured.POST("/auth/logout", d.auth.Logout)
	secured.GET("/me", d.auth.Me)
	secured.GET("/catalog", d.catalog.Catalog)

	secured.POST("/draws", internalmiddleware.RequireRoles(models.RoleTeacher, models.RoleManager), d.draws.Draw)
	secured.GET("/draws/me", d.draws.Current)

	users := secured.Group("/users")
	users.GET("", staff, d.users.List)
	users.POST("", staff, d.users.Create)
	users.POST("/bulk-window", admin, d.users.BulkSetWindow)
	users.GET("/:id", staff, d.users.Get)
	users.PUT("/:id", admin, d.users.Update)
	users.PATCH("/:id/role", admin, d.users.ChangeRole)
	users.PATCH("/:id/window", admin, d.users.SetWindow)
	users.PATCH("/:id/grade-restriction", admin, d.users.SetGradeRestriction)
	users.POST("/:id/reset-draw", admin, d.draws.Reset)
	users.DELETE("/:id", admin, d.users.Delete)

	secured.GET("/lessons", staff, d.catalog.Lessons)
	secured.PUT("/lessons", admin, d.catalog.ImportLessons)

	settings := secured.Group("/settings", staff)
	settings.GET("", d.catalog.Settings)
	settings.POST("/subjects", d.catalog.AddSubject)
	settings.DELETE("/subjects", d.catalog.RemoveSubject)
	settings.POST("/grades", d.catalog.AddGrade)
	settings.DELETE("/grades", d.catalog.RemoveGrade)
	settings.POST("/classrooms", d.catalog.AddClassroom)
	settings.DELETE("/classrooms/:id", d.catalog.RemoveClassroom)

	secured.POST("/sync/pull", admin, d.sync.Pull)

	secured.GET("/exports/results", staff,
		internalmiddleware.Audit(d.audit, d.logger, models.AuditActionExport, "exports"),
		d.exports.Results)
}
