package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/schoolops/timetable-api/internal/db"
	"github.com/schoolops/timetable-api/internal/handler"
	"github.com/schoolops/timetable-api/internal/middleware"
	"github.com/schoolops/timetable-api/internal/repository"
	"github.com/schoolops/timetable-api/internal/service"
	"github.com/schoolops/timetable-api/pkg/cache"
	"github.com/schoolops/timetable-api/pkg/config"
	"github.com/schoolops/timetable-api/pkg/database"
	"github.com/schoolops/timetable-api/pkg/logger"
	corsmiddleware "github.com/schoolops/timetable-api/pkg/middleware/cors"
	reqidmiddleware "github.com/schoolops/timetable-api/pkg/middleware/requestid"
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

	sqlDB, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer sqlDB.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(sqlDB); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	entryRepo := repository.NewEntryRepository(sqlDB)
	periodRepo := repository.NewPeriodRepository(sqlDB)
	weekConfigRepo := repository.NewWeekConfigRepository(sqlDB)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close()

	timetableSvc := service.NewTimetableService(entryRepo, weekConfigRepo, periodRepo, cacheRepo, metricsSvc, validate, logr, cfg.Timetable.GridCacheTTL)
	conflictSvc := service.NewConflictService(entryRepo, periodRepo, logr)
	suggestionSvc := service.NewSuggestionService(entryRepo, periodRepo, weekConfigRepo, validate, logr, cfg.Timetable.SuggestionLimit)
	exportSvc := service.NewExportService(entryRepo, periodRepo, logr, cfg.Timetable.ExportICSInterval)
	importSvc := service.NewImportService(timetableSvc, logr, cfg.Timetable.ImportMaxRows)
	weekConfigSvc := service.NewWeekConfigService(weekConfigRepo, validate, logr)

	timetableHandler := handler.NewTimetableHandler(timetableSvc, conflictSvc, suggestionSvc, exportSvc, importSvc)
	weekConfigHandler := handler.NewWeekConfigHandler(weekConfigSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.Tenant())
	{
		api.GET("/timetable/:termId", timetableHandler.Grid)
		api.GET("/timetable/:termId/conflicts", timetableHandler.Conflicts)
		api.GET("/timetable/:termId/suggestions", timetableHandler.Suggestions)
		api.PUT("/timetable/:termId/slots", timetableHandler.UpsertSlot)
		api.DELETE("/timetable/:termId/slots", timetableHandler.DeleteSlot)
		api.POST("/timetable/:termId/slots/bulk", timetableHandler.BulkUpsert)
		api.GET("/timetable/:termId/export", timetableHandler.Export)
		api.POST("/timetable/:termId/import", timetableHandler.Import)

		api.GET("/week-config", weekConfigHandler.Get)
		api.PUT("/week-config", weekConfigHandler.Upsert)

		api.GET("/metrics/summary", metricsHandler.Snapshot)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
