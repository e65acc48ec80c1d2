package main

import (
	"context"
	"os"
	"time"

	"dealcheck/internal/api"
	"dealcheck/internal/blob"
	"dealcheck/internal/config"
	"dealcheck/internal/extract"
	"dealcheck/internal/intake"
	"dealcheck/internal/metrics"
	"dealcheck/internal/redis"
	"dealcheck/internal/storage"
	"dealcheck/internal/validation"
	"dealcheck/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	logger := config.GetLogger()

	cfgPath := os.Getenv("DEALCHECK_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	config.SetLevel(cfg.BasicConfig.LogLevel)
	if cfg.BasicConfig.FileBaseDir == "" {
		cfg.BasicConfig.FileBaseDir = "./data/uploads"
	}

	dbType := os.Getenv("DEALCHECK_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Infof("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: deals, master sheets, documents, validation runs
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatalf("migrate database: %v", err)
	}

	ctx := context.Background()
	var cache *redis.Cache
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		cache = redis.NewCache(rdb, time.Duration(cfg.BasicConfig.TextCacheTTL)*time.Minute)
	}

	files, err := blob.NewRouter(ctx, cfg)
	if err != nil {
		logger.Fatalf("init file backends: %v", err)
	}
	extractor, err := extract.New(ctx)
	if err != nil {
		logger.Fatalf("init extractor: %v", err)
	}

	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Second,
	)
	defer dispatcher.Stop()
	registry := metrics.NewRegistry()

	store := storage.NewStore(db, dbType)
	intakeService := intake.NewService(store, files, extractor, files.Local(), cache)
	orchestrator := validation.NewOrchestrator(store, files, extractor, validation.Options{
		Dispatcher: dispatcher,
		Cache:      cache,
		Metrics:    registry,
		Logger:     logger,
	})
	handlers := api.NewHandler(intakeService, orchestrator, registry)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		logger.Fatalf("server stopped: %v", err)
	}
}
