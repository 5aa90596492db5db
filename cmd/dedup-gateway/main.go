// Точка входа dedup-gateway — шлюз загрузки файлов в S3 с дедупликацией по содержимому.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL и S3,
// создаёт маршрутизатор шардов, координатор загрузок и сервис сверки,
// запускает фоновую сверку, topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/api/handlers"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/blobstore"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/capability"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/config"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/database"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/repository"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/server"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/service"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/shard"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("dedup-gateway запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("shard_mode", cfg.ShardMode),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("DG_DEPHEALTH_GROUP") == "" {
		logger.Warn("DG_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories и маршрутизатор шардов
	fileIndex := repository.NewFileIndexRepository(pool)
	runRepo := repository.NewReconcileRunRepository(pool)

	router, err := shard.NewRouter(shard.Config{
		Mode:      cfg.ShardMode,
		BaseTable: cfg.ShardBaseTable,
		CacheSize: cfg.ShardCacheSize,
		CacheTTL:  cfg.ShardCacheTTL,
	}, repository.NewShardSchemaRepository(pool), logger)
	if err != nil {
		logger.Error("Ошибка создания маршрутизатора шардов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Объектное хранилище
	store, err := blobstore.NewS3Store(ctx, blobstore.Config{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathStyle,
		MaxAttempts:  cfg.S3MaxAttempts,
		PageSize:     int32(cfg.ReconcilePageSize),
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания S3-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("S3-клиент создан",
		slog.String("endpoint", cfg.S3Endpoint),
		slog.String("default_bucket", cfg.S3DefaultBucket),
	)

	// 7. Проверка capability-токенов
	var validator capability.Validator = capability.AllowAll{}
	if cfg.CapabilityURL != "" {
		client, capErr := capability.New(cfg.CapabilityURL, cfg.CapabilityCACertPath, cfg.CapabilityTimeout, logger)
		if capErr != nil {
			logger.Error("Ошибка создания capability-клиента", slog.String("error", capErr.Error()))
			os.Exit(1)
		}
		validator = client
		logger.Info("Capability-клиент создан", slog.String("url", cfg.CapabilityURL))
	} else {
		logger.Warn("DG_CAPABILITY_URL не задан, проверка capability-токенов отключена")
	}

	// 8. Services
	uploadSvc := service.NewUploadService(fileIndex, router, store, service.UploadConfig{
		StaleAfter:    cfg.UploadStaleAfter,
		PollInterval:  cfg.UploadPollInterval,
		WaitMax:       cfg.UploadWaitMax,
		ProxyPath:     cfg.S3ProxyPath,
		DefaultBucket: cfg.S3DefaultBucket,
		PresignTTL:    cfg.S3PresignTTL,
	}, logger)

	targets := make([]service.ReconcileTarget, 0, len(cfg.ReconcileTargets))
	for _, t := range cfg.ReconcileTargets {
		targets = append(targets, service.ReconcileTarget{Tenant: t.Tenant, Bucket: t.Bucket})
	}
	reconcileSvc := service.NewReconcileService(fileIndex, runRepo, router, store, service.ReconcileConfig{
		PageSize:    cfg.ReconcilePageSize,
		Concurrency: cfg.ReconcileConcurrency,
		Interval:    cfg.ReconcileInterval,
		Targets:     targets,
		ProxyPath:   cfg.S3ProxyPath,
	}, logger)

	// 9. Фоновая сверка
	reconcileSvc.Start(ctx)

	// 9.1 topologymetrics — мониторинг зависимостей (PostgreSQL + S3 + capability)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthDeps{
		ServiceID:     "dedup-gateway",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PGConnURL:     cfg.DatabaseURL("postgres"),
		S3Endpoint:    cfg.S3Endpoint,
		S3HealthPath:  cfg.S3HealthPath,
		CapabilityURL: cfg.CapabilityURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 10. Handlers (readiness: PostgreSQL + bucket по умолчанию)
	h := server.Handlers{
		Health: handlers.NewHealthHandler(
			database.NewReadinessChecker(pool),
			blobstore.NewReadinessChecker(store, cfg.S3DefaultBucket),
		),
		Uploads:   handlers.NewUploadHandler(uploadSvc, validator, cfg.UploadMaxSize, logger),
		Reconcile: handlers.NewReconcileHandler(reconcileSvc, validator, logger),
	}

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, h)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	reconcileSvc.Stop()

	logger.Info("dedup-gateway остановлен")
}
