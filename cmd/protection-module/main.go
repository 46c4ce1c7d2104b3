// Точка входа Protection Module: асинхронная защита документов.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// собирает конвейер (приём, токен AAD, инструмент защиты, хранилище,
// публикация событий), пул воркеров и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/protection-module/internal/aad"
	"github.com/bigkaa/goartstore/protection-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/protection-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/protection-module/internal/config"
	"github.com/bigkaa/goartstore/protection-module/internal/database"
	"github.com/bigkaa/goartstore/protection-module/internal/ingest"
	"github.com/bigkaa/goartstore/protection-module/internal/protector"
	"github.com/bigkaa/goartstore/protection-module/internal/publisher"
	"github.com/bigkaa/goartstore/protection-module/internal/repository"
	"github.com/bigkaa/goartstore/protection-module/internal/server"
	"github.com/bigkaa/goartstore/protection-module/internal/service"
	"github.com/bigkaa/goartstore/protection-module/internal/storage/artifact"
	"github.com/bigkaa/goartstore/protection-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/protection-module/internal/storage/s3store"
)

const apiPrefix = "/api/v1/protection"

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Protection Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage_backend", cfg.StorageBackend),
	)

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

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	repo := repository.NewProtectionRequestRepository(pool)

	// 5. Токены AAD
	aadClient := aad.NewClient(
		cfg.AuthorityURL(),
		cfg.AADClientID,
		cfg.AADClientSecret,
		cfg.ProtectionBaseURL,
		cfg.AADTimeout,
		nil,
		logger,
	)
	tokens := aad.NewTokenCache(aadClient, logger)

	// 6. Приём документов и инструмент защиты
	ingestor := ingest.NewIngestor(cfg.StagingDir, cfg.FetchTimeout, logger)
	invoker := protector.NewInvoker(protector.ExecRunner{}, protector.Config{
		CLI:          cfg.ProtectionCLI,
		OperatorUser: cfg.ProtectionUser,
		ClientID:     cfg.AADClientID,
		BaseURL:      cfg.ProtectionBaseURL,
		Timeout:      cfg.ProtectionTimeout,
	}, logger)

	// 7. Хранилище артефактов
	var (
		backend      artifact.ObjectStorage
		storageCheck handlers.CheckFunc
		artifacts    *filestoreRoutes
	)
	switch cfg.StorageBackend {
	case config.StorageBackendFS:
		fsBackend, fsErr := filestore.New(cfg.FSDataDir, cfg.FSPublicURL, logger)
		if fsErr != nil {
			logger.Error("Ошибка инициализации fs-хранилища", slog.String("error", fsErr.Error()))
			os.Exit(1)
		}
		backend = fsBackend
		storageCheck = fsBackend.CheckReady
		artifacts = &filestoreRoutes{prefix: "/artifacts/", dataDir: fsBackend.DataDir()}
	default:
		s3Backend, s3Err := s3store.New(ctx, s3store.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PathStyle:     cfg.S3PathStyle,
			PublicURL:     cfg.S3PublicURL,
			Timeout:       cfg.S3Timeout,
			UploadTimeout: cfg.S3UploadTimeout,
		}, logger)
		if s3Err != nil {
			logger.Error("Ошибка инициализации S3-клиента", slog.String("error", s3Err.Error()))
			os.Exit(1)
		}
		backend = s3Backend
		storageCheck = func(ctx context.Context) error {
			return s3Backend.CheckReady(ctx, cfg.StorageContainer)
		}
	}
	store := artifact.New(backend, cfg.StorageContainer, logger)

	// 8. Публикация событий о завершении
	var pub publisher.Publisher
	if cfg.AMQPURL != "" {
		pub = publisher.NewRabbitMQPublisher(cfg.AMQPURL, logger)
		logger.Info("События публикуются в RabbitMQ", slog.String("topic", cfg.AMQPTopic))
	} else {
		pub = publisher.NewLogPublisher(logger)
		logger.Info("PM_AMQP_URL не задан, события пишутся в лог")
	}

	// 9. Конвейер, пул воркеров, сервис запросов
	links := service.NewLinkCache(store, apiPrefix, cfg.LinkCacheSize, cfg.LinkCacheTTL)
	processor := service.NewProcessor(service.ProcessorDeps{
		Repo:      repo,
		Ingestor:  ingestor,
		Tokens:    tokens,
		Protector: invoker,
		Store:     store,
		Publisher: pub,
		Links:     links,
		Topic:     cfg.AMQPTopic,
	}, logger)
	scheduler := service.NewScheduler(service.SchedulerConfig{
		Core:      cfg.WorkersCore,
		Max:       cfg.WorkersMax,
		QueueSize: cfg.QueueSize,
		KeepAlive: cfg.WorkerKeepAlive,
	}, logger)
	protectionSvc := service.NewProtectionService(repo, processor, scheduler, store, links, logger)

	// 10. topologymetrics: мониторинг PostgreSQL и AAD
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "protection-module",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PGConnURL:     cfg.DatabaseURL(),
		AuthorityURL:  cfg.AuthorityURL(),
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 11. JWT middleware (опционально)
	routes := server.Routes{
		Protection: handlers.NewProtectionHandler(protectionSvc, cfg.MaxUploadSize, cfg.StagingDir, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.ReadinessChecker{
			"database": database.NewReadinessChecker(pool),
			"storage":  storageCheck,
		}, 0),
	}
	if artifacts != nil {
		routes.Artifacts = handlers.NewArtifactsHandler(artifacts.prefix, artifacts.dataDir)
	}
	if cfg.JWTJWKSURL != "" {
		jwtAuth, authErr := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWTJWKSURL,
			ClientTimeout:   cfg.AADTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if authErr != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", authErr.Error()))
			os.Exit(1)
		}
		routes.Auth = jwtAuth.Middleware()
		logger.Info("JWT-аутентификация API включена", slog.String("jwks_url", cfg.JWTJWKSURL))
	} else {
		logger.Warn("PM_JWT_JWKS_URL не задан, API доступен без аутентификации")
	}

	// 12. HTTP-сервер
	srv := server.New(cfg, logger, routes)
	runErr := srv.Run()
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// 13. Graceful shutdown: дождаться запущенных запросов
	logger.Info("Останавливаем пул воркеров...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Не все запросы завершены до истечения таймаута", slog.String("error", err.Error()))
	}
	cancel()

	if err := pub.Close(); err != nil {
		logger.Warn("Ошибка закрытия publisher", slog.String("error", err.Error()))
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Protection Module остановлен")
	if runErr != nil {
		os.Exit(1)
	}
}

// filestoreRoutes: параметры раздачи артефактов fs-бэкенда.
type filestoreRoutes struct {
	prefix  string
	dataDir string
}
