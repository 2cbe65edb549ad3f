// Точка входа Transfer Module — движок resumable chunked-загрузки и
// range-streaming системы Mediastore. Загружает конфигурацию, выбирает
// backend хранилища чанков (файловая система или S3) и репозиторий
// состояния (PostgreSQL или in-memory), собирает сервисный слой и API
// handlers, запускает Reaper, topologymetrics и HTTP-сервер с graceful
// shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/gomediastore/transfer-module/internal/api/handlers"
	"github.com/bigkaa/gomediastore/transfer-module/internal/api/middleware"
	"github.com/bigkaa/gomediastore/transfer-module/internal/config"
	"github.com/bigkaa/gomediastore/transfer-module/internal/database"
	"github.com/bigkaa/gomediastore/transfer-module/internal/repository"
	"github.com/bigkaa/gomediastore/transfer-module/internal/server"
	"github.com/bigkaa/gomediastore/transfer-module/internal/service"
	"github.com/bigkaa/gomediastore/transfer-module/internal/storage/chunkstore"
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
	logger.Info("Transfer Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage_backend", cfg.StorageBackend),
	)

	ctx := context.Background()

	// 3. Хранилище чанков
	store, err := buildChunkStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища чанков", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Репозитории состояния: PostgreSQL или in-memory (standalone)
	var (
		sessions    repository.SessionRepository
		files       repository.FileRepository
		pgChecker   handlers.ReadinessChecker
		pgDB        *sql.DB
		pgConnURL   string
		closePGPool func()
	)

	if cfg.UsePostgres() {
		// 4.1 Применение миграций БД
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		// 4.2 Подключение к PostgreSQL (pgxpool)
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}

		sessions = repository.NewPostgresSessionRepository(pool)
		files = repository.NewPostgresFileRepository(pool)
		pgChecker = database.NewReadinessChecker(pool)

		// 4.3 Адаптер pgxpool → *sql.DB для topologymetrics: проверка здоровья
		// PostgreSQL идёт через существующий пул соединений
		pgDB = stdlib.OpenDBFromPool(pool)
		pgConnURL = cfg.DatabaseDSN()

		closePGPool = func() {
			pgDB.Close()
			pool.Close()
		}
	} else {
		logger.Info("TM_DB_HOST не задан — состояние сессий в памяти (standalone режим)")
		sessions = repository.NewMemorySessionRepository()
		files = repository.NewMemoryFileRepository()
	}
	if closePGPool != nil {
		defer closePGPool()
	}

	// 4.4 topologymetrics — мониторинг зависимостей (PostgreSQL и/или S3)
	var dephealth *service.DephealthService
	if pgDB != nil || cfg.S3Endpoint != "" {
		dephealth, err = service.NewDephealthService(
			"transfer-module",
			cfg.DephealthGroup,
			pgDB,
			pgConnURL,
			cfg.S3Endpoint,
			cfg.DephealthCheckInterval,
			cfg.DephealthIsEntry,
			logger,
		)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
			dephealth = nil
		}
	}

	// 5. Сервисный слой
	cache := service.NewFileCache(cfg.CacheSize, cfg.CacheTTL)

	sessionSvc := service.NewSessionService(sessions, store, cfg.ChunkSize, logger)
	finalizeSvc := service.NewFinalizeService(sessions, files, store, cache,
		cfg.StreamThreshold, cfg.S3PresignTTL, cfg.PublicURL, logger)
	streamSvc := service.NewStreamService(sessions, files, store, cache,
		cfg.StreamUnfinalized, logger)
	directSvc := service.NewDirectUploadService(files, store,
		cfg.DirectUploadLimit, cfg.S3PresignTTL, cfg.PublicURL, logger)
	reaper := service.NewReaperService(sessions, store,
		cfg.ReaperInterval, cfg.SessionTTL, logger)

	// 6. API handlers
	filesHandler := handlers.NewFilesHandler(files, store, logger)
	healthHandler := handlers.NewHealthHandler(pgChecker)
	apiHandler := handlers.NewAPIHandler(sessionSvc, finalizeSvc, streamSvc,
		directSvc, filesHandler, healthHandler, logger)

	// 7. Middleware: метрики, логирование запросов, JWT (опционально)
	middlewares := []func(http.Handler) http.Handler{
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	}

	if cfg.JWKSURL != "" {
		jwtAuth, err := middleware.NewJWTAuth(
			cfg.JWKSURL,
			cfg.JWTIssuer,
			cfg.JWKSClientTimeout,
			cfg.JWKSRefreshInterval,
			cfg.JWTLeeway,
			logger,
		)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)

		// Streaming, health и метрики — без JWT: токен сессии в URL
		// сам по себе является capability
		middlewares = append(middlewares, server.JWTAuthWithExclusions(
			jwtAuth.Middleware(),
			"/health", "/metrics", "/files/stream",
		))
	} else {
		logger.Warn("TM_JWKS_URL не задан — аутентификация отключена")
	}

	// 8. Запуск фоновых задач
	reaper.Start(ctx)

	if dephealth != nil {
		if err := dephealth.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. HTTP-сервер (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, apiHandler, middlewares...)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 10. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	reaper.Stop()
	if dephealth != nil {
		dephealth.Stop()
	}

	logger.Info("Transfer Module остановлен")
}

// buildChunkStore создаёт хранилище чанков по конфигурации.
func buildChunkStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (chunkstore.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendS3:
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.S3Region),
		}
		if cfg.S3AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}

		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = &cfg.S3Endpoint
				// MinIO и совместимые хранилища требуют path-style адресацию
				o.UsePathStyle = true
			}
		})

		logger.Info("Хранилище чанков: S3",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("endpoint", cfg.S3Endpoint),
		)
		return chunkstore.NewS3Store(client, cfg.S3Bucket, cfg.S3KeyPrefix), nil

	default:
		logger.Info("Хранилище чанков: файловая система",
			slog.String("data_dir", cfg.DataDir),
		)
		return chunkstore.NewFSStore(cfg.DataDir)
	}
}
