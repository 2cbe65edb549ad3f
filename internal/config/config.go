// Пакет config — загрузка и валидация конфигурации Transfer Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/gomediastore/transfer-module/internal/domain/model"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранилища чанков.
const (
	StorageBackendFS = "fs"
	StorageBackendS3 = "s3"
)

// Config содержит все параметры конфигурации Transfer Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Внешний базовый URL модуля для формирования адресов чтения
	PublicURL string

	// --- Передача ---

	// Размер чанка chunked-загрузки
	ChunkSize int64
	// Порог выбора streamed-режима (файлы строго больше — streamed)
	StreamThreshold int64
	// Лимит payload простой (не-сессионной) загрузки
	DirectUploadLimit int64
	// Отдавать ли загруженные диапазоны до финализации
	StreamUnfinalized bool

	// --- Хранилище чанков ---

	// Backend хранилища: fs или s3
	StorageBackend string
	// Директория данных для fs backend
	DataDir string
	// Параметры S3 backend
	S3Endpoint   string
	S3Region     string
	S3Bucket     string
	S3KeyPrefix  string
	S3AccessKey  string
	S3SecretKey  string
	S3PresignTTL time.Duration

	// --- PostgreSQL (опционально; без БД — in-memory репозиторий) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Reaper ---

	// Период проходов Reaper
	ReaperInterval time.Duration
	// Порог неактивности сессии
	SessionTTL time.Duration

	// --- Кэш записей файлов ---

	CacheSize int
	CacheTTL  time.Duration

	// --- JWT (опционально; без JWKS URL аутентификация отключена) ---

	JWKSURL             string
	JWTIssuer           string
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	JWTLeeway           time.Duration

	// --- Dephealth ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// TM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("TM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("TM_PORT: %w", err)
	}

	// TM_LOG_LEVEL — уровень логирования (по умолчанию info)
	logLevel := getEnvDefault("TM_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("TM_LOG_LEVEL: %w", err)
	}

	// TM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("TM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("TM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// TM_PUBLIC_URL — внешний базовый URL (по умолчанию пустой: относительные URL)
	cfg.PublicURL = strings.TrimSuffix(getEnvDefault("TM_PUBLIC_URL", ""), "/")

	// --- Передача ---

	// TM_CHUNK_SIZE — размер чанка (по умолчанию 5 MiB)
	cfg.ChunkSize, err = getEnvInt64("TM_CHUNK_SIZE", model.DefaultChunkSize)
	if err != nil {
		return nil, fmt.Errorf("TM_CHUNK_SIZE: %w", err)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("TM_CHUNK_SIZE: значение должно быть > 0")
	}

	// TM_STREAM_THRESHOLD — порог streamed-режима (по умолчанию 50 MiB)
	cfg.StreamThreshold, err = getEnvInt64("TM_STREAM_THRESHOLD", model.DefaultStreamThreshold)
	if err != nil {
		return nil, fmt.Errorf("TM_STREAM_THRESHOLD: %w", err)
	}

	// TM_DIRECT_UPLOAD_LIMIT — лимит простой загрузки (по умолчанию 10 MiB)
	cfg.DirectUploadLimit, err = getEnvInt64("TM_DIRECT_UPLOAD_LIMIT", model.DefaultDirectUploadLimit)
	if err != nil {
		return nil, fmt.Errorf("TM_DIRECT_UPLOAD_LIMIT: %w", err)
	}

	// TM_STREAM_UNFINALIZED — отдача нефинализированных диапазонов (по умолчанию false)
	cfg.StreamUnfinalized, err = getEnvBool("TM_STREAM_UNFINALIZED", false)
	if err != nil {
		return nil, fmt.Errorf("TM_STREAM_UNFINALIZED: %w", err)
	}

	// --- Хранилище чанков ---

	// TM_STORAGE_BACKEND — fs или s3 (по умолчанию fs)
	cfg.StorageBackend = getEnvDefault("TM_STORAGE_BACKEND", StorageBackendFS)
	switch cfg.StorageBackend {
	case StorageBackendFS:
		// TM_DATA_DIR — директория данных (по умолчанию /data/transfer)
		cfg.DataDir = getEnvDefault("TM_DATA_DIR", "/data/transfer")
	case StorageBackendS3:
		cfg.S3Bucket, err = getEnvRequired("TM_S3_BUCKET")
		if err != nil {
			return nil, err
		}
		cfg.S3Endpoint = getEnvDefault("TM_S3_ENDPOINT", "")
		cfg.S3Region = getEnvDefault("TM_S3_REGION", "us-east-1")
		cfg.S3KeyPrefix = getEnvDefault("TM_S3_KEY_PREFIX", "")
		cfg.S3AccessKey = getEnvDefault("TM_S3_ACCESS_KEY", "")
		cfg.S3SecretKey = getEnvDefault("TM_S3_SECRET_KEY", "")
		// TM_S3_PRESIGN_TTL — время жизни presigned URL (по умолчанию 1h)
		cfg.S3PresignTTL, err = getEnvDuration("TM_S3_PRESIGN_TTL", time.Hour)
		if err != nil {
			return nil, fmt.Errorf("TM_S3_PRESIGN_TTL: %w", err)
		}
	default:
		return nil, fmt.Errorf("TM_STORAGE_BACKEND: недопустимый backend %q, допустимые: fs, s3", cfg.StorageBackend)
	}

	// --- PostgreSQL ---

	// TM_DB_HOST — хост PostgreSQL; пустой — in-memory репозиторий
	cfg.DBHost = getEnvDefault("TM_DB_HOST", "")
	if cfg.DBHost != "" {
		cfg.DBPort, err = getEnvInt("TM_DB_PORT", 5432)
		if err != nil {
			return nil, fmt.Errorf("TM_DB_PORT: %w", err)
		}
		cfg.DBName, err = getEnvRequired("TM_DB_NAME")
		if err != nil {
			return nil, err
		}
		cfg.DBUser, err = getEnvRequired("TM_DB_USER")
		if err != nil {
			return nil, err
		}
		cfg.DBPassword, err = getEnvRequired("TM_DB_PASSWORD")
		if err != nil {
			return nil, err
		}
		cfg.DBSSLMode = getEnvDefault("TM_DB_SSLMODE", "disable")
	}

	// --- Reaper ---

	// TM_REAPER_INTERVAL — период проходов (по умолчанию 1h)
	cfg.ReaperInterval, err = getEnvDuration("TM_REAPER_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("TM_REAPER_INTERVAL: %w", err)
	}

	// TM_SESSION_TTL — порог неактивности сессии (по умолчанию 24h)
	cfg.SessionTTL, err = getEnvDuration("TM_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("TM_SESSION_TTL: %w", err)
	}

	// --- Кэш ---

	// TM_CACHE_SIZE — размер LRU-кэша записей файлов (по умолчанию 1024)
	cfg.CacheSize, err = getEnvInt("TM_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("TM_CACHE_SIZE: %w", err)
	}

	// TM_CACHE_TTL — TTL записей кэша (по умолчанию 5m)
	cfg.CacheTTL, err = getEnvDuration("TM_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	// TM_JWKS_URL — JWKS endpoint IdP; пустой — аутентификация отключена
	cfg.JWKSURL = getEnvDefault("TM_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("TM_JWT_ISSUER", "")
	cfg.JWKSClientTimeout, err = getEnvDuration("TM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("TM_JWKS_REFRESH_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("TM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("TM_JWT_LEEWAY", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_JWT_LEEWAY: %w", err)
	}

	// --- Dephealth ---

	cfg.DephealthGroup = getEnvDefault("TM_DEPHEALTH_GROUP", "mediastore")
	cfg.DephealthCheckInterval, err = getEnvDuration("TM_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	// --- HTTP Server Timeouts ---

	// TM_HTTP_READ_TIMEOUT — таймаут чтения (по умолчанию 5m: загрузка чанков)
	cfg.HTTPReadTimeout, err = getEnvDuration("TM_HTTP_READ_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_HTTP_READ_TIMEOUT: %w", err)
	}

	// TM_HTTP_WRITE_TIMEOUT — таймаут записи (по умолчанию 30m: streaming больших файлов)
	cfg.HTTPWriteTimeout, err = getEnvDuration("TM_HTTP_WRITE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_HTTP_WRITE_TIMEOUT: %w", err)
	}

	// TM_HTTP_IDLE_TIMEOUT — таймаут простоя (по умолчанию 120s)
	cfg.HTTPIdleTimeout, err = getEnvDuration("TM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Graceful shutdown ---

	// TM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 30s)
	cfg.ShutdownTimeout, err = getEnvDuration("TM_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// UsePostgres возвращает true, когда настроено подключение к PostgreSQL.
func (c *Config) UsePostgres() bool {
	return c.DBHost != ""
}

// DatabaseDSN возвращает DSN подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64-значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
