// Пакет config — загрузка и валидация конфигурации dedup-gateway
// из переменных окружения (префикс DG_).
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Режимы шардирования индекса метаданных.
const (
	ShardModeSingle = "single"
	ShardModeTenant = "tenant"
	ShardModeHash   = "hash"
)

// ReconcileTarget — пара tenant/bucket для фоновой сверки.
type ReconcileTarget struct {
	Tenant string
	Bucket string
}

// Config содержит все параметры конфигурации dedup-gateway.
type Config struct {
	// --- Сервер ---
	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- PostgreSQL ---
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Максимум соединений в пуле (0 — значение pgxpool по умолчанию)
	DBMaxConns int32

	// --- S3 ---
	// Endpoint S3-совместимого хранилища (https://rustfs.kryukov.lan:9000)
	S3Endpoint string
	// Регион (по умолчанию us-east-1)
	S3Region string
	// Ключи доступа (пустые — цепочка credentials SDK по умолчанию)
	S3AccessKey string
	S3SecretKey string
	// Path-style адресация (true для MinIO/RustFS)
	S3UsePathStyle bool
	// Префикс proxy-URL для внешних ссылок на файлы (пусто — "{bucket}/{key}")
	S3ProxyPath string
	// Bucket по умолчанию, если клиент не указал свой
	S3DefaultBucket string
	// Время жизни pre-signed URL для прямой загрузки
	S3PresignTTL time.Duration
	// Путь health endpoint хранилища для dephealth
	S3HealthPath string
	// Попыток на запрос к хранилищу (включая первую)
	S3MaxAttempts int

	// --- Шардирование ---
	// Режим: single, tenant, hash
	ShardMode string
	// Базовое имя таблицы
	ShardBaseTable string
	// Размер и TTL кэша созданных шардов
	ShardCacheSize int
	ShardCacheTTL  time.Duration

	// --- Загрузка ---
	// Запись Uploading старше этого порога считается брошенной
	UploadStaleAfter time.Duration
	// Интервал опроса индекса при ожидании параллельной загрузки
	UploadPollInterval time.Duration
	// Максимальное время ожидания параллельной загрузки
	UploadWaitMax time.Duration
	// Максимальный размер файла в байтах
	UploadMaxSize int64

	// --- Сверка (reconciliation) ---
	// Интервал фоновой сверки (0 — отключена)
	ReconcileInterval time.Duration
	// Цели фоновой сверки
	ReconcileTargets []ReconcileTarget
	// Размер страницы при чтении индекса
	ReconcilePageSize int
	// Количество параллельных проверок существования объектов
	ReconcileConcurrency int

	// --- Capability validator ---
	// URL сервиса проверки capability-токенов (пусто — проверка отключена)
	CapabilityURL     string
	CapabilityTimeout time.Duration
	// Путь к CA-сертификату capability-сервиса (пусто — системный пул)
	CapabilityCACertPath string

	// --- Dephealth ---
	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
//
//nolint:funlen,gocyclo // линейный разбор переменных окружения
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---
	cfg.Port, err = getEnvInt("DG_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("DG_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("DG_PORT: порт %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DG_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("DG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DG_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---
	cfg.HTTPReadTimeout, err = getEnvDuration("DG_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DG_HTTP_READ_TIMEOUT: %w", err)
	}
	// Запись может ждать параллельную загрузку до DG_UPLOAD_WAIT_MAX
	cfg.HTTPWriteTimeout, err = getEnvDuration("DG_HTTP_WRITE_TIMEOUT", 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DG_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("DG_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DG_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---
	if cfg.DBHost, err = getEnvRequired("DG_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("DG_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DG_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("DG_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("DG_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("DG_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("DG_DB_SSL_MODE", "disable")
	switch cfg.DBSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("DG_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	maxConns, err := getEnvInt("DG_DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("DG_DB_MAX_CONNS: %w", err)
	}
	if maxConns < 0 {
		return nil, fmt.Errorf("DG_DB_MAX_CONNS: значение должно быть >= 0")
	}
	cfg.DBMaxConns = int32(maxConns)

	// --- S3 ---
	if cfg.S3Endpoint, err = getEnvRequired("DG_S3_ENDPOINT"); err != nil {
		return nil, err
	}
	if u, parseErr := url.Parse(cfg.S3Endpoint); parseErr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("DG_S3_ENDPOINT: некорректный URL %q", cfg.S3Endpoint)
	}
	cfg.S3Region = getEnvDefault("DG_S3_REGION", "us-east-1")
	cfg.S3AccessKey = os.Getenv("DG_S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("DG_S3_SECRET_KEY")
	if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("DG_S3_ACCESS_KEY и DG_S3_SECRET_KEY задаются только вместе")
	}
	cfg.S3UsePathStyle, err = getEnvBool("DG_S3_USE_PATH_STYLE", true)
	if err != nil {
		return nil, fmt.Errorf("DG_S3_USE_PATH_STYLE: %w", err)
	}
	cfg.S3ProxyPath = strings.TrimRight(os.Getenv("DG_S3_PROXY_PATH"), "/")
	cfg.S3DefaultBucket = getEnvDefault("DG_S3_DEFAULT_BUCKET", "files")
	cfg.S3PresignTTL, err = getEnvDuration("DG_S3_PRESIGN_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DG_S3_PRESIGN_TTL: %w", err)
	}
	cfg.S3HealthPath = getEnvDefault("DG_S3_HEALTH_PATH", "/minio/health/live")
	cfg.S3MaxAttempts, err = getEnvInt("DG_S3_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("DG_S3_MAX_ATTEMPTS: %w", err)
	}
	if cfg.S3MaxAttempts < 1 {
		return nil, fmt.Errorf("DG_S3_MAX_ATTEMPTS: должно быть не меньше 1, получено %d", cfg.S3MaxAttempts)
	}

	// --- Шардирование ---
	cfg.ShardMode = strings.ToLower(getEnvDefault("DG_SHARD_MODE", ShardModeSingle))
	switch cfg.ShardMode {
	case ShardModeSingle, ShardModeTenant, ShardModeHash:
	default:
		return nil, fmt.Errorf("DG_SHARD_MODE: недопустимый режим %q, допустимые: single, tenant, hash", cfg.ShardMode)
	}
	cfg.ShardBaseTable = getEnvDefault("DG_SHARD_BASE_TABLE", "uploaded_files")
	cfg.ShardCacheSize, err = getEnvInt("DG_SHARD_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("DG_SHARD_CACHE_SIZE: %w", err)
	}
	cfg.ShardCacheTTL, err = getEnvDuration("DG_SHARD_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DG_SHARD_CACHE_TTL: %w", err)
	}

	// --- Загрузка ---
	cfg.UploadStaleAfter, err = getEnvPositiveDuration("DG_UPLOAD_STALE_AFTER", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DG_UPLOAD_STALE_AFTER: %w", err)
	}
	cfg.UploadPollInterval, err = getEnvPositiveDuration("DG_UPLOAD_POLL_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("DG_UPLOAD_POLL_INTERVAL: %w", err)
	}
	cfg.UploadWaitMax, err = getEnvPositiveDuration("DG_UPLOAD_WAIT_MAX", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DG_UPLOAD_WAIT_MAX: %w", err)
	}
	if cfg.UploadPollInterval > cfg.UploadWaitMax {
		return nil, fmt.Errorf("DG_UPLOAD_POLL_INTERVAL (%s) больше DG_UPLOAD_WAIT_MAX (%s)",
			cfg.UploadPollInterval, cfg.UploadWaitMax)
	}
	maxSize, err := getEnvInt("DG_UPLOAD_MAX_SIZE", 100*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DG_UPLOAD_MAX_SIZE: %w", err)
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("DG_UPLOAD_MAX_SIZE: должен быть положительным, получено %d", maxSize)
	}
	cfg.UploadMaxSize = int64(maxSize)

	// --- Сверка ---
	cfg.ReconcileInterval, err = getEnvDuration("DG_RECONCILE_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("DG_RECONCILE_INTERVAL: %w", err)
	}
	cfg.ReconcileTargets, err = parseTargets(os.Getenv("DG_RECONCILE_TARGETS"))
	if err != nil {
		return nil, fmt.Errorf("DG_RECONCILE_TARGETS: %w", err)
	}
	cfg.ReconcilePageSize, err = getEnvInt("DG_RECONCILE_PAGE_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("DG_RECONCILE_PAGE_SIZE: %w", err)
	}
	if cfg.ReconcilePageSize < 1 {
		return nil, fmt.Errorf("DG_RECONCILE_PAGE_SIZE: значение должно быть > 0")
	}
	cfg.ReconcileConcurrency, err = getEnvInt("DG_RECONCILE_CONCURRENCY", 8)
	if err != nil {
		return nil, fmt.Errorf("DG_RECONCILE_CONCURRENCY: %w", err)
	}
	if cfg.ReconcileConcurrency < 1 {
		return nil, fmt.Errorf("DG_RECONCILE_CONCURRENCY: значение должно быть > 0")
	}

	// --- Capability validator ---
	cfg.CapabilityURL = strings.TrimRight(os.Getenv("DG_CAPABILITY_URL"), "/")
	cfg.CapabilityTimeout, err = getEnvDuration("DG_CAPABILITY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DG_CAPABILITY_TIMEOUT: %w", err)
	}
	cfg.CapabilityCACertPath = os.Getenv("DG_CAPABILITY_CA_CERT_PATH")

	// --- Dephealth ---
	cfg.DephealthGroup = getEnvDefault("DG_DEPHEALTH_GROUP", "artstore")
	cfg.DephealthCheckInterval, err = getEnvDuration("DG_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DG_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---
	cfg.ShutdownTimeout, err = getEnvDuration("DG_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DG_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения (для метрик dephealth и golang-migrate).
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
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

// getEnvPositiveDuration — как getEnvDuration, но значение должно быть > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
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

// parseCSV разбирает строку через запятую, отбрасывая пустые элементы.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseTargets разбирает список "tenant:bucket,tenant2:bucket2".
// Пустой tenant допустим (":photos") — базовый шард.
func parseTargets(s string) ([]ReconcileTarget, error) {
	items := parseCSV(s)
	if len(items) == 0 {
		return nil, nil
	}
	targets := make([]ReconcileTarget, 0, len(items))
	for _, item := range items {
		tenant, bucket, ok := strings.Cut(item, ":")
		bucket = strings.TrimSpace(bucket)
		if !ok || bucket == "" {
			return nil, fmt.Errorf("некорректная цель %q (ожидается tenant:bucket)", item)
		}
		targets = append(targets, ReconcileTarget{
			Tenant: strings.TrimSpace(tenant),
			Bucket: bucket,
		})
	}
	return targets, nil
}
