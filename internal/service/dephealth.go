// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Шлюз мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - S3-хранилище — HTTP checker к health endpoint (critical)
//   - Capability-сервис — HTTP checker к /health/ready (если настроен, non-critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для S3 и capability
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthDeps — зависимости для мониторинга.
type DephealthDeps struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (DG_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL — URL подключения к PostgreSQL (для лейблов, не для подключения)
	PGConnURL string
	// S3Endpoint — URL объектного хранилища
	S3Endpoint string
	// S3HealthPath — health endpoint хранилища (MinIO/RustFS: /minio/health/live)
	S3HealthPath string
	// CapabilityURL — URL capability-сервиса (пусто — не мониторится)
	CapabilityURL string
	// CheckInterval — интервал проверки (DG_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(deps DephealthDeps, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(deps, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(deps DephealthDeps, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(deps, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(deps DephealthDeps, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	s3Opts := []dephealth.DependencyOption{
		dephealth.FromURL(deps.S3Endpoint),
		dephealth.WithHTTPHealthPath(healthPath(deps.S3Endpoint, deps.S3HealthPath)),
		dephealth.CheckInterval(deps.CheckInterval),
		dephealth.Critical(true),
	}
	if isHTTPS(deps.S3Endpoint) {
		s3Opts = append(s3Opts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	opts := make([]dephealth.Option, 0, 4+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		// PostgreSQL — connection pool mode через существующий pgxpool.
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(deps.DB)),
			dephealth.FromURL(deps.PGConnURL),
			dephealth.CheckInterval(deps.CheckInterval),
			dephealth.Critical(true),
		),
		dephealth.HTTP("object-store", s3Opts...),
	)

	if deps.CapabilityURL != "" {
		capOpts := []dephealth.DependencyOption{
			dephealth.FromURL(deps.CapabilityURL),
			dephealth.WithHTTPHealthPath(healthPath(deps.CapabilityURL, "/health/ready")),
			dephealth.CheckInterval(deps.CheckInterval),
			// Без capability-сервиса загрузки отклоняются, но шлюз жив
			dephealth.Critical(false),
		}
		if isHTTPS(deps.CapabilityURL) {
			capOpts = append(capOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP("capability", capOpts...))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(deps.ServiceID, deps.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// healthPath — путь health-проверки: явно заданный, иначе путь из URL
// зависимости, иначе "/".
func healthPath(rawURL, configured string) string {
	if configured != "" {
		return "/" + strings.TrimLeft(configured, "/")
	}
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" && parsed.Path != "/" {
		return parsed.Path
	}
	return "/"
}

func isHTTPS(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	return err == nil && parsed.Scheme == "https"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + S3)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
