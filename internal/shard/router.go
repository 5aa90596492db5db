// Пакет shard — маршрутизация записей индекса по таблицам-шардам.
//
// Режимы (задаются один раз при старте, Config):
//   - single — все записи в базовой таблице (uploaded_files)
//   - tenant — таблица на tenant: uploaded_files_{tenant}
//   - hash   — 256 таблиц по первым двум hex-символам хэша: uploaded_files_{hh}
//
// Имя шарда никогда не строится из непроверенного ввода: tenant с символами
// вне [A-Za-z0-9_] отклоняется (не очищается), итоговое имя проверяется
// ValidateName перед любым DDL.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/bizerr"
)

// MaxNameLen — предел длины идентификатора PostgreSQL.
const MaxNameLen = 63

// Режимы шардирования.
const (
	ModeSingle = "single"
	ModeTenant = "tenant"
	ModeHash   = "hash"
)

// hashShardCount — число шардов в режиме hash (00..ff).
const hashShardCount = 256

var (
	nameRe   = regexp.MustCompile(`^[a-z0-9_]+$`)
	tenantRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Метрики DDL шардов.
var shardEnsureTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dg_shard_ensure_total",
		Help: "Проверки существования шардов: cached — из кэша, created — выполнен DDL, error — ошибка",
	},
	[]string{"result"},
)

// Config — конфигурация маршрутизации. Неизменяема после создания Router.
type Config struct {
	// Mode — single, tenant или hash
	Mode string
	// BaseTable — базовое имя таблицы (uploaded_files)
	BaseTable string
	// CacheSize и CacheTTL — кэш шардов, для которых DDL уже выполнен
	CacheSize int
	CacheTTL  time.Duration
}

// SchemaCreator выполняет идемпотентное создание таблицы шарда.
type SchemaCreator interface {
	EnsureTable(ctx context.Context, name string) error
}

// Router — маршрутизатор шардов.
type Router struct {
	cfg     Config
	schema  SchemaCreator
	ensured *expirable.LRU[string, struct{}]
	logger  *slog.Logger
}

// NewRouter создаёт маршрутизатор. Базовое имя таблицы проверяется сразу.
func NewRouter(cfg Config, schema SchemaCreator, logger *slog.Logger) (*Router, error) {
	switch cfg.Mode {
	case ModeSingle, ModeTenant, ModeHash:
	default:
		return nil, fmt.Errorf("неизвестный режим шардирования %q", cfg.Mode)
	}
	if err := ValidateName(cfg.BaseTable); err != nil {
		return nil, err
	}
	// Самое длинное имя в режиме hash — base_hh
	if cfg.Mode == ModeHash {
		if err := ValidateName(cfg.BaseTable + "_00"); err != nil {
			return nil, err
		}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}

	return &Router{
		cfg:     cfg,
		schema:  schema,
		ensured: expirable.NewLRU[string, struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:  logger.With(slog.String("component", "shard_router")),
	}, nil
}

// Mode возвращает режим шардирования.
func (r *Router) Mode() string {
	return r.cfg.Mode
}

// RouteFor возвращает имя шарда для tenant и хэша содержимого.
// Чистая функция конфигурации, без обращения к БД.
func (r *Router) RouteFor(tenant, hash string) (string, error) {
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}

	var name string
	switch r.cfg.Mode {
	case ModeTenant:
		if tenant == "" {
			name = r.cfg.BaseTable
		} else {
			name = r.cfg.BaseTable + "_" + strings.ToLower(tenant)
		}
	case ModeHash:
		if len(hash) < 2 {
			return "", bizerr.New(bizerr.CodeShardNameInvalid,
				fmt.Sprintf("хэш %q слишком короткий для маршрутизации", hash))
		}
		name = r.cfg.BaseTable + "_" + strings.ToLower(hash[:2])
	default:
		name = r.cfg.BaseTable
	}

	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ShardsFor возвращает все шарды, в которых могут лежать записи tenant.
// В режиме hash — все 256 таблиц.
func (r *Router) ShardsFor(tenant string) ([]string, error) {
	if r.cfg.Mode != ModeHash {
		name, err := r.RouteFor(tenant, "")
		if err != nil {
			return nil, err
		}
		return []string{name}, nil
	}

	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	names := make([]string, 0, hashShardCount)
	for i := 0; i < hashShardCount; i++ {
		names = append(names, fmt.Sprintf("%s_%02x", r.cfg.BaseTable, i))
	}
	return names, nil
}

// EnsureShardExists создаёт таблицу шарда, если её ещё нет.
// Параллельные вызовы из разных процессов безопасны: DDL идемпотентен
// (IF NOT EXISTS), мьютекс не используется.
func (r *Router) EnsureShardExists(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, ok := r.ensured.Get(name); ok {
		shardEnsureTotal.WithLabelValues("cached").Inc()
		return nil
	}

	if err := r.schema.EnsureTable(ctx, name); err != nil {
		shardEnsureTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("создание шарда %s: %w", name, err)
	}

	r.ensured.Add(name, struct{}{})
	shardEnsureTotal.WithLabelValues("created").Inc()
	r.logger.Debug("Шард готов", slog.String("shard", name))
	return nil
}

// ValidateName проверяет имя таблицы шарда: [a-z0-9_], не длиннее 63 символов.
// Имя не исправляется — недопустимое имя всегда ошибка.
func ValidateName(name string) error {
	if name == "" {
		return bizerr.New(bizerr.CodeShardNameInvalid, "пустое имя шарда")
	}
	if len(name) > MaxNameLen {
		return bizerr.New(bizerr.CodeShardNameInvalid,
			fmt.Sprintf("имя шарда длиннее %d символов: %q", MaxNameLen, name))
	}
	if !nameRe.MatchString(name) {
		return bizerr.New(bizerr.CodeShardNameInvalid,
			fmt.Sprintf("имя шарда %q содержит символы вне [a-z0-9_]", name))
	}
	return nil
}

// ValidateTenant проверяет имя tenant. Пустой tenant допустим (базовый шард).
func ValidateTenant(tenant string) error {
	if tenant == "" {
		return nil
	}
	if len(tenant) > MaxNameLen {
		return bizerr.New(bizerr.CodeShardNameInvalid,
			fmt.Sprintf("имя tenant длиннее %d символов", MaxNameLen))
	}
	if !tenantRe.MatchString(tenant) {
		return bizerr.New(bizerr.CodeShardNameInvalid,
			fmt.Sprintf("имя tenant %q содержит символы вне [A-Za-z0-9_]", tenant))
	}
	return nil
}
