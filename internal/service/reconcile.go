// reconcile.go — сверка объектного хранилища с индексом метаданных.
//
// Run выполняет два независимых прохода по bucket tenant:
//   - adopt: объекты без активной записи → запись с суррогатным хэшем (ETag),
//     uploader system-sync, состояние Success, через UpsertIncrement
//   - retire: активные Success-записи без объекта → soft delete;
//     Uploading и Failed пропускаются
//
// Ошибки по отдельным элементам не прерывают проход и попадают в отчёт.
// Сверки одного tenant/bucket в процессе сериализуются, разных — идут параллельно.
//
// Prometheus-метрики:
//   - dg_reconcile_runs_total — запуски сверки по режиму и результату
//   - dg_reconcile_items_total — обработанные элементы по проходу и действию
//   - dg_reconcile_duration_seconds — длительность сверки
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/bizerr"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/hasher"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/repository"
)

var (
	reconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dg_reconcile_runs_total",
		Help: "Количество запусков сверки",
	}, []string{"mode", "result"}) // result: success, partial, error

	reconcileItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dg_reconcile_items_total",
		Help: "Количество элементов, обработанных сверкой",
	}, []string{"pass", "action"})

	reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dg_reconcile_duration_seconds",
		Help:    "Длительность сверки bucket",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s … ~204s
	}, []string{"mode"})
)

// ReconcileTarget — tenant и bucket для периодической сверки.
type ReconcileTarget struct {
	Tenant string
	Bucket string
}

// ReconcileConfig — параметры сверки.
type ReconcileConfig struct {
	// PageSize — записей на страницу при чтении индекса
	PageSize int
	// Concurrency — параллельных проверок наличия объектов
	Concurrency int
	// Interval — период плановой сверки (0 — отключена)
	Interval time.Duration
	Targets  []ReconcileTarget
	// ProxyPath — внешний префикс URL принятых объектов
	ProxyPath string
}

// ReconcileService — сервис сверки хранилища и индекса.
type ReconcileService struct {
	index  repository.FileIndex
	runs   repository.ReconcileRunRepository
	router ShardRouter
	blobs  BlobStore
	cfg    ReconcileConfig
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	index repository.FileIndex,
	runs repository.ReconcileRunRepository,
	router ShardRouter,
	blobs BlobStore,
	cfg ReconcileConfig,
	logger *slog.Logger,
) *ReconcileService {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &ReconcileService{
		index:   index,
		runs:    runs,
		router:  router,
		blobs:   blobs,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "reconcile")),
		running: make(map[string]struct{}),
	}
}

// Start запускает плановую сверку целей из конфигурации.
// Без интервала или целей — no-op.
func (s *ReconcileService) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 || len(s.cfg.Targets) == 0 {
		s.logger.Info("Плановая сверка отключена")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Плановая сверка запущена",
			slog.String("interval", s.cfg.Interval.String()),
			slog.Int("targets", len(s.cfg.Targets)),
		)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Плановая сверка остановлена")
				return
			case <-ticker.C:
				s.runTargets(ctx)
			}
		}
	}()
}

// Stop останавливает плановую сверку и ждёт завершения.
func (s *ReconcileService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// runTargets сверяет все цели последовательно в режиме both.
func (s *ReconcileService) runTargets(ctx context.Context) {
	for _, t := range s.cfg.Targets {
		if ctx.Err() != nil {
			return
		}
		report, err := s.Run(ctx, t.Tenant, t.Bucket, model.ReconcileBoth)
		if err != nil {
			s.logger.Error("Ошибка плановой сверки",
				slog.String("tenant", t.Tenant),
				slog.String("bucket", t.Bucket),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("Плановая сверка bucket завершена",
			slog.String("tenant", t.Tenant),
			slog.String("bucket", t.Bucket),
			slog.Int("repaired", report.Repaired),
			slog.Int("failed", report.Failed),
		)
	}
}

// Run выполняет сверку bucket. Ошибка возвращается, только если проход
// невозможен целиком (bucket недоступен, индекс не читается).
func (s *ReconcileService) Run(ctx context.Context, tenant, bucket string, mode model.ReconcileMode) (*model.ReconcileReport, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: неизвестный режим сверки %q", ErrValidation, mode)
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket обязателен", ErrValidation)
	}
	shards, err := s.router.ShardsFor(tenant)
	if err != nil {
		return nil, err
	}

	release, ok := s.acquire(tenant, bucket)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrReconcileInProgress, tenant, bucket)
	}
	defer release()

	logger := s.logger.With(
		slog.String("tenant", tenant),
		slog.String("bucket", bucket),
		slog.String("mode", string(mode)),
	)
	report := &model.ReconcileReport{
		Tenant:    tenant,
		Bucket:    bucket,
		Mode:      mode,
		Details:   []model.ReconcileItem{},
		StartedAt: time.Now().UTC(),
	}

	result, err := s.run(ctx, report, shards, logger)
	report.CompletedAt = time.Now().UTC()
	reconcileDuration.WithLabelValues(string(mode)).Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	if err != nil {
		reconcileRunsTotal.WithLabelValues(string(mode), "error").Inc()
		logger.Error("Сверка прервана", slog.String("error", err.Error()))
		return nil, err
	}
	reconcileRunsTotal.WithLabelValues(string(mode), result).Inc()

	if err := s.runs.Save(ctx, &model.ReconcileRun{
		Tenant:      tenant,
		Bucket:      bucket,
		Mode:        mode,
		Total:       report.Total,
		Repaired:    report.Repaired,
		Skipped:     report.Skipped,
		Failed:      report.Failed,
		StartedAt:   report.StartedAt,
		CompletedAt: report.CompletedAt,
	}); err != nil {
		logger.Warn("Ошибка сохранения результата сверки", slog.String("error", err.Error()))
	}

	logger.Info("Сверка завершена",
		slog.Int("total", report.Total),
		slog.Int("repaired", report.Repaired),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.String("duration", fmt.Sprintf("%.2fs", report.CompletedAt.Sub(report.StartedAt).Seconds())),
	)
	return report, nil
}

func (s *ReconcileService) run(ctx context.Context, report *model.ReconcileReport, shards []string, logger *slog.Logger) (string, error) {
	exists, err := s.blobs.BucketExists(ctx, report.Bucket)
	if err != nil {
		return "", fmt.Errorf("проверка bucket: %w", err)
	}
	// Без bucket retire пометил бы удалёнными все записи.
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrBucketNotFound, report.Bucket)
	}

	for _, name := range shards {
		if err := s.router.EnsureShardExists(ctx, name); err != nil {
			return "", err
		}
	}

	mode := report.Mode
	if mode == model.ReconcileAdopt || mode == model.ReconcileBoth {
		pass, err := s.adopt(ctx, report, shards, logger)
		if err != nil {
			return "", fmt.Errorf("проход adopt: %w", err)
		}
		report.Adopt = pass
	}
	if mode == model.ReconcileRetire || mode == model.ReconcileBoth {
		pass, err := s.retire(ctx, report, shards, logger)
		if err != nil {
			return "", fmt.Errorf("проход retire: %w", err)
		}
		report.Retire = pass
	}

	report.Summarize()
	if report.Success() {
		return "success", nil
	}
	return "partial", nil
}

// acquire захватывает tenant/bucket на время сверки.
func (s *ReconcileService) acquire(tenant, bucket string) (func(), bool) {
	key := tenant + "/" + bucket
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[key]; busy {
		return nil, false
	}
	s.running[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}, true
}

// forEachActive обходит активные записи bucket во всех шардах постранично.
func (s *ReconcileService) forEachActive(ctx context.Context, shards []string, bucket string, fn func(shard string, rec *model.FileRecord) error) error {
	for _, name := range shards {
		afterID := ""
		for {
			page, err := s.index.ListActive(ctx, name, bucket, afterID, s.cfg.PageSize)
			if err != nil {
				return err
			}
			for _, rec := range page {
				if err := fn(name, rec); err != nil {
					return err
				}
			}
			if len(page) < s.cfg.PageSize {
				break
			}
			afterID = page[len(page)-1].ID
		}
	}
	return nil
}

// adopt — проход хранилище → индекс.
func (s *ReconcileService) adopt(ctx context.Context, report *model.ReconcileReport, shards []string, logger *slog.Logger) (*model.PassReport, error) {
	known := make(map[string]struct{})
	err := s.forEachActive(ctx, shards, report.Bucket, func(_ string, rec *model.FileRecord) error {
		known[rec.ObjectKey] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("чтение индекса: %w", err)
	}

	pass := &model.PassReport{}
	err = s.blobs.List(ctx, report.Bucket, "", func(obj model.ObjectInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pass.Total++
		if _, ok := known[obj.Key]; ok {
			return nil
		}

		action, msg := s.adoptObject(ctx, report.Tenant, report.Bucket, obj)
		switch action {
		case model.ActionAdopted:
			pass.Repaired++
			known[obj.Key] = struct{}{}
		case model.ActionSkipped:
			pass.Skipped++
		default:
			pass.Failed++
			logger.Warn("Ошибка принятия объекта",
				slog.String("key", obj.Key),
				slog.String("error", msg),
			)
		}
		report.Details = append(report.Details, model.ReconcileItem{
			Pass: model.ReconcileAdopt, Key: obj.Key, Action: action, Message: msg,
		})
		reconcileItemsTotal.WithLabelValues(string(model.ReconcileAdopt), action).Inc()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("листинг хранилища: %w", err)
	}
	return pass, nil
}

// adoptObject создаёт запись для объекта без записи.
// Суррогат хэша — ETag; если тот же ETag уже занят другим объектом
// (другой ключ или тот же ключ в другом bucket), к нему добавляется хэш bucket/ключа.
func (s *ReconcileService) adoptObject(ctx context.Context, tenant, bucket string, obj model.ObjectInfo) (string, string) {
	if obj.Checksum == "" {
		return model.ActionFailed, itemError("хранилище не вернуло ETag", nil)
	}

	surrogate := obj.Checksum
	shardName, err := s.router.RouteFor(tenant, routeKey(surrogate))
	if err != nil {
		return model.ActionFailed, itemError("маршрутизация", err)
	}
	existing, err := s.index.FindByHash(ctx, shardName, surrogate)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return model.ActionFailed, itemError("поиск по ETag", err)
	}
	if existing != nil && (existing.BucketName != bucket || existing.ObjectKey != obj.Key) {
		surrogate = obj.Checksum + "-" + hasher.HashBytes([]byte(bucket + "/" + obj.Key))[:16]
		if shardName, err = s.router.RouteFor(tenant, routeKey(surrogate)); err != nil {
			return model.ActionFailed, itemError("маршрутизация", err)
		}
	}
	if err := s.router.EnsureShardExists(ctx, shardName); err != nil {
		return model.ActionFailed, itemError("создание шарда", err)
	}

	uploader := model.SystemSyncUploader
	created := obj.LastModified
	if created.IsZero() {
		created = time.Now().UTC()
	}
	rec, inserted, err := s.index.UpsertIncrement(ctx, shardName, &model.FileRecord{
		ID:             uuid.NewString(),
		ContentHash:    surrogate,
		ObjectKey:      obj.Key,
		AccessURL:      joinURL(s.cfg.ProxyPath, bucket, obj.Key),
		BucketName:     bucket,
		ReferenceCount: 1,
		UploaderID:     &uploader,
		State:          model.StateSuccess,
		CreatedAt:      created,
		LastAccessedAt: time.Now().UTC(),
	})
	if err != nil {
		return model.ActionFailed, itemError("вставка записи", err)
	}
	if !inserted {
		return model.ActionSkipped, fmt.Sprintf("объект уже принят (file_id %s)", rec.ID)
	}
	return model.ActionAdopted, ""
}

// retire — проход индекс → хранилище.
func (s *ReconcileService) retire(ctx context.Context, report *model.ReconcileReport, shards []string, logger *slog.Logger) (*model.PassReport, error) {
	type candidate struct {
		shard string
		rec   *model.FileRecord
	}

	pass := &model.PassReport{}
	var candidates []candidate
	err := s.forEachActive(ctx, shards, report.Bucket, func(name string, rec *model.FileRecord) error {
		pass.Total++
		if rec.State != model.StateSuccess {
			pass.Skipped++
			report.Details = append(report.Details, model.ReconcileItem{
				Pass: model.ReconcileRetire, Key: rec.ObjectKey, Action: model.ActionSkipped,
				Message: "состояние " + rec.State.String(),
			})
			reconcileItemsTotal.WithLabelValues(string(model.ReconcileRetire), model.ActionSkipped).Inc()
			return nil
		}
		candidates = append(candidates, candidate{shard: name, rec: rec})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("чтение индекса: %w", err)
	}

	var mu sync.Mutex
	record := func(key, action, msg string) {
		mu.Lock()
		defer mu.Unlock()
		switch action {
		case model.ActionRetired:
			pass.Repaired++
		case model.ActionFailed:
			pass.Failed++
		}
		if action != "" {
			report.Details = append(report.Details, model.ReconcileItem{
				Pass: model.ReconcileRetire, Key: key, Action: action, Message: msg,
			})
			reconcileItemsTotal.WithLabelValues(string(model.ReconcileRetire), action).Inc()
		}
	}

	// Ошибки элементов не возвращаются в errgroup: проход не прерывается.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			exists, err := s.blobs.Exists(gctx, report.Bucket, c.rec.ObjectKey)
			if err != nil {
				msg := itemError("проверка наличия объекта", err)
				logger.Warn("Ошибка проверки объекта",
					slog.String("key", c.rec.ObjectKey),
					slog.String("error", msg),
				)
				record(c.rec.ObjectKey, model.ActionFailed, msg)
				return nil
			}
			if exists {
				return nil
			}
			if _, err := s.index.SoftDelete(gctx, c.shard, c.rec.ID); err != nil {
				record(c.rec.ObjectKey, model.ActionFailed, itemError("soft delete", err))
				return nil
			}
			record(c.rec.ObjectKey, model.ActionRetired, "объект отсутствует в хранилище")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pass, nil
}

// Status оценивает расхождение bucket и индекса без изменений.
func (s *ReconcileService) Status(ctx context.Context, tenant, bucket string) (*model.SyncStatus, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket обязателен", ErrValidation)
	}
	shards, err := s.router.ShardsFor(tenant)
	if err != nil {
		return nil, err
	}
	exists, err := s.blobs.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("проверка bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	status := &model.SyncStatus{Tenant: tenant, Bucket: bucket}
	err = s.blobs.List(ctx, bucket, "", func(model.ObjectInfo) error {
		status.ObjectCount++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("листинг хранилища: %w", err)
	}

	for _, name := range shards {
		if err := s.router.EnsureShardExists(ctx, name); err != nil {
			return nil, err
		}
		n, err := s.index.CountActive(ctx, name, bucket)
		if err != nil {
			return nil, fmt.Errorf("подсчёт записей: %w", err)
		}
		status.RecordCount += n
	}

	status.MissingRecordCount = max(0, status.ObjectCount-status.RecordCount)
	status.OrphanedRecordCount = max(0, status.RecordCount-status.ObjectCount)
	status.NeedSync = status.ObjectCount != status.RecordCount

	last, err := s.runs.Last(ctx, tenant, bucket)
	switch {
	case err == nil:
		status.LastRun = last
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("чтение последней сверки: %w", err)
	}
	return status, nil
}

// routeKey — ключ маршрутизации суррогата. В режиме hash шард выбирается
// по двум первым hex-символам; ETag не в hex маршрутизируется по своему SHA-256.
func routeKey(surrogate string) string {
	if len(surrogate) >= 2 && isHex(surrogate[0]) && isHex(surrogate[1]) {
		return strings.ToLower(surrogate)
	}
	return hasher.HashBytes([]byte(surrogate))
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// itemError — сообщение об ошибке элемента в терминах RECONCILIATION_ITEM_FAILED.
func itemError(op string, err error) string {
	return bizerr.Wrap(bizerr.CodeReconciliationItemFailed, op, err).Error()
}

// joinURL — {proxyPath}/{bucket}/{key} или {bucket}/{key} без прокси.
func joinURL(proxyPath, bucket, key string) string {
	if proxyPath == "" {
		return bucket + "/" + key
	}
	return proxyPath + "/" + bucket + "/" + key
}
