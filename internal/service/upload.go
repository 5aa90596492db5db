// upload.go — координатор загрузок с дедупликацией по содержимому.
//
// Submit выполняет полный цикл загрузки:
//  1. Хэширование содержимого (SHA-256)
//  2. Маршрутизация в шард и FindByHash
//  3. Success — dedup hit, увеличение счётчика ссылок
//  4. Failed или устаревшая Uploading — условное удаление и повтор
//  5. Свежая Uploading — ожидание соседа (уведомление в процессе + опрос БД)
//  6. Нет записи — Insert(Uploading) → Put → TransitionState(Success|Failed)
//
// RegisterDirect регистрирует объект, уже записанный клиентом напрямую
// (pre-signed URL), одним атомарным UpsertIncrement.
//
// Prometheus-метрики:
//   - dg_upload_total — загрузки по исходу
//   - dg_blob_put_duration_seconds — длительность записи в хранилище
//   - dg_upload_wait_duration_seconds — длительность ожидания соседа
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/bizerr"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/hasher"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/repository"
)

// Исходы загрузки для метрики dg_upload_total.
const (
	outcomeFresh    = "fresh"
	outcomeDedup    = "dedup"
	outcomeDirect   = "direct"
	outcomeTimeout  = "timeout"
	outcomeFailed   = "failed"
	outcomeEmpty    = "empty"
	outcomeCanceled = "canceled"
	outcomeError    = "error"
)

var (
	uploadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dg_upload_total",
		Help: "Количество загрузок по исходу",
	}, []string{"outcome"})

	blobPutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dg_blob_put_duration_seconds",
		Help:    "Длительность записи объекта в хранилище",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms … ~20s
	})

	uploadWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dg_upload_wait_duration_seconds",
		Help:    "Длительность ожидания параллельной загрузки того же содержимого",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})
)

// finalizeTimeout — лимит на финальную смену состояния после записи,
// выполняемую даже при отменённом контексте запроса.
const finalizeTimeout = 5 * time.Second

// defaultMaxAttempts — число перезапусков цикла координации.
const defaultMaxAttempts = 8

// BlobStore — объектное хранилище. Реализуется blobstore.S3Store.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	List(ctx context.Context, bucket, prefix string, fn func(model.ObjectInfo) error) error
	Delete(ctx context.Context, bucket, key string) error
	PresignPut(ctx context.Context, bucket, key, contentType string, ttl time.Duration) (string, error)
}

// ShardRouter — маршрутизация в шарды индекса. Реализуется shard.Router.
type ShardRouter interface {
	RouteFor(tenant, hash string) (string, error)
	ShardsFor(tenant string) ([]string, error)
	EnsureShardExists(ctx context.Context, name string) error
}

// UploadConfig — параметры координатора.
type UploadConfig struct {
	// StaleAfter — возраст Uploading-записи, после которого она считается брошенной
	StaleAfter time.Duration
	// PollInterval — период опроса БД при ожидании соседа
	PollInterval time.Duration
	// WaitMax — предельное время ожидания соседа
	WaitMax time.Duration
	// ProxyPath — внешний префикс URL доступа (пусто — URL без префикса)
	ProxyPath string
	// DefaultBucket — bucket, если запрос его не указал
	DefaultBucket string
	// PresignTTL — срок действия pre-signed URL
	PresignTTL time.Duration
	// MaxAttempts — перезапусков цикла координации (0 — 8)
	MaxAttempts int
}

// SubmitRequest — загрузка содержимого через шлюз.
type SubmitRequest struct {
	Tenant string
	Bucket string
	// Body — содержимое; io.ReadSeeker используется без буферизации
	Body        io.Reader
	ContentType string
	// Filename — исходное имя файла (только для расширения ключа)
	Filename   string
	FolderHint string
	UploaderID string
}

// UploadResult — результат загрузки. Dedup hit неотличим от свежей записи,
// кроме признака Deduplicated.
type UploadResult struct {
	URL            string `json:"url"`
	Key            string `json:"key"`
	Hash           string `json:"hash"`
	FileID         string `json:"file_id"`
	ReferenceCount int    `json:"reference_count"`
	Deduplicated   bool   `json:"deduplicated"`
}

// DirectRequest — регистрация объекта, записанного клиентом напрямую.
type DirectRequest struct {
	Tenant      string `json:"tenant"`
	Bucket      string `json:"bucket"`
	Hash        string `json:"hash"`
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	UploaderID  string `json:"uploader_id"`
}

// DirectResult — результат прямой регистрации.
type DirectResult struct {
	FileID         string `json:"file_id"`
	URL            string `json:"url"`
	Key            string `json:"key"`
	ReferenceCount int    `json:"reference_count"`
	// Created — false, если содержимое уже было в индексе (счётчик увеличен)
	Created bool `json:"created"`
}

// PrepareRequest — подготовка прямой загрузки через pre-signed URL.
type PrepareRequest struct {
	Tenant      string `json:"tenant"`
	Bucket      string `json:"bucket"`
	Hash        string `json:"hash"`
	Filename    string `json:"filename"`
	Folder      string `json:"folder"`
	ContentType string `json:"content_type"`
	UploaderID  string `json:"uploader_id"`
}

// PrepareResult — результат подготовки. NeedUpload = false — содержимое
// уже есть, ссылка учтена, загружать не нужно.
type PrepareResult struct {
	NeedUpload     bool       `json:"need_upload"`
	URL            string     `json:"url"`
	Key            string     `json:"key"`
	FileID         string     `json:"file_id,omitempty"`
	ReferenceCount int        `json:"reference_count,omitempty"`
	UploadURL      string     `json:"upload_url,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// UploadService — координатор загрузок.
type UploadService struct {
	index  repository.FileIndex
	router ShardRouter
	blobs  BlobStore
	hub    *waitHub
	cfg    UploadConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewUploadService создаёт координатор загрузок.
func NewUploadService(
	index repository.FileIndex,
	router ShardRouter,
	blobs BlobStore,
	cfg UploadConfig,
	logger *slog.Logger,
) *UploadService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	cfg.ProxyPath = strings.TrimRight(cfg.ProxyPath, "/")
	return &UploadService{
		index:  index,
		router: router,
		blobs:  blobs,
		hub:    newWaitHub(),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "upload")),
	}
}

// Submit загружает содержимое с дедупликацией.
// Пустое содержимое отклоняется до хэширования (EMPTY_INPUT).
func (s *UploadService) Submit(ctx context.Context, req SubmitRequest) (*UploadResult, error) {
	body, size, err := bufferBody(req.Body)
	if err != nil {
		uploadTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("чтение содержимого: %w", err)
	}
	if size == 0 {
		uploadTotal.WithLabelValues(outcomeEmpty).Inc()
		return nil, bizerr.New(bizerr.CodeEmptyInput, "пустое содержимое")
	}

	bucket := s.bucketOrDefault(req.Bucket)
	folder, err := resolveFolder(req.FolderHint, req.ContentType)
	if err != nil {
		return nil, err
	}

	hash, err := hasher.Hash(body)
	if err != nil {
		uploadTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("хэширование содержимого: %w", err)
	}

	shardName, err := s.router.RouteFor(req.Tenant, hash)
	if err != nil {
		return nil, err
	}
	if err := s.router.EnsureShardExists(ctx, shardName); err != nil {
		return nil, err
	}

	u := &upload{
		req:    req,
		body:   body,
		size:   size,
		hash:   hash,
		shard:  shardName,
		bucket: bucket,
		folder: folder,
		logger: s.logger.With(
			slog.String("shard", shardName),
			slog.String("hash", hash),
		),
	}

	result, err := s.coordinate(ctx, u)
	switch {
	case err == nil && result.Deduplicated:
		uploadTotal.WithLabelValues(outcomeDedup).Inc()
	case err == nil:
		uploadTotal.WithLabelValues(outcomeFresh).Inc()
	case ctx.Err() != nil:
		uploadTotal.WithLabelValues(outcomeCanceled).Inc()
	case errors.Is(err, bizerr.ErrUploadInProgressTimeout):
		uploadTotal.WithLabelValues(outcomeTimeout).Inc()
	case errors.Is(err, bizerr.ErrBlobStoreWriteFailed):
		uploadTotal.WithLabelValues(outcomeFailed).Inc()
	default:
		uploadTotal.WithLabelValues(outcomeError).Inc()
	}
	return result, err
}

// upload — состояние одной загрузки внутри цикла координации.
type upload struct {
	req    SubmitRequest
	body   io.ReadSeeker
	size   int64
	hash   string
	shard  string
	bucket string
	folder string
	// waitUntil — общий срок ожидания соседей на все перезапуски цикла
	waitUntil time.Time
	logger    *slog.Logger
}

// coordinate — цикл координации. Каждая итерация начинается с FindByHash;
// гонки и очистка брошенных записей приводят к следующей итерации.
func (s *UploadService) coordinate(ctx context.Context, u *upload) (*UploadResult, error) {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := s.index.FindByHash(ctx, u.shard, u.hash)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("поиск по хэшу: %w", err)
		}

		if rec == nil {
			result, restart, err := s.freshWrite(ctx, u)
			if restart {
				continue
			}
			return result, err
		}

		switch rec.State {
		case model.StateSuccess:
			result, err := s.dedupHit(ctx, u, rec)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return result, err

		case model.StateFailed:
			if _, err := s.index.DeleteInState(ctx, u.shard, rec.ID, model.StateFailed); err != nil {
				return nil, fmt.Errorf("удаление Failed-записи: %w", err)
			}
			u.logger.Debug("Failed-запись удалена, повтор", slog.String("file_id", rec.ID))
			continue

		default:
			if age := rec.Age(s.now()); age > s.cfg.StaleAfter {
				deleted, err := s.index.DeleteInState(ctx, u.shard, rec.ID, model.StateUploading)
				if err != nil {
					return nil, fmt.Errorf("удаление брошенной записи: %w", err)
				}
				if deleted {
					u.logger.Warn("Брошенная Uploading-запись удалена",
						slog.String("file_id", rec.ID),
						slog.String("age", age.String()),
					)
				}
				continue
			}

			resolved, err := s.waitForPeer(ctx, u, rec)
			if err != nil {
				return nil, err
			}
			if resolved == nil || resolved.State != model.StateSuccess {
				continue
			}
			result, err := s.dedupHit(ctx, u, resolved)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return result, err
		}
	}

	u.logger.Warn("Исчерпаны попытки координации загрузки",
		slog.Int("attempts", s.cfg.MaxAttempts),
	)
	return nil, bizerr.New(bizerr.CodeUploadInProgressTimeout,
		"не удалось дождаться завершения параллельной загрузки")
}

// dedupHit увеличивает счётчик ссылок Success-записи.
// ErrNotFound — запись удалена между чтением и обновлением.
func (s *UploadService) dedupHit(ctx context.Context, u *upload, rec *model.FileRecord) (*UploadResult, error) {
	updated, err := s.index.IncrementReference(ctx, u.shard, rec.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("увеличение счётчика ссылок: %w", err)
	}

	u.logger.Debug("Dedup hit",
		slog.String("file_id", updated.ID),
		slog.Int("reference_count", updated.ReferenceCount),
	)
	return &UploadResult{
		URL:            updated.AccessURL,
		Key:            updated.ObjectKey,
		Hash:           updated.ContentHash,
		FileID:         updated.ID,
		ReferenceCount: updated.ReferenceCount,
		Deduplicated:   true,
	}, nil
}

// freshWrite создаёт Uploading-запись и записывает объект.
// restart = true — проигрыш гонки на Insert, нужна новая итерация.
func (s *UploadService) freshWrite(ctx context.Context, u *upload) (*UploadResult, bool, error) {
	now := s.now()
	key := objectKey(u.folder, u.hash, u.req.Filename)
	rec := &model.FileRecord{
		ID:             uuid.NewString(),
		ContentHash:    u.hash,
		ObjectKey:      key,
		AccessURL:      s.accessURL(u.bucket, key),
		BucketName:     u.bucket,
		ReferenceCount: 1,
		UploaderID:     optional(u.req.UploaderID),
		State:          model.StateUploading,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if err := s.index.Insert(ctx, u.shard, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateContent) {
			u.logger.Debug("Гонка на вставке записи, повтор",
				slog.String("error", bizerr.Wrap(bizerr.CodeDuplicateContentRace, "параллельная вставка", err).Error()),
			)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("создание Uploading-записи: %w", err)
	}

	hk := hubKey(u.shard, u.hash, rec.ID)
	s.hub.begin(hk)
	defer s.hub.finish(hk)

	putErr := s.put(ctx, u, key)

	// Итог записи фиксируется даже при отменённом запросе:
	// иначе запись останется в Uploading до истечения StaleAfter.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if putErr != nil {
		s.discardPartial(fctx, u, rec.ID, key)
		if _, err := s.index.TransitionState(fctx, u.shard, rec.ID, model.StateUploading, model.StateFailed); err != nil {
			u.logger.Error("Не удалось пометить запись как Failed",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		u.logger.Warn("Ошибка записи в хранилище",
			slog.String("bucket", u.bucket),
			slog.String("key", key),
			slog.String("error", putErr.Error()),
		)
		return nil, false, bizerr.Wrap(bizerr.CodeBlobStoreWriteFailed,
			fmt.Sprintf("запись %s/%s", u.bucket, key), putErr)
	}

	ok, err := s.index.TransitionState(fctx, u.shard, rec.ID, model.StateUploading, model.StateSuccess)
	if err != nil {
		return nil, false, fmt.Errorf("фиксация Success: %w", err)
	}
	if !ok {
		// Запись удалена как брошенная, пока шла запись объекта.
		// Объект записан, URL рабочий; индекс восстановит сверка.
		u.logger.Warn("Запись изменена во время загрузки, Success не зафиксирован",
			slog.String("file_id", rec.ID),
			slog.String("key", key),
		)
	}

	u.logger.Info("Содержимое загружено",
		slog.String("file_id", rec.ID),
		slog.String("bucket", u.bucket),
		slog.String("key", key),
		slog.Int64("size", u.size),
	)
	return &UploadResult{
		URL:            rec.AccessURL,
		Key:            key,
		Hash:           u.hash,
		FileID:         rec.ID,
		ReferenceCount: 1,
	}, false, nil
}

// discardPartial удаляет объект прерванной записи, только пока своя запись
// индекса ещё в Uploading: после очистки брошенной записи ключ может занять другой писатель.
func (s *UploadService) discardPartial(ctx context.Context, u *upload, id, key string) {
	cur, err := s.index.FindByHash(ctx, u.shard, u.hash)
	if err != nil || cur.ID != id || cur.State != model.StateUploading {
		return
	}
	if err := s.blobs.Delete(ctx, u.bucket, key); err != nil {
		u.logger.Warn("Не удалось удалить объект прерванной записи",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// put записывает содержимое с начала потока.
func (s *UploadService) put(ctx context.Context, u *upload, key string) error {
	if _, err := u.body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("перемотка содержимого: %w", err)
	}
	start := time.Now()
	err := s.blobs.Put(ctx, u.bucket, key, u.body, u.size, u.req.ContentType)
	blobPutDuration.Observe(time.Since(start).Seconds())
	return err
}

// waitForPeer ждёт, пока параллельная загрузка выйдет из Uploading.
// Возвращает запись в новом состоянии или nil, если запись исчезла
// (или заменена другой). Опрашиваемую запись не изменяет; транзакций не держит.
func (s *UploadService) waitForPeer(ctx context.Context, u *upload, rec *model.FileRecord) (*model.FileRecord, error) {
	start := time.Now()
	defer func() {
		uploadWaitDuration.Observe(time.Since(start).Seconds())
	}()

	notify := s.hub.watch(hubKey(u.shard, u.hash, rec.ID))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	if u.waitUntil.IsZero() {
		u.waitUntil = time.Now().Add(s.cfg.WaitMax)
	}
	deadline := time.NewTimer(time.Until(u.waitUntil))
	defer deadline.Stop()

	u.logger.Debug("Ожидание параллельной загрузки", slog.String("file_id", rec.ID))

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, bizerr.New(bizerr.CodeUploadInProgressTimeout,
				fmt.Sprintf("параллельная загрузка не завершилась за %s", s.cfg.WaitMax))
		case <-notify:
			notify = nil
		case <-ticker.C:
		}

		cur, err := s.index.FindByHash(ctx, u.shard, u.hash)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("опрос состояния загрузки: %w", err)
		}
		if cur.ID != rec.ID {
			return nil, nil
		}
		if cur.State != model.StateUploading {
			return cur, nil
		}
	}
}

// RegisterDirect регистрирует объект, уже записанный клиентом в хранилище.
// Повторная регистрация того же хэша увеличивает счётчик ссылок.
func (s *UploadService) RegisterDirect(ctx context.Context, req DirectRequest) (*DirectResult, error) {
	if !hasher.Valid(req.Hash) {
		return nil, bizerr.New(bizerr.CodeInvalidArgument, "hash должен быть SHA-256 (64 hex-символа в нижнем регистре)")
	}
	key := strings.TrimPrefix(req.Key, "/")
	if key == "" {
		return nil, bizerr.New(bizerr.CodeInvalidArgument, "key обязателен")
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	bucket := s.bucketOrDefault(req.Bucket)
	shardName, err := s.router.RouteFor(req.Tenant, req.Hash)
	if err != nil {
		return nil, err
	}
	if err := s.router.EnsureShardExists(ctx, shardName); err != nil {
		return nil, err
	}

	url := req.URL
	if url == "" {
		url = s.accessURL(bucket, key)
	}
	now := s.now()
	rec, created, err := s.index.UpsertIncrement(ctx, shardName, &model.FileRecord{
		ID:             uuid.NewString(),
		ContentHash:    req.Hash,
		ObjectKey:      key,
		AccessURL:      url,
		BucketName:     bucket,
		ReferenceCount: 1,
		UploaderID:     optional(req.UploaderID),
		State:          model.StateSuccess,
		CreatedAt:      now,
		LastAccessedAt: now,
	})
	if err != nil {
		uploadTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("регистрация прямой загрузки: %w", err)
	}
	uploadTotal.WithLabelValues(outcomeDirect).Inc()

	s.logger.Info("Прямая загрузка зарегистрирована",
		slog.String("shard", shardName),
		slog.String("file_id", rec.ID),
		slog.String("key", rec.ObjectKey),
		slog.Bool("created", created),
		slog.Int("reference_count", rec.ReferenceCount),
	)
	return &DirectResult{
		FileID:         rec.ID,
		URL:            rec.AccessURL,
		Key:            rec.ObjectKey,
		ReferenceCount: rec.ReferenceCount,
		Created:        created,
	}, nil
}

// PrepareDirect проверяет дубликат по хэшу (если он передан) и выдаёт
// pre-signed URL для прямой загрузки. При dedup hit URL не выдаётся,
// счётчик ссылок увеличивается сразу.
func (s *UploadService) PrepareDirect(ctx context.Context, req PrepareRequest) (*PrepareResult, error) {
	if req.Hash != "" && !hasher.Valid(req.Hash) {
		return nil, bizerr.New(bizerr.CodeInvalidArgument, "hash должен быть SHA-256 (64 hex-символа в нижнем регистре)")
	}
	if err := validateTenant(s.router, req.Tenant); err != nil {
		return nil, err
	}
	bucket := s.bucketOrDefault(req.Bucket)
	folder, err := resolveFolder(req.Folder, req.ContentType)
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

	if req.Hash != "" {
		shardName, err := s.router.RouteFor(req.Tenant, req.Hash)
		if err != nil {
			return nil, err
		}
		if err := s.router.EnsureShardExists(ctx, shardName); err != nil {
			return nil, err
		}
		rec, err := s.index.FindByHash(ctx, shardName, req.Hash)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("поиск по хэшу: %w", err)
		}
		if rec != nil && rec.State == model.StateSuccess {
			updated, err := s.index.IncrementReference(ctx, shardName, rec.ID)
			switch {
			case err == nil:
				uploadTotal.WithLabelValues(outcomeDedup).Inc()
				return &PrepareResult{
					NeedUpload:     false,
					URL:            updated.AccessURL,
					Key:            updated.ObjectKey,
					FileID:         updated.ID,
					ReferenceCount: updated.ReferenceCount,
				}, nil
			case !errors.Is(err, repository.ErrNotFound):
				return nil, fmt.Errorf("увеличение счётчика ссылок: %w", err)
			}
		}
	}

	key := joinKey(folder, uuid.NewString()+extension(req.Filename))
	uploadURL, err := s.blobs.PresignPut(ctx, bucket, key, req.ContentType, s.cfg.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("подпись URL загрузки: %w", err)
	}
	expiresAt := s.now().Add(s.cfg.PresignTTL)
	return &PrepareResult{
		NeedUpload: true,
		URL:        s.accessURL(bucket, key),
		Key:        key,
		UploadURL:  uploadURL,
		ExpiresAt:  &expiresAt,
	}, nil
}

func (s *UploadService) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return s.cfg.DefaultBucket
	}
	return bucket
}

// accessURL — {proxyPath}/{bucket}/{key} или {bucket}/{key} без прокси.
func (s *UploadService) accessURL(bucket, key string) string {
	return joinURL(s.cfg.ProxyPath, bucket, key)
}

// validateTenant проверяет tenant через маршрутизацию без хэша.
func validateTenant(router ShardRouter, tenant string) error {
	_, err := router.ShardsFor(tenant)
	return err
}

// bufferBody возвращает содержимое как io.ReadSeeker и его размер.
// Не-seekable поток читается в память целиком.
func bufferBody(body io.Reader) (io.ReadSeeker, int64, error) {
	if body == nil {
		return bytes.NewReader(nil), 0, nil
	}
	if rs, ok := body.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, err
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, 0, err
		}
		return rs, size, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

// objectKey — {folder}/{hash[:16]}_{uuid без дефисов}{ext}.
func objectKey(folder, hash, filename string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return joinKey(folder, hash[:16]+"_"+id+extension(filename))
}

func joinKey(folder, name string) string {
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

// extension — расширение имени файла в нижнем регистре; только [a-z0-9], не длиннее 10.
func extension(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) < 2 || len(ext) > 11 {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}

// resolveFolder — папка из подсказки клиента, иначе по типу содержимого.
func resolveFolder(hint, contentType string) (string, error) {
	hint = strings.Trim(hint, "/")
	if hint != "" {
		if err := validateKey(hint); err != nil {
			return "", err
		}
		return hint, nil
	}
	return folderFor(contentType), nil
}

// folderFor — папка по MIME-типу.
func folderFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "images"
	case strings.HasPrefix(ct, "video/"):
		return "videos"
	case strings.HasPrefix(ct, "audio/"):
		return "audios"
	case strings.HasPrefix(ct, "text/"),
		ct == "application/pdf",
		ct == "application/msword",
		ct == "application/rtf",
		strings.HasPrefix(ct, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(ct, "application/vnd.ms-"),
		strings.HasPrefix(ct, "application/vnd.oasis.opendocument."):
		return "documents"
	case ct == "application/zip",
		ct == "application/gzip",
		ct == "application/x-tar",
		ct == "application/x-7z-compressed",
		ct == "application/x-rar-compressed",
		ct == "application/vnd.rar",
		ct == "application/x-bzip2":
		return "archives"
	}
	return ""
}

// validateKey отклоняет ключи с пустыми сегментами и переходами "..".
func validateKey(key string) error {
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return bizerr.New(bizerr.CodeInvalidArgument,
				fmt.Sprintf("недопустимый путь объекта %q", key))
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
