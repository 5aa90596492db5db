package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/repository"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/shard"
)

// testLogger — логгер, отбрасывающий вывод.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- FileIndex в памяти ---

// memIndex — FileIndex в памяти с той же семантикой уникальности:
// одна активная запись на хэш в шарде.
type memIndex struct {
	mu     sync.Mutex
	shards map[string]map[string]*model.FileRecord
	// findErr — ошибка FindByHash (для проверки сбоев БД)
	findErr error
}

func newMemIndex() *memIndex {
	return &memIndex{shards: make(map[string]map[string]*model.FileRecord)}
}

func (m *memIndex) shard(name string) map[string]*model.FileRecord {
	s, ok := m.shards[name]
	if !ok {
		s = make(map[string]*model.FileRecord)
		m.shards[name] = s
	}
	return s
}

func (m *memIndex) activeByHash(shard, hash string) *model.FileRecord {
	for _, r := range m.shard(shard) {
		if r.ContentHash == hash && !r.Deleted {
			return r
		}
	}
	return nil
}

func clone(r *model.FileRecord) *model.FileRecord {
	c := *r
	return &c
}

func (m *memIndex) FindByHash(_ context.Context, shard, hash string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if r := m.activeByHash(shard, hash); r != nil {
		return clone(r), nil
	}
	return nil, repository.ErrNotFound
}

func (m *memIndex) FindByKey(_ context.Context, shard, bucket, key string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.shard(shard) {
		if r.BucketName == bucket && r.ObjectKey == key && !r.Deleted {
			return clone(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memIndex) Insert(_ context.Context, shard string, rec *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeByHash(shard, rec.ContentHash) != nil {
		return fmt.Errorf("%w: %s", repository.ErrDuplicateContent, rec.ContentHash)
	}
	m.shard(shard)[rec.ID] = clone(rec)
	return nil
}

func (m *memIndex) UpsertIncrement(_ context.Context, shard string, rec *model.FileRecord) (*model.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.activeByHash(shard, rec.ContentHash); r != nil {
		r.ReferenceCount++
		r.LastAccessedAt = time.Now().UTC()
		return clone(r), false, nil
	}
	m.shard(shard)[rec.ID] = clone(rec)
	return clone(rec), true, nil
}

func (m *memIndex) IncrementReference(_ context.Context, shard, id string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.shard(shard)[id]
	if !ok || r.Deleted || r.State != model.StateSuccess {
		return nil, repository.ErrNotFound
	}
	r.ReferenceCount++
	r.LastAccessedAt = time.Now().UTC()
	return clone(r), nil
}

func (m *memIndex) TransitionState(_ context.Context, shard, id string, from, to model.UploadState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.shard(shard)[id]
	if !ok || r.Deleted || r.State != from {
		return false, nil
	}
	r.State = to
	return true, nil
}

func (m *memIndex) DeleteInState(_ context.Context, shard, id string, state model.UploadState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.shard(shard)[id]
	if !ok || r.Deleted || r.State != state {
		return false, nil
	}
	delete(m.shard(shard), id)
	return true, nil
}

func (m *memIndex) SoftDelete(_ context.Context, shard, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.shard(shard)[id]
	if !ok || r.Deleted {
		return false, nil
	}
	r.Deleted = true
	return true, nil
}

func (m *memIndex) ListActive(_ context.Context, shard, bucket, afterID string, limit int) ([]*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.FileRecord
	for _, r := range m.shard(shard) {
		if r.BucketName == bucket && !r.Deleted && r.ID > afterID {
			all = append(all, clone(r))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *memIndex) CountActive(_ context.Context, shard, bucket string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.shard(shard) {
		if r.BucketName == bucket && !r.Deleted {
			n++
		}
	}
	return n, nil
}

// seed добавляет запись напрямую, минуя проверки.
func (m *memIndex) seed(shard string, rec *model.FileRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shard(shard)[rec.ID] = clone(rec)
}

// get возвращает копию записи по ID (включая удалённые).
func (m *memIndex) get(shard, id string) *model.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.shard(shard)[id]; ok {
		return clone(r)
	}
	return nil
}

// active возвращает копии активных записей шарда.
func (m *memIndex) active(shard string) []*model.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.FileRecord
	for _, r := range m.shard(shard) {
		if !r.Deleted {
			out = append(out, clone(r))
		}
	}
	return out
}

// --- BlobStore в памяти ---

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte // "bucket/key"
	etags   map[string]string
	buckets map[string]bool
	puts    int
	// putErr — ошибка всех записей
	putErr error
	// putDelay — задержка записи (для параллельных загрузок)
	putDelay time.Duration
	// blockPut — Put ждёт отмены контекста
	blockPut bool
	// failAfterWrite — Put сохраняет объект, но возвращает ошибку
	failAfterWrite error
	deletes        int
	// existsErr — ошибки Exists по ключу
	existsErr map[string]error
}

func newMemBlobs(buckets ...string) *memBlobs {
	b := &memBlobs{
		objects:   make(map[string][]byte),
		etags:     make(map[string]string),
		buckets:   make(map[string]bool),
		existsErr: make(map[string]error),
	}
	for _, name := range buckets {
		b.buckets[name] = true
	}
	return b
}

func (b *memBlobs) Put(ctx context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	b.mu.Lock()
	b.puts++
	putErr, delay, block := b.putErr, b.putDelay, b.blockPut
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if putErr != nil {
		return putErr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[bucket+"/"+key] = data
	b.etags[bucket+"/"+key] = fmt.Sprintf("%x", len(data)+1000)
	return b.failAfterWrite
}

func (b *memBlobs) Delete(_ context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	delete(b.objects, bucket+"/"+key)
	delete(b.etags, bucket+"/"+key)
	return nil
}

func (b *memBlobs) Exists(_ context.Context, bucket, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.existsErr[key]; err != nil {
		return false, err
	}
	_, ok := b.objects[bucket+"/"+key]
	return ok, nil
}

func (b *memBlobs) BucketExists(_ context.Context, bucket string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buckets[bucket], nil
}

func (b *memBlobs) List(_ context.Context, bucket, prefix string, fn func(model.ObjectInfo) error) error {
	b.mu.Lock()
	var infos []model.ObjectInfo
	for k, data := range b.objects {
		bk, key, _ := strings.Cut(k, "/")
		if bk != bucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, model.ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			LastModified: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
			Checksum:     b.etags[k],
		})
	}
	b.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (b *memBlobs) PresignPut(_ context.Context, bucket, key, _ string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("http://s3.local/%s/%s?X-Amz-Expires=%d", bucket, key, int(ttl.Seconds())), nil
}

// addObject кладёт объект «в обход» шлюза.
func (b *memBlobs) addObject(bucket, key, etag string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[bucket+"/"+key] = data
	b.etags[bucket+"/"+key] = etag
}

func (b *memBlobs) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func (b *memBlobs) object(bucket, key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[bucket+"/"+key]
	return data, ok
}

// --- ReconcileRunRepository в памяти ---

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*model.ReconcileRun
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[string]*model.ReconcileRun)}
}

func (m *memRuns) Save(_ context.Context, run *model.ReconcileRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *run
	m.runs[run.Tenant+"/"+run.Bucket] = &c
	return nil
}

func (m *memRuns) Last(_ context.Context, tenant, bucket string) (*model.ReconcileRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[tenant+"/"+bucket]; ok {
		c := *r
		return &c, nil
	}
	return nil, repository.ErrNotFound
}

// --- маршрутизатор ---

// noopSchema — DDL не выполняется: шарды memIndex создаются при первом обращении.
type noopSchema struct{}

func (noopSchema) EnsureTable(context.Context, string) error { return nil }

func newTestRouter(t *testing.T, mode string) *shard.Router {
	t.Helper()
	r, err := shard.NewRouter(shard.Config{
		Mode:      mode,
		BaseTable: "uploaded_files",
		CacheSize: 16,
		CacheTTL:  time.Minute,
	}, noopSchema{}, testLogger())
	if err != nil {
		t.Fatalf("shard.NewRouter: %v", err)
	}
	return r
}

var errBoom = errors.New("сбой")
