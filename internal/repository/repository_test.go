package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/config"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/database"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("gateway_test"),
		postgres.WithUsername("gateway"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("DG_DB_HOST", host)
	t.Setenv("DG_DB_PORT", port.Port())
	t.Setenv("DG_DB_NAME", "gateway_test")
	t.Setenv("DG_DB_USER", "gateway")
	t.Setenv("DG_DB_PASSWORD", "test-password")
	t.Setenv("DG_DB_SSL_MODE", "disable")
	t.Setenv("DG_S3_ENDPOINT", "http://localhost:9000")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newShard создаёт таблицу шарда для теста.
func newShard(t *testing.T, pool *pgxpool.Pool, name string) {
	t.Helper()
	if err := NewShardSchemaRepository(pool).EnsureTable(context.Background(), name); err != nil {
		t.Fatalf("EnsureTable(%s): %v", name, err)
	}
}

func newRecord(hash, key string, state model.UploadState) *model.FileRecord {
	now := time.Now().UTC()
	return &model.FileRecord{
		ID:             uuid.New().String(),
		ContentHash:    hash,
		ObjectKey:      key,
		AccessURL:      "files/" + key,
		BucketName:     "files",
		ReferenceCount: 1,
		State:          state,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

// --- ShardSchemaRepository ---

func TestEnsureTable_Idempotent(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewShardSchemaRepository(pool)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := repo.EnsureTable(ctx, "uploaded_files_acme"); err != nil {
			t.Fatalf("EnsureTable (попытка %d): %v", i+1, err)
		}
	}
}

func TestEnsureTable_Concurrent(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewShardSchemaRepository(pool)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.EnsureTable(ctx, "uploaded_files_race")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("параллельный EnsureTable: %v", err)
		}
	}
}

// --- FileIndex ---

func TestFileIndex_InsertAndFind(t *testing.T) {
	pool := setupTestDB(t)
	newShard(t, pool, "uploaded_files")
	idx := NewFileIndexRepository(pool)
	ctx := context.Background()

	hash := strings.Repeat("a", 64)
	rec := newRecord(hash, "images/a.png", model.StateUploading)
	if err := idx.Insert(ctx, "uploaded_files", rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := idx.FindByHash(ctx, "uploaded_files", hash)
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if got.ID != rec.ID || got.State != model.StateUploading || got.ReferenceCount != 1 {
		t.Errorf("запись = %+v", got)
	}

	byKey, err := idx.FindByKey(ctx, "uploaded_files", "files", "images/a.png")
	if err != nil {
		t.Fatalf("FindByKey: %v", err)
	}
	if byKey.ID != rec.ID {
		t.Errorf("FindByKey вернул %s, ожидается %s", byKey.ID, rec.ID)
	}

	// Вторая активная запись с тем же хэшем запрещена
	dup := newRecord(hash, "images/b.png", model.StateUploading)
	if err := idx.Insert(ctx, "uploaded_files", dup); !errors.Is(err, ErrDuplicateContent) {
		t.Errorf("ожидается ErrDuplicateContent, получено %v", err)
	}

	if _, err := idx.FindByHash(ctx, "uploaded_files", strings.Repeat("f", 64)); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидается ErrNotFound, получено %v", err)
	}
}

func TestFileIndex_StateTransitions(t *testing.T) {
	pool := setupTestDB(t)
	newShard(t, pool, "uploaded_files")
	idx := NewFileIndexRepository(pool)
	ctx := context.Background()

	rec := newRecord(strings.Repeat("b", 64), "docs/b.pdf", model.StateUploading)
	if err := idx.Insert(ctx, "uploaded_files", rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// IncrementReference работает только для Success
	if _, err := idx.IncrementReference(ctx, "uploaded_files", rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementReference для Uploading: ожидается ErrNotFound, получено %v", err)
	}

	ok, err := idx.TransitionState(ctx, "uploaded_files", rec.ID, model.StateUploading, model.StateSuccess)
	if err != nil || !ok {
		t.Fatalf("TransitionState Uploading→Success: ok=%v err=%v", ok, err)
	}
	// Повторный переход из неверного состояния — no-op
	ok, err = idx.TransitionState(ctx, "uploaded_files", rec.ID, model.StateUploading, model.StateFailed)
	if err != nil || ok {
		t.Errorf("TransitionState из устаревшего состояния: ok=%v err=%v", ok, err)
	}

	got, err := idx.IncrementReference(ctx, "uploaded_files", rec.ID)
	if err != nil {
		t.Fatalf("IncrementReference: %v", err)
	}
	if got.ReferenceCount != 2 {
		t.Errorf("reference_count = %d, ожидается 2", got.ReferenceCount)
	}

	// DeleteInState не трогает запись в другом состоянии
	deleted, err := idx.DeleteInState(ctx, "uploaded_files", rec.ID, model.StateFailed)
	if err != nil || deleted {
		t.Errorf("DeleteInState(Failed) для Success: deleted=%v err=%v", deleted, err)
	}
}

func TestFileIndex_UpsertIncrement(t *testing.T) {
	pool := setupTestDB(t)
	newShard(t, pool, "uploaded_files")
	idx := NewFileIndexRepository(pool)
	ctx := context.Background()

	hash := strings.Repeat("c", 64)
	first := newRecord(hash, "direct/c.bin", model.StateSuccess)
	got, inserted, err := idx.UpsertIncrement(ctx, "uploaded_files", first)
	if err != nil {
		t.Fatalf("UpsertIncrement: %v", err)
	}
	if !inserted || got.ReferenceCount != 1 {
		t.Errorf("первая регистрация: inserted=%v ref=%d", inserted, got.ReferenceCount)
	}

	second := newRecord(hash, "direct/other.bin", model.StateSuccess)
	got, inserted, err = idx.UpsertIncrement(ctx, "uploaded_files", second)
	if err != nil {
		t.Fatalf("UpsertIncrement (повтор): %v", err)
	}
	if inserted {
		t.Error("повторная регистрация не должна вставлять запись")
	}
	if got.ID != first.ID || got.ReferenceCount != 2 || got.ObjectKey != "direct/c.bin" {
		t.Errorf("повторная регистрация: %+v", got)
	}
}

func TestFileIndex_SoftDeleteFreesHash(t *testing.T) {
	pool := setupTestDB(t)
	newShard(t, pool, "uploaded_files")
	idx := NewFileIndexRepository(pool)
	ctx := context.Background()

	hash := strings.Repeat("d", 64)
	rec := newRecord(hash, "a/d", model.StateSuccess)
	if err := idx.Insert(ctx, "uploaded_files", rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ok, err := idx.SoftDelete(ctx, "uploaded_files", rec.ID)
	if err != nil || !ok {
		t.Fatalf("SoftDelete: ok=%v err=%v", ok, err)
	}
	if ok, _ := idx.SoftDelete(ctx, "uploaded_files", rec.ID); ok {
		t.Error("повторный SoftDelete должен быть no-op")
	}

	// Удалённая запись не мешает новой активной с тем же хэшем
	if err := idx.Insert(ctx, "uploaded_files", newRecord(hash, "a/d2", model.StateUploading)); err != nil {
		t.Errorf("Insert после soft delete: %v", err)
	}
}

func TestFileIndex_ListActivePaging(t *testing.T) {
	pool := setupTestDB(t)
	newShard(t, pool, "uploaded_files")
	idx := NewFileIndexRepository(pool)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		hash := strings.Repeat(string(rune('0'+i)), 64)
		if err := idx.Insert(ctx, "uploaded_files", newRecord(hash, "k/"+hash[:4], model.StateSuccess)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	var seen []string
	after := ""
	for {
		page, err := idx.ListActive(ctx, "uploaded_files", "files", after, 2)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			seen = append(seen, r.ID)
		}
		after = page[len(page)-1].ID
	}
	if len(seen) != 5 {
		t.Errorf("прочитано %d записей, ожидается 5", len(seen))
	}

	n, err := idx.CountActive(ctx, "uploaded_files", "files")
	if err != nil || n != 5 {
		t.Errorf("CountActive = %d (err=%v), ожидается 5", n, err)
	}
}

// --- ReconcileRunRepository ---

func TestReconcileRun_SaveAndLast(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReconcileRunRepository(pool)
	ctx := context.Background()

	if _, err := repo.Last(ctx, "", "files"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидается ErrNotFound до первой сверки, получено %v", err)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	for _, total := range []int{3, 7} {
		run := &model.ReconcileRun{
			Bucket: "files", Mode: model.ReconcileBoth,
			Total: total, Repaired: 1, Skipped: total - 1,
			StartedAt: start, CompletedAt: start.Add(time.Second),
		}
		if err := repo.Save(ctx, run); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	last, err := repo.Last(ctx, "", "files")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last.Total != 7 || last.Mode != model.ReconcileBoth {
		t.Errorf("последняя сверка = %+v, ожидается total=7", last)
	}
}

// --- без БД ---

func TestIndexName(t *testing.T) {
	short := indexName("uploaded_files", "file_hash")
	if short != `"ix_uploaded_files_file_hash"` {
		t.Errorf("indexName = %s", short)
	}

	a := indexName(strings.Repeat("t", 55)+"_tenant_a", "bucket_key")
	b := indexName(strings.Repeat("t", 55)+"_tenant_b", "bucket_key")
	if a == b {
		t.Error("длинные имена шардов не должны давать одинаковые индексы")
	}
	// кавычки не входят в предел длины идентификатора
	if l := len(strings.Trim(a, `"`)); l > maxIdentifierLen {
		t.Errorf("длина имени индекса %d > %d", l, maxIdentifierLen)
	}
}

func TestIsDuplicateObject(t *testing.T) {
	for _, code := range []string{"42P07", "42710", "23505"} {
		if !isDuplicateObject(&pgconn.PgError{Code: code}) {
			t.Errorf("код %s должен считаться гонкой DDL", code)
		}
	}
	if isDuplicateObject(&pgconn.PgError{Code: "42601"}) {
		t.Error("синтаксическая ошибка не гонка DDL")
	}
	if isDuplicateObject(errors.New("сбой")) {
		t.Error("обычная ошибка не гонка DDL")
	}
}
