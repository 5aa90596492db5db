package shard

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/bizerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSchema запоминает выполненные DDL.
type fakeSchema struct {
	mu      sync.Mutex
	created map[string]int
	err     error
}

func newFakeSchema() *fakeSchema {
	return &fakeSchema{created: make(map[string]int)}
}

func (f *fakeSchema) EnsureTable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created[name]++
	return nil
}

func (f *fakeSchema) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[name]
}

func newRouter(t *testing.T, mode string, schema SchemaCreator) *Router {
	t.Helper()
	r, err := NewRouter(Config{Mode: mode, BaseTable: "uploaded_files", CacheSize: 16, CacheTTL: time.Minute}, schema, testLogger())
	if err != nil {
		t.Fatalf("NewRouter() ошибка: %v", err)
	}
	return r
}

func TestRouteFor(t *testing.T) {
	hash := "AB" + strings.Repeat("0", 62)

	tests := []struct {
		name   string
		mode   string
		tenant string
		hash   string
		want   string
	}{
		{"single игнорирует tenant", ModeSingle, "billing", hash, "uploaded_files"},
		{"tenant в нижнем регистре", ModeTenant, "Billing_V2", hash, "uploaded_files_billing_v2"},
		{"пустой tenant — базовая таблица", ModeTenant, "", hash, "uploaded_files"},
		{"hash по префиксу", ModeHash, "billing", hash, "uploaded_files_ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, tt.mode, newFakeSchema())
			got, err := r.RouteFor(tt.tenant, tt.hash)
			if err != nil {
				t.Fatalf("RouteFor() ошибка: %v", err)
			}
			if got != tt.want {
				t.Errorf("RouteFor() = %q, ожидается %q", got, tt.want)
			}
		})
	}
}

func TestRouteFor_RejectsUnsafeTenant(t *testing.T) {
	r := newRouter(t, ModeTenant, newFakeSchema())

	tenants := []string{
		"billing-prod",
		"billing; DROP TABLE uploaded_files",
		"сервис",
		"a b",
		strings.Repeat("a", MaxNameLen+1),
		// Короткий tenant, но имя таблицы превышает 63 символа
		strings.Repeat("a", 50),
	}

	for _, tenant := range tenants {
		t.Run(tenant, func(t *testing.T) {
			_, err := r.RouteFor(tenant, "")
			if !errors.Is(err, bizerr.ErrShardNameInvalid) {
				t.Errorf("RouteFor(%q) ошибка = %v, ожидается ShardNameInvalid", tenant, err)
			}
		})
	}
}

func TestRouteFor_HashTooShort(t *testing.T) {
	r := newRouter(t, ModeHash, newFakeSchema())
	if _, err := r.RouteFor("", "a"); !errors.Is(err, bizerr.ErrShardNameInvalid) {
		t.Errorf("RouteFor с коротким хэшем: %v, ожидается ShardNameInvalid", err)
	}
	if _, err := r.RouteFor("", "z-1234"); !errors.Is(err, bizerr.ErrShardNameInvalid) {
		t.Errorf("RouteFor с недопустимым префиксом: %v, ожидается ShardNameInvalid", err)
	}
}

func TestShardsFor(t *testing.T) {
	single := newRouter(t, ModeSingle, newFakeSchema())
	shards, err := single.ShardsFor("billing")
	if err != nil || len(shards) != 1 || shards[0] != "uploaded_files" {
		t.Errorf("single ShardsFor() = %v, %v", shards, err)
	}

	tenant := newRouter(t, ModeTenant, newFakeSchema())
	shards, err = tenant.ShardsFor("billing")
	if err != nil || len(shards) != 1 || shards[0] != "uploaded_files_billing" {
		t.Errorf("tenant ShardsFor() = %v, %v", shards, err)
	}

	hash := newRouter(t, ModeHash, newFakeSchema())
	shards, err = hash.ShardsFor("")
	if err != nil {
		t.Fatalf("hash ShardsFor() ошибка: %v", err)
	}
	if len(shards) != 256 {
		t.Fatalf("hash ShardsFor() вернул %d шардов, ожидается 256", len(shards))
	}
	if shards[0] != "uploaded_files_00" || shards[255] != "uploaded_files_ff" {
		t.Errorf("границы шардов: %s..%s", shards[0], shards[255])
	}
}

func TestEnsureShardExists_CachesDDL(t *testing.T) {
	schema := newFakeSchema()
	r := newRouter(t, ModeTenant, schema)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.EnsureShardExists(ctx, "uploaded_files_billing"); err != nil {
			t.Fatalf("EnsureShardExists() ошибка: %v", err)
		}
	}
	if n := schema.calls("uploaded_files_billing"); n != 1 {
		t.Errorf("DDL выполнен %d раз, ожидается 1", n)
	}
}

func TestEnsureShardExists_ConcurrentFirstUse(t *testing.T) {
	schema := newFakeSchema()
	r := newRouter(t, ModeHash, schema)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.EnsureShardExists(ctx, "uploaded_files_ab")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureShardExists() ошибка: %v", err)
		}
	}
	// Без мьютекса DDL может выполниться несколько раз — он идемпотентен
	if n := schema.calls("uploaded_files_ab"); n < 1 {
		t.Errorf("DDL не выполнен")
	}
}

func TestEnsureShardExists_NoDDLForInvalidName(t *testing.T) {
	schema := newFakeSchema()
	r := newRouter(t, ModeTenant, schema)

	err := r.EnsureShardExists(context.Background(), `uploaded_files"; DROP TABLE x; --`)
	if !errors.Is(err, bizerr.ErrShardNameInvalid) {
		t.Fatalf("ошибка = %v, ожидается ShardNameInvalid", err)
	}
	if len(schema.created) != 0 {
		t.Errorf("DDL выполнен для недопустимого имени: %v", schema.created)
	}
}

func TestEnsureShardExists_ErrorNotCached(t *testing.T) {
	schema := newFakeSchema()
	schema.err = errors.New("нет соединения")
	r := newRouter(t, ModeSingle, schema)
	ctx := context.Background()

	if err := r.EnsureShardExists(ctx, "uploaded_files"); err == nil {
		t.Fatal("ожидалась ошибка DDL")
	}

	schema.err = nil
	if err := r.EnsureShardExists(ctx, "uploaded_files"); err != nil {
		t.Fatalf("повторный EnsureShardExists() ошибка: %v", err)
	}
	if n := schema.calls("uploaded_files"); n != 1 {
		t.Errorf("DDL выполнен %d раз, ожидается 1", n)
	}
}

func TestNewRouter_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"неизвестный режим", Config{Mode: "range", BaseTable: "uploaded_files"}},
		{"недопустимая базовая таблица", Config{Mode: ModeSingle, BaseTable: "Uploaded-Files"}},
		{"слишком длинная для hash", Config{Mode: ModeHash, BaseTable: strings.Repeat("a", 62)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.cfg, newFakeSchema(), testLogger()); err == nil {
				t.Error("NewRouter() не вернул ошибку")
			}
		})
	}
}
