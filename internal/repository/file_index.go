package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
)

// FileIndex — индекс метаданных файлов, разбитый на шарды (таблицы).
type FileIndex interface {
	// FindByHash возвращает активную запись по хэшу. Всегда читает из БД.
	FindByHash(ctx context.Context, shard, hash string) (*model.FileRecord, error)
	// FindByKey возвращает активную запись по bucket и ключу объекта.
	FindByKey(ctx context.Context, shard, bucket, key string) (*model.FileRecord, error)
	// Insert создаёт запись. ErrDuplicateContent, если активная запись с хэшем уже есть.
	Insert(ctx context.Context, shard string, rec *model.FileRecord) error
	// UpsertIncrement атомарно вставляет запись или увеличивает счётчик ссылок
	// существующей активной записи с тем же хэшем. inserted = true при вставке.
	UpsertIncrement(ctx context.Context, shard string, rec *model.FileRecord) (*model.FileRecord, bool, error)
	// IncrementReference увеличивает счётчик ссылок записи в состоянии Success.
	IncrementReference(ctx context.Context, shard, id string) (*model.FileRecord, error)
	// TransitionState меняет состояние, только если текущее равно from.
	TransitionState(ctx context.Context, shard, id string, from, to model.UploadState) (bool, error)
	// DeleteInState удаляет запись, только если она всё ещё в состоянии state.
	DeleteInState(ctx context.Context, shard, id string, state model.UploadState) (bool, error)
	// SoftDelete помечает запись удалённой.
	SoftDelete(ctx context.Context, shard, id string) (bool, error)
	// ListActive возвращает страницу активных записей bucket после afterID (keyset по id).
	ListActive(ctx context.Context, shard, bucket, afterID string, limit int) ([]*model.FileRecord, error)
	// CountActive возвращает количество активных записей bucket.
	CountActive(ctx context.Context, shard, bucket string) (int, error)
}

// fileColumns — колонки таблицы шарда в порядке scanFileRecord.
const fileColumns = `id, file_hash, file_key, file_url, bucket_name, reference_count,
	uploader_id, upload_status, create_time, last_access_time, deleted`

// fileIndexRepo — реализация FileIndex.
type fileIndexRepo struct {
	db DBTX
}

// NewFileIndexRepository создаёт репозиторий индекса файлов.
func NewFileIndexRepository(db DBTX) FileIndex {
	return &fileIndexRepo{db: db}
}

// scanFileRecord сканирует строку в FileRecord.
// extra — дополнительные поля после стандартных колонок.
func scanFileRecord(row pgx.Row, extra ...any) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var state int16
	dest := []any{
		&f.ID, &f.ContentHash, &f.ObjectKey, &f.AccessURL, &f.BucketName, &f.ReferenceCount,
		&f.UploaderID, &state, &f.CreatedAt, &f.LastAccessedAt, &f.Deleted,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	f.State = model.UploadState(state)
	return f, nil
}

func (r *fileIndexRepo) FindByHash(ctx context.Context, shard, hash string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE file_hash = $1 AND deleted = false`, fileColumns, table(shard))

	f, err := scanFileRecord(r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска по хэшу в %s: %w", shard, err)
	}
	return f, nil
}

func (r *fileIndexRepo) FindByKey(ctx context.Context, shard, bucket, key string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE bucket_name = $1 AND file_key = $2 AND deleted = false
		LIMIT 1`, fileColumns, table(shard))

	f, err := scanFileRecord(r.db.QueryRow(ctx, query, bucket, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска по ключу в %s: %w", shard, err)
	}
	return f, nil
}

func (r *fileIndexRepo) Insert(ctx context.Context, shard string, rec *model.FileRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, file_hash, file_key, file_url, bucket_name, reference_count,
			uploader_id, upload_status, create_time, last_access_time, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)
		RETURNING create_time, last_access_time`, table(shard))

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.ContentHash, rec.ObjectKey, rec.AccessURL, rec.BucketName, rec.ReferenceCount,
		rec.UploaderID, int16(rec.State), rec.CreatedAt, rec.LastAccessedAt,
	).Scan(&rec.CreatedAt, &rec.LastAccessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s в %s", ErrDuplicateContent, rec.ContentHash, shard)
		}
		return fmt.Errorf("ошибка вставки записи в %s: %w", shard, err)
	}
	rec.Deleted = false
	return nil
}

func (r *fileIndexRepo) UpsertIncrement(ctx context.Context, shard string, rec *model.FileRecord) (*model.FileRecord, bool, error) {
	// Вставка или инкремент одним оператором: конфликт по частичному
	// уникальному индексу (file_hash) WHERE deleted = false.
	// xmax = 0 — признак того, что строка была вставлена, а не обновлена.
	query := fmt.Sprintf(`
		INSERT INTO %s AS t (id, file_hash, file_key, file_url, bucket_name, reference_count,
			uploader_id, upload_status, create_time, last_access_time, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)
		ON CONFLICT (file_hash) WHERE deleted = false DO UPDATE SET
			reference_count = t.reference_count + 1,
			last_access_time = now()
		RETURNING %s, (xmax = 0) AS is_insert`, table(shard), fileColumns)

	var inserted bool
	f, err := scanFileRecord(r.db.QueryRow(ctx, query,
		rec.ID, rec.ContentHash, rec.ObjectKey, rec.AccessURL, rec.BucketName, rec.ReferenceCount,
		rec.UploaderID, int16(rec.State), rec.CreatedAt, rec.LastAccessedAt,
	), &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка upsert записи в %s: %w", shard, err)
	}
	return f, inserted, nil
}

func (r *fileIndexRepo) IncrementReference(ctx context.Context, shard, id string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET
			reference_count = reference_count + 1,
			last_access_time = now()
		WHERE id = $1 AND deleted = false AND upload_status = $2
		RETURNING %s`, table(shard), fileColumns)

	f, err := scanFileRecord(r.db.QueryRow(ctx, query, id, int16(model.StateSuccess)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка увеличения счётчика ссылок в %s: %w", shard, err)
	}
	return f, nil
}

func (r *fileIndexRepo) TransitionState(ctx context.Context, shard, id string, from, to model.UploadState) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET upload_status = $3, last_access_time = now()
		WHERE id = $1 AND upload_status = $2 AND deleted = false`, table(shard))

	tag, err := r.db.Exec(ctx, query, id, int16(from), int16(to))
	if err != nil {
		return false, fmt.Errorf("ошибка смены состояния %s→%s в %s: %w", from, to, shard, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *fileIndexRepo) DeleteInState(ctx context.Context, shard, id string, state model.UploadState) (bool, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id = $1 AND upload_status = $2 AND deleted = false`, table(shard))

	tag, err := r.db.Exec(ctx, query, id, int16(state))
	if err != nil {
		return false, fmt.Errorf("ошибка удаления записи в %s: %w", shard, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *fileIndexRepo) SoftDelete(ctx context.Context, shard, id string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET deleted = true WHERE id = $1 AND deleted = false`, table(shard))

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("ошибка soft delete в %s: %w", shard, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *fileIndexRepo) ListActive(ctx context.Context, shard, bucket, afterID string, limit int) ([]*model.FileRecord, error) {
	args := []any{bucket}
	cursor := ""
	if afterID != "" {
		args = append(args, afterID)
		cursor = "AND id > $2"
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE bucket_name = $1 AND deleted = false %s
		ORDER BY id
		LIMIT $%d`, fileColumns, table(shard), cursor, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения активных записей %s: %w", shard, err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи %s: %w", shard, err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации записей %s: %w", shard, err)
	}
	return result, nil
}

func (r *fileIndexRepo) CountActive(ctx context.Context, shard, bucket string) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE bucket_name = $1 AND deleted = false`, table(shard))

	var count int
	if err := r.db.QueryRow(ctx, query, bucket).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей %s: %w", shard, err)
	}
	return count, nil
}
