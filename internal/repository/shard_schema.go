package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/hasher"
)

// maxIdentifierLen — предел длины идентификатора PostgreSQL (NAMEDATALEN - 1).
const maxIdentifierLen = 63

// ShardSchemaRepository создаёт таблицы шардов индекса.
type ShardSchemaRepository interface {
	// EnsureTable идемпотентно создаёт таблицу шарда и её индексы.
	EnsureTable(ctx context.Context, name string) error
}

// shardSchemaRepo — реализация ShardSchemaRepository.
type shardSchemaRepo struct {
	tx *TxRunner
}

// NewShardSchemaRepository создаёт репозиторий DDL шардов.
func NewShardSchemaRepository(db TxBeginner) ShardSchemaRepository {
	return &shardSchemaRepo{tx: NewTxRunner(db)}
}

// EnsureTable создаёт таблицу и индексы через CREATE ... IF NOT EXISTS.
// Гонка двух процессов, создающих один шард, не считается ошибкой.
// Имя должно быть проверено вызывающим (shard.ValidateName).
func (r *shardSchemaRepo) EnsureTable(ctx context.Context, name string) error {
	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range shardDDL(name) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateObject(err) {
			return nil
		}
		return fmt.Errorf("ошибка создания шарда %s: %w", name, err)
	}
	return nil
}

// shardDDL возвращает операторы создания таблицы шарда.
// Частичный уникальный индекс по file_hash обеспечивает единственность
// активной записи на хэш; удалённые записи не мешают повторной регистрации.
func shardDDL(name string) []string {
	t := table(name)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id               UUID PRIMARY KEY,
			file_hash        VARCHAR(128)  NOT NULL,
			file_key         VARCHAR(1024) NOT NULL,
			file_url         VARCHAR(2048) NOT NULL,
			bucket_name      VARCHAR(100)  NOT NULL,
			reference_count  INTEGER       NOT NULL DEFAULT 1 CHECK (reference_count >= 1),
			uploader_id      VARCHAR(450),
			upload_status    SMALLINT      NOT NULL DEFAULT 0,
			create_time      TIMESTAMPTZ   NOT NULL DEFAULT now(),
			last_access_time TIMESTAMPTZ   NOT NULL DEFAULT now(),
			deleted          BOOLEAN       NOT NULL DEFAULT false
		)`, t),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (file_hash) WHERE deleted = false`,
			indexName(name, "file_hash"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (bucket_name, file_key) WHERE deleted = false`,
			indexName(name, "bucket_key"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (bucket_name, id) WHERE deleted = false`,
			indexName(name, "bucket_id"), t),
	}
}

// indexName строит экранированное имя индекса "ix_{table}_{suffix}".
// Если имя не помещается в 63 символа, середина заменяется коротким
// хэшем имени таблицы, чтобы длинные шарды не получили одинаковые индексы.
func indexName(tableName, suffix string) string {
	name := "ix_" + tableName + "_" + suffix
	if len(name) > maxIdentifierLen {
		h := hasher.HashBytes([]byte(tableName))[:8]
		keep := maxIdentifierLen - len("ix_") - len("_"+h) - len("_"+suffix)
		name = "ix_" + tableName[:keep] + "_" + h + "_" + suffix
	}
	return pgx.Identifier{name}.Sanitize()
}
