package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
)

// ReconcileRunRepository — последние результаты сверки по tenant/bucket.
type ReconcileRunRepository interface {
	// Save сохраняет результат сверки (перезаписывает предыдущий).
	Save(ctx context.Context, run *model.ReconcileRun) error
	// Last возвращает последний результат сверки. ErrNotFound, если сверок не было.
	Last(ctx context.Context, tenant, bucket string) (*model.ReconcileRun, error)
}

// reconcileRunRepo — реализация ReconcileRunRepository.
type reconcileRunRepo struct {
	db DBTX
}

// NewReconcileRunRepository создаёт репозиторий результатов сверки.
func NewReconcileRunRepository(db DBTX) ReconcileRunRepository {
	return &reconcileRunRepo{db: db}
}

func (r *reconcileRunRepo) Save(ctx context.Context, run *model.ReconcileRun) error {
	query := `
		INSERT INTO reconcile_runs (tenant, bucket_name, mode, total, repaired, skipped, failed,
			started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant, bucket_name) DO UPDATE SET
			mode = EXCLUDED.mode,
			total = EXCLUDED.total,
			repaired = EXCLUDED.repaired,
			skipped = EXCLUDED.skipped,
			failed = EXCLUDED.failed,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`

	_, err := r.db.Exec(ctx, query,
		run.Tenant, run.Bucket, string(run.Mode), run.Total, run.Repaired, run.Skipped, run.Failed,
		run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения результата сверки: %w", err)
	}
	return nil
}

func (r *reconcileRunRepo) Last(ctx context.Context, tenant, bucket string) (*model.ReconcileRun, error) {
	query := `
		SELECT tenant, bucket_name, mode, total, repaired, skipped, failed, started_at, completed_at
		FROM reconcile_runs
		WHERE tenant = $1 AND bucket_name = $2`

	run := &model.ReconcileRun{}
	var mode string
	err := r.db.QueryRow(ctx, query, tenant, bucket).Scan(
		&run.Tenant, &run.Bucket, &mode, &run.Total, &run.Repaired, &run.Skipped, &run.Failed,
		&run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения результата сверки: %w", err)
	}
	run.Mode = model.ReconcileMode(mode)
	return run, nil
}
