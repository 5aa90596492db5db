package blobstore

import (
	"context"
	"fmt"
	"time"
)

// BucketChecker — проверка наличия bucket (реализуется S3Store).
type BucketChecker interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// ReadinessChecker — проверка готовности хранилища по bucket по умолчанию.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	store  BucketChecker
	bucket string
}

// NewReadinessChecker создаёт проверку готовности хранилища.
func NewReadinessChecker(store BucketChecker, bucket string) *ReadinessChecker {
	return &ReadinessChecker{store: store, bucket: bucket}
}

// CheckReady выполняет HeadBucket.
// Отсутствие bucket по умолчанию — degraded: запросы с явным bucket обслуживаются.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exists, err := c.store.BucketExists(ctx, c.bucket)
	if err != nil {
		return "fail", fmt.Sprintf("S3 недоступен: %v", err)
	}
	if !exists {
		return "degraded", fmt.Sprintf("bucket %s не найден", c.bucket)
	}
	return "ok", fmt.Sprintf("bucket %s доступен", c.bucket)
}
