// errors.go — ошибки сервисного слоя.
// Бизнес-ошибки загрузки и сверки — в пакете bizerr.
package service

import "errors"

var (
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrReconcileInProgress — сверка этого bucket уже выполняется в процессе.
	ErrReconcileInProgress = errors.New("сверка уже выполняется")
	// ErrBucketNotFound — bucket отсутствует в хранилище.
	ErrBucketNotFound = errors.New("bucket не найден")
)
