// handler.go — общие части HTTP-обработчиков шлюза:
// интерфейсы сервисного слоя, проверка capability-токена, JSON-ввод/вывод.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/dedup-gateway/internal/api/errors"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/capability"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/service"
)

// CapabilityHeader — заголовок с capability-токеном клиента.
const CapabilityHeader = "X-Capability-Token"

// UploaderHeader — необязательный идентификатор загружающего.
const UploaderHeader = "X-Uploader-ID"

// maxJSONBody — предельный размер JSON-тела запроса.
const maxJSONBody = 1 << 20

// Uploader — операции загрузки (реализуется service.UploadService).
type Uploader interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.UploadResult, error)
	PrepareDirect(ctx context.Context, req service.PrepareRequest) (*service.PrepareResult, error)
	RegisterDirect(ctx context.Context, req service.DirectRequest) (*service.DirectResult, error)
}

// Reconciler — операции сверки (реализуется service.ReconcileService).
type Reconciler interface {
	Run(ctx context.Context, tenant, bucket string, mode model.ReconcileMode) (*model.ReconcileReport, error)
	Status(ctx context.Context, tenant, bucket string) (*model.SyncStatus, error)
}

// authorize проверяет capability-токен запроса.
// При отказе ответ уже записан и возвращается nil.
func authorize(w http.ResponseWriter, r *http.Request, v capability.Validator, operation, fileType string, logger *slog.Logger) *capability.Decision {
	decision, err := v.Validate(r.Context(), r.Header.Get(CapabilityHeader), operation, fileType)
	if err != nil {
		logger.Warn("Проверка capability-токена не выполнена",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		apierrors.FromError(w, err)
		return nil
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "операция не разрешена токеном"
		}
		apierrors.Forbidden(w, reason)
		return nil
	}
	return decision
}

// decodeJSON читает JSON-тело в dst. Неизвестные поля отклоняются.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("тело запроса больше %d байт", maxErr.Limit)
		}
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	return nil
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
