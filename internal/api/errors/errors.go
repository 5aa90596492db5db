// Пакет errors — ошибки HTTP API шлюза.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError или FromError.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/capability"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/bizerr"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/service"
)

// Коды ошибок уровня HTTP. Коды бизнес-ошибок берутся из bizerr.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeForbidden             = "FORBIDDEN"
	CodeConflict              = "CONFLICT"
	CodePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
	CodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	CodeTimeout               = "TIMEOUT"
	CodeInternalError         = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Classify возвращает HTTP-статус и код для ошибки сервисного слоя.
func Classify(err error) (int, string) {
	switch code := bizerr.CodeOf(err); code {
	case bizerr.CodeEmptyInput, bizerr.CodeInvalidArgument:
		return http.StatusBadRequest, string(code)
	case bizerr.CodeShardNameInvalid:
		return http.StatusUnprocessableEntity, string(code)
	case bizerr.CodeDuplicateContentRace:
		return http.StatusConflict, string(code)
	case bizerr.CodeUploadInProgressTimeout:
		return http.StatusServiceUnavailable, string(code)
	case bizerr.CodeBlobStoreWriteFailed:
		return http.StatusBadGateway, string(code)
	case bizerr.CodeReconciliationItemFailed:
		return http.StatusInternalServerError, string(code)
	}

	switch {
	case stderrors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, CodeValidationError
	case stderrors.Is(err, service.ErrBucketNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, service.ErrReconcileInProgress):
		return http.StatusConflict, CodeConflict
	case stderrors.Is(err, capability.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeCapabilityUnavailable
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	}
	return http.StatusInternalServerError, CodeInternalError
}

// FromError записывает ответ для ошибки сервисного слоя.
// Для повторяемых ошибок выставляется Retry-After.
// Текст внутренних ошибок наружу не отдаётся.
func FromError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	if bizerr.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "внутренняя ошибка сервера"
	}
	WriteError(w, status, code, message)
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// Forbidden — 403 токен не разрешает операцию.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// PayloadTooLarge — 413 превышен лимит размера.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// InternalError — 500 внутренняя ошибка сервера.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
