// Пакет bizerr — типизированные бизнес-ошибки ядра согласованности метаданных.
//
// Каждая ошибка несёт машиночитаемый код. errors.Is сравнивает ошибки по коду,
// поэтому обёрнутую ошибку с деталями можно сопоставить с sentinel-значением:
//
//	errors.Is(err, bizerr.ErrUploadInProgressTimeout)
package bizerr

import (
	"errors"
	"fmt"
)

// Code — код бизнес-ошибки.
type Code string

const (
	// CodeEmptyInput — пустой payload, повтор бесполезен.
	CodeEmptyInput Code = "EMPTY_INPUT"
	// CodeInvalidArgument — некорректные входные данные (хэш, ключ, bucket).
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeDuplicateContentRace — проигрыш гонки вставки; наружу не выходит.
	CodeDuplicateContentRace Code = "DUPLICATE_CONTENT_RACE"
	// CodeUploadInProgressTimeout — параллельная загрузка не завершилась вовремя.
	CodeUploadInProgressTimeout Code = "UPLOAD_IN_PROGRESS_TIMEOUT"
	// CodeBlobStoreWriteFailed — ошибка записи в объектное хранилище.
	CodeBlobStoreWriteFailed Code = "BLOB_STORE_WRITE_FAILED"
	// CodeShardNameInvalid — недопустимое имя шарда.
	CodeShardNameInvalid Code = "SHARD_NAME_INVALID"
	// CodeReconciliationItemFailed — ошибка обработки одного элемента сверки.
	CodeReconciliationItemFailed Code = "RECONCILIATION_ITEM_FAILED"
)

// Error — бизнес-ошибка с кодом, сообщением и исходной причиной.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap возвращает исходную причину.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable сообщает, имеет ли смысл повторить запрос.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeUploadInProgressTimeout, CodeBlobStoreWriteFailed, CodeDuplicateContentRace:
		return true
	default:
		return false
	}
}

// Sentinel-значения для errors.Is.
var (
	ErrEmptyInput               = &Error{Code: CodeEmptyInput, Message: "пустой файл"}
	ErrInvalidArgument          = &Error{Code: CodeInvalidArgument, Message: "некорректные входные данные"}
	ErrDuplicateContentRace     = &Error{Code: CodeDuplicateContentRace, Message: "запись с таким хэшем уже создана параллельно"}
	ErrUploadInProgressTimeout  = &Error{Code: CodeUploadInProgressTimeout, Message: "загрузка того же содержимого ещё не завершена"}
	ErrBlobStoreWriteFailed     = &Error{Code: CodeBlobStoreWriteFailed, Message: "ошибка записи в объектное хранилище"}
	ErrShardNameInvalid         = &Error{Code: CodeShardNameInvalid, Message: "недопустимое имя шарда"}
	ErrReconciliationItemFailed = &Error{Code: CodeReconciliationItemFailed, Message: "ошибка сверки элемента"}
)

// New создаёт бизнес-ошибку с кодом и сообщением.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap создаёт бизнес-ошибку с исходной причиной.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf возвращает код бизнес-ошибки из цепочки или пустую строку.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable сообщает, можно ли повторить операцию, завершившуюся err.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
