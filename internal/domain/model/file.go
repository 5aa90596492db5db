package model

import "time"

// UploadState — состояние записи файла в индексе.
// Числовые значения хранятся в колонке upload_status.
type UploadState int

const (
	// StateUploading — физическая запись в хранилище ещё идёт
	StateUploading UploadState = 0
	// StateSuccess — объект записан и доступен
	StateSuccess UploadState = 1
	// StateFailed — запись в хранилище завершилась ошибкой
	StateFailed UploadState = 2
)

// String возвращает имя состояния для логов и API.
func (s UploadState) String() string {
	switch s {
	case StateUploading:
		return "uploading"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SystemSyncUploader — uploader_id записей, созданных сверкой.
const SystemSyncUploader = "system-sync"

// FileRecord — запись о содержимом в шарде индекса.
// Одна активная (deleted = false) запись на хэш в пределах шарда.
type FileRecord struct {
	// ID — UUID записи, неизменяем
	ID string
	// ContentHash — SHA-256 содержимого (64 hex) или суррогат (ETag) для принятых сверкой объектов
	ContentHash string
	// ObjectKey — ключ объекта в bucket, неизменяем
	ObjectKey string
	// AccessURL — внешний URL, вычисляется из bucket и ключа
	AccessURL string
	// BucketName — bucket в объектном хранилище
	BucketName string
	// ReferenceCount — число логических загрузок этого содержимого (>= 1)
	ReferenceCount int
	// UploaderID — кто загрузил (не влияет на идентичность)
	UploaderID *string
	// State — состояние загрузки
	State UploadState
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// LastAccessedAt — время последнего обращения (обновляется при dedup hit)
	LastAccessedAt time.Time
	// Deleted — признак soft delete
	Deleted bool
}

// Age возвращает возраст записи относительно now.
func (r *FileRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// ObjectInfo — объект из листинга хранилища.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	// Checksum — ETag без кавычек
	Checksum string
}
