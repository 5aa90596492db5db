// uploads.go — обработчики загрузки:
// POST /api/v1/uploads — multipart-загрузка через шлюз с дедупликацией,
// POST /api/v1/uploads/prepare — подготовка прямой загрузки (pre-signed URL),
// POST /api/v1/uploads/direct — регистрация объекта, записанного клиентом.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"

	apierrors "github.com/bigkaa/goartstore/dedup-gateway/internal/api/errors"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/capability"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/service"
)

const (
	// multipartOverhead — запас на заголовки и границы multipart сверх лимита файла.
	multipartOverhead = 1 << 20
	// multipartMemory — часть формы, держимая в памяти; остальное во временных файлах.
	multipartMemory = 32 << 20
)

// UploadHandler — обработчики загрузок.
type UploadHandler struct {
	uploads   Uploader
	validator capability.Validator
	// maxSize — лимит размера файла из конфигурации
	maxSize int64
	logger  *slog.Logger
}

// NewUploadHandler создаёт обработчики загрузок.
func NewUploadHandler(uploads Uploader, validator capability.Validator, maxSize int64, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		uploads:   uploads,
		validator: validator,
		maxSize:   maxSize,
		logger:    logger.With(slog.String("component", "upload_handler")),
	}
}

// Upload — POST /api/v1/uploads.
// Query: tenant, bucket, folder. Поле формы: file.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	decision := authorize(w, r, h.validator, capability.OperationUpload, "", h.logger)
	if decision == nil {
		return
	}
	limit := sizeLimit(h.maxSize, decision.MaxSize)

	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.PayloadTooLarge(w, fmt.Sprintf("файл больше %d байт", limit))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("некорректная multipart-форма: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "поле формы file обязательно")
		return
	}
	defer file.Close()

	if header.Size > limit {
		apierrors.PayloadTooLarge(w, fmt.Sprintf("файл больше %d байт", limit))
		return
	}

	q := r.URL.Query()
	result, err := h.uploads.Submit(r.Context(), service.SubmitRequest{
		Tenant:      q.Get("tenant"),
		Bucket:      q.Get("bucket"),
		Body:        file,
		ContentType: contentType(header.Header.Get("Content-Type"), header.Filename),
		Filename:    header.Filename,
		FolderHint:  q.Get("folder"),
		UploaderID:  r.Header.Get(UploaderHeader),
	})
	if err != nil {
		h.logger.Warn("Загрузка не выполнена",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		apierrors.FromError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// Prepare — POST /api/v1/uploads/prepare.
func (h *UploadHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	var req service.PrepareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	category := capability.FileCategory(req.ContentType)
	if authorize(w, r, h.validator, capability.OperationUpload, category, h.logger) == nil {
		return
	}
	if req.UploaderID == "" {
		req.UploaderID = r.Header.Get(UploaderHeader)
	}

	result, err := h.uploads.PrepareDirect(r.Context(), req)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Direct — POST /api/v1/uploads/direct.
func (h *UploadHandler) Direct(w http.ResponseWriter, r *http.Request) {
	var req service.DirectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	// Объект уже записан клиентом, тип файла не проверяется.
	if authorize(w, r, h.validator, capability.OperationUpload, "", h.logger) == nil {
		return
	}
	if req.UploaderID == "" {
		req.UploaderID = r.Header.Get(UploaderHeader)
	}

	result, err := h.uploads.RegisterDirect(r.Context(), req)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// sizeLimit — меньший из ненулевых лимитов конфигурации и токена.
func sizeLimit(configured, granted int64) int64 {
	if granted > 0 && (configured <= 0 || granted < configured) {
		return granted
	}
	return configured
}

// contentType — тип из части формы, иначе по расширению имени файла.
func contentType(declared, filename string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if t := mime.TypeByExtension(path.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}
