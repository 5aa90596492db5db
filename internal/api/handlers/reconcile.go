// reconcile.go — обработчики сверки хранилища и индекса:
// POST /api/v1/reconcile — синхронный запуск сверки bucket,
// GET /api/v1/reconcile/status — оценка расхождения без изменений.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/dedup-gateway/internal/api/errors"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/capability"
	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
)

// ReconcileHandler — обработчики сверки.
type ReconcileHandler struct {
	reconciler Reconciler
	validator  capability.Validator
	logger     *slog.Logger
}

// NewReconcileHandler создаёт обработчики сверки.
func NewReconcileHandler(reconciler Reconciler, validator capability.Validator, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		reconciler: reconciler,
		validator:  validator,
		logger:     logger.With(slog.String("component", "reconcile_handler")),
	}
}

// reconcileRequest — тело POST /api/v1/reconcile.
type reconcileRequest struct {
	Tenant string              `json:"tenant"`
	Bucket string              `json:"bucket"`
	Mode   model.ReconcileMode `json:"mode"`
}

// Run — POST /api/v1/reconcile. Режим по умолчанию — both.
// Ошибки отдельных элементов не делают ответ неуспешным: они в details.
func (h *ReconcileHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if authorize(w, r, h.validator, capability.OperationReconcile, "", h.logger) == nil {
		return
	}
	if req.Mode == "" {
		req.Mode = model.ReconcileBoth
	}

	report, err := h.reconciler.Run(r.Context(), req.Tenant, req.Bucket, req.Mode)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Status — GET /api/v1/reconcile/status?tenant=&bucket=.
func (h *ReconcileHandler) Status(w http.ResponseWriter, r *http.Request) {
	if authorize(w, r, h.validator, capability.OperationReconcile, "", h.logger) == nil {
		return
	}

	q := r.URL.Query()
	status, err := h.reconciler.Status(r.Context(), q.Get("tenant"), q.Get("bucket"))
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
