package model

import "time"

// ReconcileMode — какие проходы сверки выполнять.
type ReconcileMode string

const (
	// ReconcileAdopt — хранилище → индекс: принять объекты без записей
	ReconcileAdopt ReconcileMode = "adopt"
	// ReconcileRetire — индекс → хранилище: пометить удалёнными записи без объектов
	ReconcileRetire ReconcileMode = "retire"
	// ReconcileBoth — оба прохода (adopt, затем retire)
	ReconcileBoth ReconcileMode = "both"
)

// Valid проверяет, что режим известен.
func (m ReconcileMode) Valid() bool {
	switch m {
	case ReconcileAdopt, ReconcileRetire, ReconcileBoth:
		return true
	}
	return false
}

// Действия над элементом сверки.
const (
	ActionAdopted = "adopted"
	ActionRetired = "retired"
	ActionSkipped = "skipped"
	ActionFailed  = "failed"
)

// ReconcileItem — запись журнала сверки по одному элементу.
type ReconcileItem struct {
	Pass    ReconcileMode `json:"pass"`
	Key     string        `json:"key"`
	Action  string        `json:"action"`
	Message string        `json:"message,omitempty"`
}

// PassReport — счётчики одного прохода сверки.
type PassReport struct {
	Total    int `json:"total"`
	Repaired int `json:"repaired"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// add суммирует счётчики прохода.
func (p *PassReport) add(o PassReport) {
	p.Total += o.Total
	p.Repaired += o.Repaired
	p.Skipped += o.Skipped
	p.Failed += o.Failed
}

// ReconcileReport — результат сверки bucket.
type ReconcileReport struct {
	Tenant string        `json:"tenant"`
	Bucket string        `json:"bucket"`
	Mode   ReconcileMode `json:"mode"`
	// Adopt/Retire — nil, если проход не выполнялся
	Adopt  *PassReport `json:"adopt,omitempty"`
	Retire *PassReport `json:"retire,omitempty"`
	// Суммарные счётчики по всем проходам
	PassReport
	Details     []ReconcileItem `json:"details"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Summarize пересчитывает суммарные счётчики из проходов.
func (r *ReconcileReport) Summarize() {
	r.PassReport = PassReport{}
	if r.Adopt != nil {
		r.add(*r.Adopt)
	}
	if r.Retire != nil {
		r.add(*r.Retire)
	}
}

// Success — сверка прошла без ошибок по элементам.
func (r *ReconcileReport) Success() bool {
	return r.Failed == 0
}

// ReconcileRun — сохранённый результат последней сверки bucket.
type ReconcileRun struct {
	Tenant      string        `json:"tenant"`
	Bucket      string        `json:"bucket"`
	Mode        ReconcileMode `json:"mode"`
	Total       int           `json:"total"`
	Repaired    int           `json:"repaired"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// SyncStatus — оценка расхождения хранилища и индекса.
type SyncStatus struct {
	Tenant string `json:"tenant"`
	Bucket string `json:"bucket"`
	// ObjectCount — объектов в bucket
	ObjectCount int `json:"object_count"`
	// RecordCount — активных записей в индексе
	RecordCount int `json:"record_count"`
	// MissingRecordCount — грубая оценка объектов без записей
	MissingRecordCount int `json:"missing_record_count"`
	// OrphanedRecordCount — грубая оценка записей без объектов
	OrphanedRecordCount int `json:"orphaned_record_count"`
	// NeedSync — есть расхождение
	NeedSync bool `json:"need_sync"`
	// LastRun — последняя сверка (nil — не выполнялась)
	LastRun *ReconcileRun `json:"last_run,omitempty"`
}
