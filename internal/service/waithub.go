package service

import "sync"

// waitHub — уведомления о завершении локальных записей в хранилище.
// Ключ — шард, хэш и ID записи: запись, созданная заново после reclaim,
// получает свой канал. Ожидающие из других процессов узнают о завершении
// только опросом БД.
type waitHub struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func newWaitHub() *waitHub {
	return &waitHub{inflight: make(map[string]chan struct{})}
}

func hubKey(shard, hash, id string) string {
	return shard + "/" + hash + "/" + id
}

// begin регистрирует запись, которую ведёт текущий процесс.
func (h *waitHub) begin(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inflight[key]; !ok {
		h.inflight[key] = make(chan struct{})
	}
}

// finish закрывает канал записи: все ожидающие просыпаются.
func (h *waitHub) finish(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.inflight[key]; ok {
		close(ch)
		delete(h.inflight, key)
	}
}

// watch возвращает канал записи или nil, если запись ведёт другой процесс.
// Чтение из nil-канала блокируется навсегда, поэтому в select остаётся только опрос.
func (h *waitHub) watch(key string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight[key]
}

// size — число записей в процессе (для тестов).
func (h *waitHub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}
