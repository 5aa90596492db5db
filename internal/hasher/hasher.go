// Пакет hasher — вычисление SHA-256 содержимого для дедупликации.
// Хэш служит ключом дедупликации и возвращается клиентам как идентификатор содержимого.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// HexLen — длина хэша в hex-представлении.
const HexLen = sha256.Size * 2

// Hash читает поток целиком, возвращает SHA-256 в hex и перематывает поток
// в начало, чтобы вызывающий мог повторно прочитать байты для записи в хранилище.
func Hash(r io.ReadSeeker) (string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("перемотка потока: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("чтение потока: %w", err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("перемотка потока: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes возвращает SHA-256 среза байт в hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Valid проверяет формат хэша: 64 символа [0-9a-f].
func Valid(hash string) bool {
	if len(hash) != HexLen {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
