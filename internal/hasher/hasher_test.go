package hasher

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestHash_RewindsStream(t *testing.T) {
	payload := []byte("hello, artstore")
	r := bytes.NewReader(payload)

	got, err := Hash(r)
	if err != nil {
		t.Fatalf("Hash() ошибка: %v", err)
	}
	if got != HashBytes(payload) {
		t.Errorf("Hash() = %s, ожидается %s", got, HashBytes(payload))
	}

	// Поток должен читаться заново с начала
	again, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("повторное чтение: %v", err)
	}
	if !bytes.Equal(again, payload) {
		t.Errorf("после Hash() прочитано %q, ожидается %q", again, payload)
	}
}

func TestHash_PartiallyConsumedStream(t *testing.T) {
	r := strings.NewReader("abcdef")
	buf := make([]byte, 3)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}

	got, err := Hash(r)
	if err != nil {
		t.Fatalf("Hash() ошибка: %v", err)
	}
	if got != HashBytes([]byte("abcdef")) {
		t.Error("Hash() должен хэшировать поток с начала")
	}
}

func TestHashBytes_KnownVector(t *testing.T) {
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := HashBytes(nil); got != want {
		t.Errorf("HashBytes(nil) = %s, ожидается %s", got, want)
	}
	if len(want) != HexLen {
		t.Errorf("HexLen = %d, ожидается %d", HexLen, len(want))
	}
}

// failingReader возвращает ошибку при чтении.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("диск недоступен") }
func (failingReader) Seek(int64, int) (int64, error) { return 0, nil }

func TestHash_ReadError(t *testing.T) {
	if _, err := Hash(failingReader{}); err == nil {
		t.Error("Hash() должен вернуть ошибку чтения")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		hash  string
		valid bool
	}{
		{"корректный", HashBytes([]byte("x")), true},
		{"пустой", "", false},
		{"короткий", "abc123", false},
		{"верхний регистр", strings.ToUpper(HashBytes([]byte("x"))), false},
		{"не hex", strings.Repeat("g", HexLen), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.hash); got != tt.valid {
				t.Errorf("Valid(%q) = %v, ожидается %v", tt.hash, got, tt.valid)
			}
		})
	}
}
