// dephealth_test.go — unit-тесты вычисления health path зависимостей.
package service

import (
	"testing"
)

// TestHealthPath проверяет выбор пути health-проверки.
func TestHealthPath(t *testing.T) {
	tests := []struct {
		name       string
		rawURL     string
		configured string
		expected   string
	}{
		{
			name:       "явный путь",
			rawURL:     "http://rustfs:9000",
			configured: "/minio/health/live",
			expected:   "/minio/health/live",
		},
		{
			name:       "явный путь без ведущего слэша",
			rawURL:     "http://rustfs:9000",
			configured: "health",
			expected:   "/health",
		},
		{
			name:     "путь из URL",
			rawURL:   "http://capability:8080/health/ready",
			expected: "/health/ready",
		},
		{
			name:     "корень по умолчанию",
			rawURL:   "http://rustfs:9000/",
			expected: "/",
		},
		{
			name:     "некорректный URL",
			rawURL:   "://bad",
			expected: "/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthPath(tt.rawURL, tt.configured); got != tt.expected {
				t.Errorf("healthPath(%q, %q) = %q, ожидается %q", tt.rawURL, tt.configured, got, tt.expected)
			}
		})
	}
}

func TestIsHTTPS(t *testing.T) {
	if !isHTTPS("https://s3.amazonaws.com") {
		t.Error("https URL не распознан")
	}
	if isHTTPS("http://rustfs:9000") {
		t.Error("http URL распознан как https")
	}
}
