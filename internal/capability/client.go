// Пакет capability — HTTP-клиент сервиса проверки capability-токенов.
// Решает, можно ли вызывать загрузку с данным токеном, и задаёт лимит размера.
// Поддерживает TLS с кастомным CA (DG_CAPABILITY_CA_CERT_PATH).
// Операция: Validate (POST /api/v1/capabilities/validate).
package capability

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Операции, проверяемые capability-сервисом.
const (
	OperationUpload    = "upload"
	OperationReconcile = "reconcile"
)

// ErrUnavailable — capability-сервис недоступен или ответил ошибкой.
var ErrUnavailable = errors.New("capability-сервис недоступен")

// Decision — решение по токену.
type Decision struct {
	Allowed bool `json:"allowed"`
	// MaxSize — лимит размера в байтах (0 — без лимита)
	MaxSize int64  `json:"max_size,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Validator — проверка capability-токена.
type Validator interface {
	Validate(ctx context.Context, token, operation, fileType string) (*Decision, error)
}

// validateRequest — тело POST /api/v1/capabilities/validate.
type validateRequest struct {
	Operation string `json:"operation"`
	FileType  string `json:"file_type,omitempty"`
}

// Client — HTTP-клиент capability-сервиса.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
func New(baseURL, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: timeout}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата capability: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат capability добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "capability_client")),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// Validate проверяет токен. Отказ (403) — не ошибка: Decision.Allowed = false.
// Пустой токен отклоняется без запроса.
func (c *Client) Validate(ctx context.Context, token, operation, fileType string) (*Decision, error) {
	if token == "" {
		return &Decision{Allowed: false, Reason: "токен не передан"}, nil
	}

	payload, err := json.Marshal(validateRequest{Operation: operation, FileType: fileType})
	if err != nil {
		return nil, fmt.Errorf("кодирование запроса Validate: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/capabilities/validate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("создание запроса Validate: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden, http.StatusUnauthorized:
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: статус %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &Decision{Allowed: false, Reason: http.StatusText(resp.StatusCode)}, nil
		}
		return nil, fmt.Errorf("декодирование ответа Validate: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		decision.Allowed = false
	}

	c.logger.Debug("Токен проверен",
		slog.String("operation", operation),
		slog.Bool("allowed", decision.Allowed),
	)
	return &decision, nil
}

// AllowAll — валидатор без внешнего сервиса: разрешает всё без лимита размера.
type AllowAll struct{}

// Validate всегда разрешает операцию.
func (AllowAll) Validate(context.Context, string, string, string) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}
