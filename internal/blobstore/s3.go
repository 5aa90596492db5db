// Пакет blobstore — адаптер S3-совместимого объектного хранилища (RustFS, MinIO, AWS S3)
// на aws-sdk-go-v2. Хранилище считается атомарным только на уровне одного объекта.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"github.com/bigkaa/goartstore/dedup-gateway/internal/domain/model"
)

// Config — параметры подключения к хранилищу.
type Config struct {
	// Endpoint — URL хранилища (http://rustfs:9000); пусто — AWS по региону
	Endpoint string
	Region   string
	// AccessKey/SecretKey — статические ключи; пусто — цепочка credentials SDK
	AccessKey string
	SecretKey string
	// UsePathStyle — адресация bucket в пути (MinIO, RustFS)
	UsePathStyle bool
	// MaxAttempts — попыток на запрос (0 — значение SDK по умолчанию)
	MaxAttempts int
	// PageSize — ключей на страницу листинга (0 — 1000)
	PageSize int32
}

// S3Store — клиент объектного хранилища.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     Config
	logger  *slog.Logger
}

// NewS3Store создаёт клиент хранилища.
func NewS3Store(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3: регион обязателен")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport()}),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: загрузка конфигурации: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "s3_store")),
	}, nil
}

// defaultTransport — клон http.DefaultTransport с увеличенным пулом соединений:
// сверка выполняет много параллельных HEAD-запросов.
func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	return clone
}

// Put записывает объект. size < 0 — длина неизвестна.
func (s *S3Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3: запись %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Exists проверяет наличие объекта через HeadObject.
// 404 (NoSuchKey/NotFound) — false без ошибки.
func (s *S3Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3: проверка %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// BucketExists проверяет наличие bucket через HeadBucket.
func (s *S3Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3: проверка bucket %s: %w", bucket, err)
	}
	return true, nil
}

// List перечисляет объекты bucket (постранично через ContinuationToken)
// и вызывает fn для каждого. Ошибка fn прерывает листинг.
func (s *S3Store) List(ctx context.Context, bucket, prefix string, fn func(model.ObjectInfo) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(s.cfg.PageSize),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	for {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("s3: листинг %s: %w", bucket, err)
		}
		for _, obj := range resp.Contents {
			info := model.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				Checksum:     stripETag(aws.ToString(obj.ETag)),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
		if !aws.ToBool(resp.IsTruncated) || aws.ToString(resp.NextContinuationToken) == "" {
			return nil
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
}

// Delete удаляет объект. Отсутствующий объект не считается ошибкой.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: удаление %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignPut возвращает pre-signed URL для прямой загрузки объекта клиентом.
func (s *S3Store) PresignPut(ctx context.Context, bucket, key, contentType string, ttl time.Duration) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3: подпись URL %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// stripETag убирает кавычки вокруг ETag.
func stripETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// httpStatusCode извлекает HTTP-статус из ошибки SDK.
func httpStatusCode(err error) (int, bool) {
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

// isNotFound — объект или bucket отсутствует.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
