// Пакет s3store: хранилище артефактов в S3-совместимом сервисе (AWS S3, MinIO).
// Контейнер соответствует bucket, создаваемому с политикой публичного чтения.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Config: параметры подключения к S3.
type Config struct {
	// Endpoint: адрес S3-совместимого сервиса; пусто для AWS
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	// PathStyle: адресация bucket в пути (MinIO)
	PathStyle bool
	// PublicURL: базовый адрес публичных ссылок; пусто: вычисляется
	PublicURL string
	// Timeout: таймаут служебного запроса (HEAD, создание bucket, удаление)
	Timeout time.Duration
	// UploadTimeout: таймаут загрузки одного объекта
	UploadTimeout time.Duration
}

// Client: ObjectStorage поверх aws-sdk-go-v2.
type Client struct {
	s3     *s3.Client
	cfg    Config
	logger *slog.Logger
}

// New создаёт клиента S3.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 60 * time.Minute
	}

	awsCfg, err := buildAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Client{
		s3:     client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "s3store")),
	}, nil
}

// EnsureContainer создаёт bucket, если его нет, и открывает его на чтение.
// Политика существующего bucket не меняется.
func (c *Client) EnsureContainer(ctx context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !isNotFoundError(err) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	c.logger.Info("Bucket не найден, создаём", slog.String("bucket", bucket))
	// BucketAlreadyOwnedByYou (гонка с другим экземпляром) тоже ведёт к публикации
	if err := c.createBucket(ctx, bucket); err != nil {
		return err
	}
	return c.makePublic(ctx, bucket)
}

// makePublic снимает Block Public Access (в AWS включён для новых bucket)
// и назначает политику анонимного чтения.
func (c *Client) makePublic(ctx context.Context, bucket string) error {
	_, err := c.s3.DeletePublicAccessBlock(ctx, &s3.DeletePublicAccessBlockInput{Bucket: aws.String(bucket)})
	if err != nil && !isUnsupportedError(err) {
		return fmt.Errorf("failed to remove public access block: %w", err)
	}

	_, err = c.s3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(publicReadPolicy(bucket)),
	})
	if err != nil {
		return fmt.Errorf("failed to set public read policy: %w", err)
	}
	return nil
}

func (c *Client) createBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if c.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(c.cfg.Region),
		}
	}

	_, err := c.s3.CreateBucket(ctx, input)
	if err != nil {
		var bae *s3types.BucketAlreadyExists
		var baoyb *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &bae) || errors.As(err, &baoyb) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Exists проверяет наличие объекта (HeadObject).
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Put загружает объект.
func (c *Client) Put(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	c.logger.Debug("Объект загружен",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int64("size", size),
	)
	return nil
}

// Delete удаляет объект. Отсутствие объекта ошибкой не является.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// PublicURI возвращает адрес объекта для анонимного чтения.
func (c *Client) PublicURI(bucket, key string) string {
	escaped := escapeKey(key)
	switch {
	case c.cfg.PublicURL != "":
		return strings.TrimRight(c.cfg.PublicURL, "/") + "/" + bucket + "/" + escaped
	case c.cfg.Endpoint != "" && c.cfg.PathStyle:
		return strings.TrimRight(c.cfg.Endpoint, "/") + "/" + bucket + "/" + escaped
	case c.cfg.Endpoint != "":
		u, err := url.Parse(c.cfg.Endpoint)
		if err != nil || u.Host == "" {
			return strings.TrimRight(c.cfg.Endpoint, "/") + "/" + bucket + "/" + escaped
		}
		u.Host = bucket + "." + u.Host
		return strings.TrimRight(u.String(), "/") + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, c.cfg.Region, escaped)
	}
}

// CheckReady проверяет доступность S3 запросом HeadBucket.
func (c *Client) CheckReady(ctx context.Context, bucket string) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("s3 недоступен: %w", err)
	}
	return nil
}

// buildAWSConfig собирает конфигурацию SDK: регион и статические ключи.
// Таймауты задаются контекстом каждой операции.
func buildAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, optFns...)
}

// publicReadPolicy: политика анонимного чтения объектов bucket.
func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// isUnsupportedError распознаёт отказ S3-совместимого сервиса (MinIO)
// от операций Block Public Access, а также отсутствие настройки.
func isUnsupportedError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotImplemented", "NoSuchPublicAccessBlockConfiguration":
			return true
		}
	}
	var statusErr interface{ HTTPStatusCode() int }
	return errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusNotImplemented
}

// isNotFoundError распознаёт ответы «объект/bucket не найден».
func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
