package compliance

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"example.com/campaign-payments/pkg/logger"
)

// ObjectPutter — часть S3 API, нужная архиву.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client создаёт S3 клиент. Непустой endpoint — S3-совместимое хранилище с path-style адресацией.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Archiver выгружает CSV отчёты в бакет.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Archiver создаёт архив отчётов.
func NewS3Archiver(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// ObjectKey возвращает ключ объекта: <prefix>/<org>/<from>_<to>.csv.
func (a *S3Archiver) ObjectKey(r *Report) string {
	name := fmt.Sprintf("%s_%s.csv", r.From.UTC().Format("20060102"), r.To.UTC().Format("20060102"))
	return path.Join(a.prefix, r.OrganizationID, name)
}

// Archive выгружает отчёт и возвращает ключ объекта.
func (a *S3Archiver) Archive(ctx context.Context, r *Report) (string, error) {
	data, err := r.CSV()
	if err != nil {
		return "", fmt.Errorf("ошибка формирования CSV: %w", err)
	}

	key := a.ObjectKey(r)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("ошибка выгрузки отчёта в S3: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Отчёт выгружен в S3")
	return key, nil
}
