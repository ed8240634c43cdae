package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"idealista_collector/models"
)

// Archiver stores the unmodified upstream response for each fetched page, plus
// per-run metadata, for replay and audit. Write-once: nothing is read back or
// deleted by the collector.
type Archiver interface {
	ArchivePage(ctx context.Context, jobType models.ScanMode, day time.Time, page int, payload []byte) error
	ArchiveMetadata(ctx context.Context, jobType models.ScanMode, day time.Time, payload []byte) error
}

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, etc.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver writes raw pages to S3-compatible storage under
// raw_responses/YYYY-MM-DD/{job_type}_pN.json.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver creates a new S3-backed archiver
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (a *S3Archiver) ArchivePage(ctx context.Context, jobType models.ScanMode, day time.Time, page int, payload []byte) error {
	return a.put(ctx, pageKey(jobType, day, page), payload)
}

func (a *S3Archiver) ArchiveMetadata(ctx context.Context, jobType models.ScanMode, day time.Time, payload []byte) error {
	return a.put(ctx, metadataKey(jobType, day), payload)
}

func (a *S3Archiver) put(ctx context.Context, key string, payload []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func pageKey(jobType models.ScanMode, day time.Time, page int) string {
	return fmt.Sprintf("raw_responses/%s/%s_p%d.json", day.Format("2006-01-02"), jobType, page)
}

func metadataKey(jobType models.ScanMode, day time.Time) string {
	return fmt.Sprintf("raw_responses/%s/%s_meta.json", day.Format("2006-01-02"), jobType)
}
