// Package archive uploads completed job reports to S3-compatible storage.
// Cloudflare R2 is the primary target; any S3 endpoint works. The archiver
// is optional: when the configuration is incomplete the container leaves it
// nil and the maintenance sweep skips archival.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/astrolabe/internal/config"
	"github.com/aristath/astrolabe/internal/modules/pipeline"
)

const jobKeyFolder = "jobs"

// uploadAPI is the slice of manager.Uploader the archiver uses.
type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver writes job reports to a bucket under <prefix>/jobs/<id>.msgpack.
type Archiver struct {
	uploader uploadAPI
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// New builds an archiver from the archive configuration. The endpoint is
// optional: empty means plain AWS S3, otherwise it points at an
// S3-compatible service such as R2.
func New(ctx context.Context, cfg config.ArchiveConfig, log zerolog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("archive credentials not configured")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build archive client config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		log:      log.With().Str("service", "archive").Logger(),
	}, nil
}

// ArchiveJob uploads the job report. The key embeds the job id, so
// re-archiving the same job overwrites the previous object.
func (a *Archiver) ArchiveJob(ctx context.Context, job *pipeline.Job) error {
	data, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s for archival: %w", job.ID, err)
	}

	key := a.jobKey(job.ID)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/msgpack"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload job %s: %w", job.ID, err)
	}

	a.log.Info().
		Str("job_id", job.ID).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Job archived")
	return nil
}

func (a *Archiver) jobKey(jobID string) string {
	return path.Join(a.prefix, jobKeyFolder, jobID+".msgpack")
}
