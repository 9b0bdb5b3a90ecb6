// Package archive keeps a raw copy of every downloaded bulk read result in S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rs/zerolog"
)

// Archiver stores the payloads of one run.
type Archiver interface {
	Archive(ctx context.Context, module, runID string, payloads []extract.Payload) int
}

// Config holds S3 archive configuration.
type Config struct {
	Bucket string
	Region string
	Prefix string

	Logger *zerolog.Logger
}

// S3Archiver uploads payloads as zip objects.
type S3Archiver struct {
	api    s3iface.S3API
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3Archiver creates an archiver using the default AWS credential chain.
func NewS3Archiver(cfg Config) (*S3Archiver, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	awsConfig := aws.NewConfig().WithRegion(cfg.Region)
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return NewS3ArchiverWithAPI(s3.New(sess), cfg)
}

// NewS3ArchiverWithAPI creates an archiver on an existing S3 client.
func NewS3ArchiverWithAPI(api s3iface.S3API, cfg Config) (*S3Archiver, error) {
	if api == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	logger := logging.NewLogger(logging.ComponentArchive)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &S3Archiver{
		api:    api,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With().Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Key returns the object key of a payload.
func (a *S3Archiver) Key(module, runID string, p extract.Payload) string {
	name := fmt.Sprintf("page-%d-%s.zip", p.Seq, p.JobID)
	if a.prefix == "" {
		return path.Join(module, runID, name)
	}
	return path.Join(a.prefix, module, runID, name)
}

// Archive uploads every payload and returns how many were stored. Upload
// errors are logged and never stop the run.
func (a *S3Archiver) Archive(ctx context.Context, module, runID string, payloads []extract.Payload) int {
	stored := 0
	for _, p := range payloads {
		key := a.Key(module, runID, p)

		_, err := a.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(p.Data),
			ContentType: aws.String("application/zip"),
		})
		if err != nil {
			archiveUploadsTotal.WithLabelValues("error").Inc()
			a.logger.Warn().
				Err(err).
				Str("job_id", p.JobID).
				Str("key", key).
				Msg("Archive upload failed")
			continue
		}

		archiveUploadsTotal.WithLabelValues("success").Inc()
		stored++
		a.logger.Debug().
			Str("job_id", p.JobID).
			Str("key", key).
			Int("bytes", len(p.Data)).
			Msg("Payload archived")
	}

	a.logger.Info().
		Str("run_id", runID).
		Int("stored", stored).
		Int("payloads", len(payloads)).
		Msg("Archive finished")
	return stored
}
