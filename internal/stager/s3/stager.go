// Package s3 provides an S3-compatible object storage stager.
// Chunks are staged as temporary objects under a session-scoped prefix and
// assembled into the final object with a server-side multipart copy, so chunk
// bytes never flow through this process twice.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/demasj/upload-app/internal/stager"
)

const (
	// maxAttempts is how many times a transient stage or commit failure is
	// retried before the error is surfaced to the caller.
	maxAttempts = 3

	// initialRetryDelay is the delay before the first retry; it doubles on
	// each subsequent attempt.
	initialRetryDelay = 1 * time.Second
)

// Config holds S3 stager settings.
type Config struct {
	// Endpoint is a custom endpoint URL for S3-compatible services
	// (MinIO, DigitalOcean Spaces). Empty means real AWS S3.
	Endpoint string

	// Region is the bucket region.
	Region string

	// Bucket is the bucket holding staged parts and final objects.
	Bucket string

	// AccessKeyID and SecretAccessKey are static credentials. Empty values
	// fall back to the SDK's default credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible services.
	UsePathStyle bool
}

// Stager implements stager.Stager against an S3-compatible bucket.
type Stager struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

// New creates an S3 stager.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Stager, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Msg("S3 stager initialized")

	return &Stager{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With().Str("stager", "s3").Logger(),
	}, nil
}

// StagePart uploads the chunk as a temporary object. The object key is
// derived from (sessionID, index), so re-delivery of the same chunk
// overwrites the same staged object.
func (s *Stager) StagePart(ctx context.Context, sessionID string, index int, data []byte) (string, error) {
	partRef := stager.PartID(sessionID, index)
	key := s.stagingKey(sessionID, partRef)

	err := s.withRetry(ctx, "stage part", func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to stage part %s: %w", partRef, err)
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", index).
		Int("size", len(data)).
		Msg("part staged")

	return partRef, nil
}

// Commit assembles the final object from the staged parts via a multipart
// copy in the given order, then deletes the staged objects best-effort.
func (s *Stager) Commit(ctx context.Context, sessionID string, partRefs []string) (string, error) {
	objectKey := s.objectKey(sessionID)

	var uploadID string
	err := s.withRetry(ctx, "create multipart upload", func() error {
		out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to begin commit: %w", err)
	}

	completed := make([]types.CompletedPart, 0, len(partRefs))
	for i, ref := range partRefs {
		partNumber := int32(i + 1)
		source := s.bucket + "/" + s.stagingKey(sessionID, ref)

		var etag *string
		err := s.withRetry(ctx, "copy part", func() error {
			out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(objectKey),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(partNumber),
				CopySource: aws.String(source),
			})
			if err != nil {
				return err
			}
			etag = out.CopyPartResult.ETag
			return nil
		})
		if err != nil {
			s.abort(ctx, objectKey, uploadID)
			return "", fmt.Errorf("failed to copy part %s: %w", ref, err)
		}

		completed = append(completed, types.CompletedPart{
			ETag:       etag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	err = s.withRetry(ctx, "complete multipart upload", func() error {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(objectKey),
			UploadId: aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		return err
	})
	if err != nil {
		s.abort(ctx, objectKey, uploadID)
		return "", fmt.Errorf("failed to commit object: %w", err)
	}

	// The final object exists; staged parts are garbage from here on.
	for _, ref := range partRefs {
		if err := s.ReleasePart(ctx, sessionID, ref); err != nil {
			s.logger.Warn().Err(err).Str("part_ref", ref).Msg("failed to delete staged part after commit")
		}
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("key", objectKey).
		Int("parts", len(partRefs)).
		Msg("object committed")

	return objectKey, nil
}

// ReleasePart deletes one staged object.
func (s *Stager) ReleasePart(ctx context.Context, sessionID string, partRef string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.stagingKey(sessionID, partRef)),
	})
	if err != nil {
		return fmt.Errorf("failed to release staged part %s: %w", partRef, err)
	}
	return nil
}

// abort cancels an in-progress multipart assembly so the bucket does not
// accumulate orphaned upload state.
func (s *Stager) abort(ctx context.Context, objectKey, uploadID string) {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectKey),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", objectKey).Msg("failed to abort multipart assembly")
	}
}

// withRetry runs fn up to maxAttempts times with exponential backoff.
func (s *Stager) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := initialRetryDelay

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		s.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("transient storage failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// stagingKey returns the temporary object key for a staged part.
func (s *Stager) stagingKey(sessionID, partRef string) string {
	return "staging/" + sessionID + "/" + partRef
}

// objectKey returns the final object key for a session. The session ID, not
// the caller-supplied filename, names the object.
func (s *Stager) objectKey(sessionID string) string {
	return "objects/" + sessionID
}

// Ensure Stager implements stager.Stager.
var _ stager.Stager = (*Stager)(nil)
