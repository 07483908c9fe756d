// Package s3 stores raw bulk payloads in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Option configures a Sink.
type Option func(s *Sink)

// OptEndpoint points the client at an S3-compatible endpoint (MinIO,
// localstack) with path-style addressing.
func OptEndpoint(endpoint string) Option {
	return func(s *Sink) {
		s.endpoint = endpoint
	}
}

// OptClient replaces the S3 client, e.g. with a stub in tests.
func OptClient(client s3iface.S3API) Option {
	return func(s *Sink) {
		s.client = client
	}
}

// Sink writes objects to one bucket.
// It implements pipeline.BackupSink.
type Sink struct {
	bucket   string
	region   string
	endpoint string

	client s3iface.S3API
	logger *slog.Logger
}

// NewSink creates a Sink for bucket. Credentials come from the default AWS
// provider chain.
func NewSink(region, bucket string, logger *slog.Logger, opts ...Option) (*Sink, error) {
	s := &Sink{bucket: bucket, region: region, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil {
		return s, nil
	}

	cfg := &aws.Config{Region: aws.String(s.region)}
	if s.endpoint != "" {
		cfg.Endpoint = aws.String(s.endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	s.client = s3.New(sess)
	return s, nil
}

// Put uploads data under name.
func (s *Sink) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(name),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(name)),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, name, err)
	}
	s.logger.Debug("backup stored", "bucket", s.bucket, "object", name, "bytes", len(data))
	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".gz":
		return "application/gzip"
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".csv":
		return "text/csv"
	}
	return "application/octet-stream"
}
