// Package s3store implements imagestore.Gateway on top of an S3 compatible bucket.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/onnwee/live-banner/imagestore"
)

// Client is the subset of *s3.Client used by Store.
type Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Options configures the S3 client. Empty fields fall back to the SDK's
// default credential and region chain.
type Options struct {
	Region string
	// Endpoint overrides the service endpoint (MinIO, LocalStack) and switches
	// to path-style addressing.
	Endpoint string
}

// Store is an S3 backed gateway. Payloads are stored as their base64 text.
type Store struct {
	client Client
}

// NewStore loads the default AWS config and creates an S3 backed store.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(c Client) *Store {
	return &Store{client: c}
}

// objectKey rejects keys that would escape the single-object-per-user layout.
func objectKey(key string) (string, error) {
	if key == "" || key == "." || key == ".." || path.Base(key) != key {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return key, nil
}

// Get fetches bucket/key.
func (s *Store) Get(ctx context.Context, bucket, key string) (imagestore.Payload, error) {
	k, err := objectKey(key)
	if err != nil {
		return "", err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s/%s", imagestore.ErrNotFound, bucket, k)
		}
		return "", unavailable("get", bucket, k, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close object body", slog.Any("err", err), slog.String("component", "imagestore_s3"))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, imagestore.MaxPayloadBytes+1))
	if err != nil {
		return "", unavailable("read", bucket, k, err)
	}
	if len(data) > imagestore.MaxPayloadBytes {
		return "", fmt.Errorf("%w: %s/%s is larger than %d bytes", imagestore.ErrInvalidImagePayload, bucket, k, imagestore.MaxPayloadBytes)
	}
	return imagestore.Payload(strings.TrimSpace(string(data))), nil
}

// Put validates p and overwrites bucket/key.
func (s *Store) Put(ctx context.Context, bucket, key string, p imagestore.Payload) error {
	k, err := objectKey(key)
	if err != nil {
		return err
	}
	if err := imagestore.ValidatePayload(p); err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader([]byte(p)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return unavailable("put", bucket, k, err)
	}
	return nil
}

// Delete removes bucket/key. S3 treats deleting a missing key as success.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	k, err := objectKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(k),
	}); err != nil {
		return unavailable("delete", bucket, k, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func unavailable(op, bucket, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s %s/%s: %v", imagestore.ErrStoreUnavailable, op, bucket, key, err)
}
