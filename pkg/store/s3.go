package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/imagereg/imaged/pkg/errors"
)

// S3Backend stores image content in an S3 bucket, one object per image id.
// Locations take the form s3://<bucket>/<id>.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates an S3-backed store for the given bucket.
func NewS3Backend(ctx context.Context, bucket, region string) (*S3Backend, error) {
	slog.Info("s3_store_init", "bucket", bucket, "region", region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Backend{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

func (b *S3Backend) Scheme() string {
	return "s3"
}

// Add spools the stream to a temporary file while hashing, then uploads the
// spool. S3 needs the content length before the PUT, so the object cannot be
// streamed through directly.
func (b *S3Backend) Add(ctx context.Context, id string, data io.Reader, declaredSize int64) (string, int64, string, error) {
	spool, err := os.CreateTemp("", "imaged-s3-*")
	if err != nil {
		return "", 0, "", errors.Wrap(err, "failed to create spool file")
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hash), data)
	if err != nil {
		slog.Error("s3_spool_failed", "image_id", id, "error", err)
		return "", 0, "", errors.Wrap(err, "failed to spool upload")
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", 0, "", errors.Wrap(err, "failed to rewind spool")
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(id),
		Body:          spool,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "image_id", id, "error", err)
		return "", 0, "", mapS3Error(err, "failed to put object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	location := fmt.Sprintf("s3://%s/%s", b.bucket, id)

	slog.Info("s3_store_object_added", "image_id", id, "size", size, "checksum", checksum)
	return location, size, checksum, nil
}

func (b *S3Backend) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	key, err := b.key(location)
	if err != nil {
		return nil, 0, err
	}
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "key", key, "error", err)
		return nil, 0, mapS3Error(err, "failed to get object")
	}
	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

func (b *S3Backend) Size(ctx context.Context, location string) (int64, error) {
	key, err := b.key(location)
	if err != nil {
		return 0, err
	}
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, mapS3Error(err, "failed to head object")
	}
	if result.ContentLength == nil {
		return 0, nil
	}
	return *result.ContentLength, nil
}

func (b *S3Backend) Delete(ctx context.Context, location string) error {
	key, err := b.key(location)
	if err != nil {
		return err
	}
	// HeadObject first: S3 DeleteObject succeeds on missing keys, but the
	// contract reports NotFound for an already-gone object.
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return mapS3Error(err, "failed to head object")
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		slog.Error("s3_delete_object_failed", "key", key, "error", err)
		return mapS3Error(err, "failed to delete object")
	}
	return nil
}

func (b *S3Backend) key(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "s3" {
		return "", errors.Wrapf(errors.ErrInvalid, "not an s3 location: %q", location)
	}
	if u.Host != b.bucket {
		return "", errors.Wrapf(errors.ErrInvalid, "location bucket %q does not match store bucket %q", u.Host, b.bucket)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func mapS3Error(err error, context string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"),
		strings.Contains(msg, "StatusCode: 404"):
		return errors.Wrap(errors.ErrNotFound, context)
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "StatusCode: 403"):
		return errors.Wrap(errors.ErrStorageWriteDenied, context)
	default:
		return errors.Wrap(err, context)
	}
}
