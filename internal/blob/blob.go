// Package blob stores user-uploaded images in an S3-compatible bucket and
// hands back time-limited read URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"bloomsite/api/internal/logging"
	"bloomsite/api/internal/metrics"
)

// ErrUpload wraps every failure that leaves the object unstored.
var ErrUpload = errors.New("upload failed")

const (
	DefaultAttempts = 3
	URLExpiry       = 7 * 24 * time.Hour
)

// objectClient is the subset of *minio.Client the uploader uses.
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Object is a stored upload.
type Object struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Uploader struct {
	client   objectClient
	bucket   string
	attempts uint
	delay    time.Duration
	newName  func(userID string) string

	mu      sync.Mutex
	ensured bool
	log     zerolog.Logger
}

// New builds an uploader for cfg.Endpoint. A scheme prefix on the endpoint
// overrides UseSSL.
func New(cfg Config) (*Uploader, error) {
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return newUploader(client, cfg.Bucket), nil
}

func newUploader(client objectClient, bucket string) *Uploader {
	if bucket == "" {
		bucket = "images"
	}
	return &Uploader{
		client:   client,
		bucket:   bucket,
		attempts: DefaultAttempts,
		delay:    time.Second,
		newName:  ObjectName,
		log:      logging.Component("blob"),
	}
}

func splitEndpoint(raw string, useSSL bool) (string, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), false
	}
	return strings.TrimSuffix(raw, "/"), useSSL
}

// ObjectName places every upload under the owner's prefix with a random name.
func ObjectName(userID string) string {
	return userID + "/" + uuid.NewString()
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ensured {
		return nil
	}
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		u.log.Info().Str("bucket", u.bucket).Msg("creating bucket")
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}
	u.ensured = true
	return nil
}

// Upload stores body for userID, retrying transient failures with
// exponential backoff, and returns a read URL valid for seven days.
func (u *Uploader) Upload(ctx context.Context, userID string, body io.ReadSeeker, size int64, contentType string) (Object, error) {
	object, err := u.upload(ctx, userID, body, size, contentType)
	metrics.RecordUpload(err == nil)
	return object, err
}

func (u *Uploader) upload(ctx context.Context, userID string, body io.ReadSeeker, size int64, contentType string) (Object, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	name := u.newName(userID)
	err := retry.Do(
		func() error {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rewind upload: %w", err))
			}
			_, err := u.client.PutObject(ctx, u.bucket, name, body, size, minio.PutObjectOptions{ContentType: contentType})
			return err
		},
		retry.Attempts(u.attempts),
		retry.Delay(u.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			u.log.Warn().Err(err).Str("object", name).Uint("attempt", n+1).Msg("upload attempt failed")
		}),
	)
	if err != nil {
		u.log.Error().Err(err).Str("object", name).Msg("upload failed")
		return Object{}, fmt.Errorf("%w after %d attempts: %v", ErrUpload, u.attempts, err)
	}

	signed, err := u.client.PresignedGetObject(ctx, u.bucket, name, URLExpiry, nil)
	if err != nil {
		return Object{}, fmt.Errorf("%w: sign url: %v", ErrUpload, err)
	}
	u.log.Info().Str("object", name).Int64("size", size).Msg("upload stored")
	return Object{Name: name, URL: signed.String()}, nil
}
