package artifact

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
	contentType     string
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		useSSL:      false,
		contentType: "application/octet-stream",
	}

	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// MinioStore keeps artifacts in an S3 compatible bucket.
type MinioStore struct {
	cfg    *minioConfig
	client *minio.Client
}

var _ Store = (*MinioStore)(nil)

func NewMinioStore(opts ...MinioOpts) (*MinioStore, error) {
	cfg := newConfig(opts...)
	if cfg.endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if cfg.bucket == "" {
		return nil, errors.New("minio bucket is required")
	}

	minioClient, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create minio client")
	}

	return &MinioStore{cfg: cfg, client: minioClient}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.bucket)
	if err != nil {
		return errors.Wrapf(err, "failed to check bucket %q", m.cfg.bucket)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.cfg.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrapf(err, "failed to create bucket %q", m.cfg.bucket)
	}
	return nil
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64) (*Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	info, err := m.client.PutObject(ctx, m.cfg.bucket, k, r, size, minio.PutObjectOptions{ContentType: m.cfg.contentType})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to upload %q", k)
	}
	if size >= 0 && info.Size != size {
		return nil, errors.Errorf("failed to upload %q: expected %d bytes, uploaded %d", k, size, info.Size)
	}

	zap.S().Named("artifact").Debugw("artifact uploaded", "bucket", m.cfg.bucket, "key", k, "size", info.Size, "etag", info.ETag)

	return &Object{
		LocationPath: k,
		URI:          m.uri(k),
		Size:         info.Size,
	}, nil
}

func (m *MinioStore) Delete(ctx context.Context, locationPath string) error {
	k, err := cleanKey(locationPath)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.cfg.bucket, k, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrapf(err, "failed to delete %q", k)
	}
	return nil
}

func (m *MinioStore) Type() string {
	return "minio"
}

func (m *MinioStore) uri(key string) string {
	return fmt.Sprintf("%s/%s/%s", m.client.EndpointURL().String(), m.cfg.bucket, key)
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}

func WithContentType(contentType string) MinioOpts {
	return func(c *minioConfig) {
		c.contentType = contentType
	}
}
