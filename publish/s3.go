package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kjk/archiveproxy/atomicfile"
	"github.com/kjk/archiveproxy/u"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Access   string
	Secret   string
	Endpoint string
	Region   string
	// use http instead of https, for local minio
	Insecure     bool
	RequestTrace io.Writer
}

// S3ConfigFromEnv reads S3_ENDPOINT, S3_ACCESS_KEY, S3_SECRET_KEY, S3_REGION
// and S3_INSECURE
func S3ConfigFromEnv() *S3Config {
	return &S3Config{
		Access:   os.Getenv("S3_ACCESS_KEY"),
		Secret:   os.Getenv("S3_SECRET_KEY"),
		Endpoint: os.Getenv("S3_ENDPOINT"),
		Region:   os.Getenv("S3_REGION"),
		Insecure: os.Getenv("S3_INSECURE") == "1",
	}
}

func (c *S3Config) validate() error {
	if c.Access == "" || c.Secret == "" || c.Endpoint == "" {
		return errors.New("s3: must provide access key, secret key and endpoint (S3_ACCESS_KEY, S3_SECRET_KEY, S3_ENDPOINT)")
	}
	return nil
}

// S3 is a client for a single bucket
type S3 struct {
	Client *minio.Client
	Bucket string
}

// NewS3 creates a client and checks the bucket exists
func NewS3(ctx context.Context, cfg *S3Config, bucket string) (*S3, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Region: cfg.Region,
		Secure: !cfg.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if cfg.RequestTrace != nil {
		mc.TraceOn(cfg.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", bucket)
	}
	return &S3{
		Client: mc,
		Bucket: bucket,
	}, nil
}

// Size returns size of the object
func (c *S3) Size(ctx context.Context, remotePath string) (int64, error) {
	info, err := c.Client.StatObject(ctx, c.Bucket, remotePath, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (c *S3) UploadFile(ctx context.Context, remotePath string, path string) error {
	opts := minio.PutObjectOptions{
		ContentType: contentTypeForUpload(remotePath),
	}
	_, err := c.Client.FPutObject(ctx, c.Bucket, remotePath, path, opts)
	return err
}

// contentTypeForUpload returns content type for bundles.
// Compressed bundles are opaque
func contentTypeForUpload(remotePath string) string {
	if u.IsCompressedPath(remotePath) {
		return "application/octet-stream"
	}
	if ct := u.MimeTypeFromFileName(remotePath); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (c *S3) DownloadFileAtomically(ctx context.Context, dstPath string, remotePath string) error {
	obj, err := c.Client.GetObject(ctx, c.Bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	// ensure there's a dir for destination file
	if err = os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	f, err := atomicfile.New(dstPath)
	if err != nil {
		return err
	}
	defer f.RemoveIfNotClosed()
	if _, err = io.Copy(f, obj); err != nil {
		return err
	}
	return f.Close()
}
