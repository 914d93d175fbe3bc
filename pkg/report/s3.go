package report

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/conformoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultPrefix = "conformoor"

// Uploader publishes exported artifacts to remote storage.
type Uploader interface {
	// Preflight writes a small test object to fail fast on
	// misconfiguration.
	Preflight(ctx context.Context) error

	// UploadFile uploads localPath from fs under the configured prefix as
	// name.
	UploadFile(ctx context.Context, fs afero.Fs, localPath, name string) error
}

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3Config,
) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client := s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = "us-east-1"
		if cfg.Region != "" {
			o.Region = cfg.Region
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: client,
	}, nil
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("conformoor write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(u.key(".conformoor-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

func (u *s3Uploader) UploadFile(ctx context.Context, fs afero.Fs, localPath, name string) error {
	f, err := fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	key := u.key(name)

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": u.cfg.Bucket,
	}).Debug("Uploading file")

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.cfg.Bucket),
		Key:          aws.String(key),
		Body:         f,
		ContentType:  aws.String(detectContentType(localPath)),
		CacheControl: aws.String("no-cache"),
	}); err != nil {
		return fmt.Errorf("PutObject %s: %w", key, err)
	}

	return nil
}

// key joins name onto the configured prefix.
func (u *s3Uploader) key(name string) string {
	prefix := strings.Trim(u.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return path.Join(prefix, name)
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(p string) string {
	ct := mime.TypeByExtension(filepath.Ext(p))
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
