// Package archive exports a finished job's artifacts to S3-compatible
// storage. Archival is optional and best-effort: a failed upload never
// changes the job's terminal state.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/pkg/jobstore"
)

// Config configures the artifact uploader.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are provided. For S3-compatible stores (MinIO, Wasabi), set
// Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the destination bucket (required when archival is enabled).
	Bucket string

	// Prefix is prepended to every uploaded key, e.g. "pipeboard/artifacts".
	Prefix string

	// Region is the AWS region. Optional; the SDK chain may supply it.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// AccessKeyID / SecretAccessKey are explicit credentials. Both or neither.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("archive config: bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("archive config: access key id and secret must be provided together")
	}
	return nil
}

// ArchiveError wraps an upload failure with operation context.
type ArchiveError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *ArchiveError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s: s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s: s3://%s: %v", e.Op, e.Bucket, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// Throttled reports whether the failure was a provider rate limit.
func (e *ArchiveError) Throttled() bool {
	var apiErr smithy.APIError
	if errors.As(e.Err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return true
		}
	}
	return false
}

// Uploader copies artifact trees to a bucket.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New builds an Uploader from config, using the SDK default credential
// chain unless explicit credentials are set.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &ArchiveError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// Archive uploads every regular file under the job's artifacts directory to
// <prefix>/<job_id>/<relative path>. An empty artifacts tree is not an
// error.
func (u *Uploader) Archive(ctx context.Context, job *jobstore.Job) error {
	root := job.ArtifactsDir
	if root == "" {
		return nil
	}

	uploaded := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := u.keyFor(job.ID, rel)

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		if err != nil {
			return &ArchiveError{Op: "PutObject", Bucket: u.bucket, Key: key, Err: err}
		}
		uploaded++
		return nil
	})
	if err != nil {
		return err
	}

	u.logger.Info("artifacts archived",
		zap.String("job_id", job.ID),
		zap.String("bucket", u.bucket),
		zap.Int("files", uploaded))
	return nil
}

func (u *Uploader) keyFor(jobID, rel string) string {
	key := path.Join(jobID, filepath.ToSlash(rel))
	if u.prefix != "" {
		key = path.Join(u.prefix, key)
	}
	return key
}
