package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/eunmann/ctvol/pkg/fileutil"
)

// ErrNotFound is returned when a remote object does not exist.
var ErrNotFound = errors.New("object not found")

// API is the subset of the S3 client used by the transfer managers.
type API interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
}

// TransferConfig configures the S3 transfer managers.
type TransferConfig struct {
	// Concurrency is the number of parts moved in parallel per object and
	// the number of objects moved in parallel per dataset.
	// Default: max(4, NumCPU), at most 16.
	Concurrency int

	// PartSize is the size of each transfer part in bytes.
	// Default: 16MB. Higher values use more memory but may improve throughput.
	PartSize int64
}

// DefaultTransferConfig returns defaults based on the current machine.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		Concurrency: min(max(runtime.NumCPU(), 4), 16),
		PartSize:    16 * 1024 * 1024,
	}
}

func (c TransferConfig) withDefaults() TransferConfig {
	def := DefaultTransferConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PartSize <= 0 {
		c.PartSize = def.PartSize
	}
	return c
}

// Client moves single objects between S3 and local files.
type Client struct {
	api        API
	cfg        TransferConfig
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// NewClient creates a client from the default AWS configuration. A non-empty
// region overrides the configured one.
func NewClient(ctx context.Context, region string, cfg TransferConfig) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithAPI(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewClientWithAPI creates a client over an existing S3 API.
func NewClientWithAPI(api API, cfg TransferConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		api: api,
		cfg: cfg,
		downloader: manager.NewDownloader(api, func(d *manager.Downloader) {
			d.Concurrency = cfg.Concurrency
			d.PartSize = cfg.PartSize
			d.BufferProvider = manager.NewPooledBufferedWriterReadFromProvider(int(cfg.PartSize))
		}),
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.Concurrency = cfg.Concurrency
			u.PartSize = max(cfg.PartSize, manager.MinUploadPartSize)
		}),
	}
}

// Config returns the transfer configuration.
func (c *Client) Config() TransferConfig {
	return c.cfg
}

// TransferResult describes one completed object transfer.
type TransferResult struct {
	Key      string
	Path     string
	Bytes    int64
	Duration time.Duration
}

// DownloadFile downloads bucket/key to destPath through a tmp file, so an
// interrupted download never leaves a partial file under the final name.
// A missing object returns ErrNotFound.
func (c *Client) DownloadFile(ctx context.Context, bucket, key, destPath string) (*TransferResult, error) {
	start := time.Now()
	var n int64
	err := fileutil.WriteTmpThenMove(destPath, func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return fmt.Errorf("create destination file: %w", err)
		}
		n, err = c.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		closeErr := f.Close()
		if err != nil {
			return err
		}
		return closeErr
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return &TransferResult{Key: key, Path: destPath, Bytes: n, Duration: time.Since(start)}, nil
}

// UploadFile uploads srcPath to bucket/key.
func (c *Client) UploadFile(ctx context.Context, srcPath, bucket, key string) (*TransferResult, error) {
	start := time.Now()
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return nil, fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}
	return &TransferResult{Key: key, Path: srcPath, Bytes: info.Size(), Duration: time.Since(start)}, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
