package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures an S3 (or S3-compatible) feed.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	Concurrency     int
}

// S3Backend reads feed objects from a bucket. Package downloads use ranged
// parallel GETs through the transfer manager.
type S3Backend struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Backend loads the default AWS credential chain unless static keys are
// supplied.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 source requires a bucket")
	}
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if opts.Concurrency > 0 {
			d.Concurrency = opts.Concurrency
		}
	})
	return &S3Backend{client: client, downloader: downloader, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (b *S3Backend) String() string { return "s3://" + path.Join(b.bucket, b.prefix) }

func (b *S3Backend) key(ref string) string {
	if b.prefix == "" {
		return ref
	}
	return path.Join(b.prefix, ref)
}

func (b *S3Backend) mapErr(ref string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return fmt.Errorf("s3 get %s: %w", ref, err)
}

// Open streams one object.
func (b *S3Backend) Open(ctx context.Context, ref string, _ FetchOptions) (io.ReadCloser, int64, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref)),
	})
	if err != nil {
		return nil, 0, b.mapErr(ref, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// DownloadTo fetches ref with parallel ranged requests.
func (b *S3Backend) DownloadTo(ctx context.Context, ref string, w io.WriterAt, onProgress ProgressFunc) (int64, error) {
	total := int64(-1)
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref)),
	})
	if err != nil {
		return 0, b.mapErr(ref, err)
	}
	if head.ContentLength != nil {
		total = *head.ContentLength
	}
	pw := &progressWriterAt{w: w, total: total, onProgress: onProgress}
	n, err := b.downloader.Download(ctx, pw, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(ref)),
	})
	if err != nil {
		return n, b.mapErr(ref, err)
	}
	return n, nil
}
