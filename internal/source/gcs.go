package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSOptions configures a Google Cloud Storage feed.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string
	Anonymous       bool
}

// GCSBackend reads feed objects from a GCS bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSBackend(ctx context.Context, opts GCSOptions) (*GCSBackend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("gcs source requires a bucket")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.Anonymous {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBackend{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (b *GCSBackend) String() string { return "gs://" + path.Join(b.bucket, b.prefix) }

// Open streams one object.
func (b *GCSBackend) Open(ctx context.Context, ref string, _ FetchOptions) (io.ReadCloser, int64, error) {
	name := ref
	if b.prefix != "" {
		name = path.Join(b.prefix, ref)
	}
	r, err := b.client.Bucket(b.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, 0, fmt.Errorf("gcs read %s: %w", ref, err)
	}
	return r, r.Attrs.Size, nil
}

// Close releases the underlying client.
func (b *GCSBackend) Close() error { return b.client.Close() }
