package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/Backblaze/blazer/b2"
)

// B2Options configures a Backblaze B2 feed.
type B2Options struct {
	AccountID string
	AppKey    string
	Bucket    string
	Prefix    string
}

// B2Backend reads feed objects from a B2 bucket.
type B2Backend struct {
	bucket *b2.Bucket
	name   string
	prefix string
}

func NewB2Backend(ctx context.Context, opts B2Options) (*B2Backend, error) {
	if opts.Bucket == "" || opts.AccountID == "" || opts.AppKey == "" {
		return nil, errors.New("b2 source requires account id, application key and bucket")
	}
	client, err := b2.NewClient(ctx, opts.AccountID, opts.AppKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", opts.Bucket, err)
	}
	return &B2Backend{bucket: bucket, name: opts.Bucket, prefix: opts.Prefix}, nil
}

func (b *B2Backend) String() string { return "b2://" + path.Join(b.name, b.prefix) }

// Open streams one object.
func (b *B2Backend) Open(ctx context.Context, ref string, _ FetchOptions) (io.ReadCloser, int64, error) {
	name := ref
	if b.prefix != "" {
		name = path.Join(b.prefix, ref)
	}
	obj := b.bucket.Object(name)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if b2.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, 0, fmt.Errorf("b2 stat %s: %w", ref, err)
	}
	r := obj.NewReader(ctx)
	return r, attrs.Size, nil
}
