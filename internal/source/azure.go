package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureOptions configures an Azure Blob Storage feed. Either a connection
// string or a service URL (optionally carrying a SAS token) is required.
type AzureOptions struct {
	ServiceURL       string
	ConnectionString string
	Container        string
	Prefix           string
}

// AzureBackend reads feed objects from a blob container.
type AzureBackend struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureBackend(opts AzureOptions) (*AzureBackend, error) {
	if opts.Container == "" {
		return nil, errors.New("azure source requires a container")
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.ServiceURL != "":
		client, err = azblob.NewClientWithNoCredential(opts.ServiceURL, nil)
	default:
		return nil, errors.New("azure source requires a connection string or service URL")
	}
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureBackend{client: client, container: opts.Container, prefix: strings.Trim(opts.Prefix, "/")}, nil
}

func (b *AzureBackend) String() string { return "azblob://" + path.Join(b.container, b.prefix) }

// Open streams one blob.
func (b *AzureBackend) Open(ctx context.Context, ref string, _ FetchOptions) (io.ReadCloser, int64, error) {
	name := ref
	if b.prefix != "" {
		name = path.Join(b.prefix, ref)
	}
	resp, err := b.client.DownloadStream(ctx, b.container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, 0, fmt.Errorf("azure download %s: %w", ref, err)
	}
	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}
