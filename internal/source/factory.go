package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/velopack/velopack-sub005/internal/config"
	"github.com/velopack/velopack-sub005/internal/mtls"
)

// Open builds the Source described by cfg.
func Open(ctx context.Context, cfg config.SourceConfig, logger *slog.Logger) (*Fetcher, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewFetcher(b, logger), nil
}

func openBackend(ctx context.Context, cfg config.SourceConfig) (Backend, error) {
	switch cfg.Type {
	case "", "http":
		client, err := httpClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewHTTPBackend(cfg.URL, client, cfg.Headers)
	case "file":
		return NewFileBackend(cfg.Path), nil
	case "s3":
		return NewS3Backend(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			PathStyle:       cfg.PathStyle,
		})
	case "gcs":
		return NewGCSBackend(ctx, GCSOptions{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.Endpoint,
			Anonymous:       cfg.Anonymous,
		})
	case "azure":
		return NewAzureBackend(AzureOptions{
			ServiceURL:       cfg.URL,
			ConnectionString: cfg.ConnectionString,
			Container:        cfg.Container,
			Prefix:           cfg.Prefix,
		})
	case "b2":
		return NewB2Backend(ctx, B2Options{
			AccountID: cfg.AccountID,
			AppKey:    cfg.AppKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// httpClient builds the client for http sources. Proxy settings fall back to
// the HTTP_PROXY, HTTPS_PROXY and NO_PROXY environment variables.
func httpClient(cfg config.SourceConfig) (*http.Client, error) {
	tlsCfg, err := mtls.BuildTLSConfig(cfg.ClientCertFile, cfg.ClientKeyFile, cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("source tls: %w", err)
	}

	proxy := httpproxy.FromEnvironment()
	if cfg.Proxy != "" {
		proxy = &httpproxy.Config{HTTPProxy: cfg.Proxy, HTTPSProxy: cfg.Proxy, NoProxy: cfg.NoProxy}
	}
	proxyFunc := proxy.ProxyFunc()

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg
	tr.Proxy = func(req *http.Request) (*url.URL, error) { return proxyFunc(req.URL) }

	client := &http.Client{Transport: tr}
	if cfg.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return client, nil
}
