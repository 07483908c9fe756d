package awc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Downloader fetches bulk cache files.
// It implements pipeline.Downloader.
type Downloader struct {
	httpClient *http.Client
	breakers   *breakers
	backoff    backoff
	logger     *slog.Logger
}

// NewDownloader creates a bulk-file downloader. timeout bounds each attempt;
// retries is the number of extra attempts after the first.
func NewDownloader(timeout time.Duration, retries int, logger *slog.Logger) *Downloader {
	b := defaultBackoff
	b.retries = retries
	return &Downloader{
		// The cache files are served pre-compressed; keep the bytes as sent.
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{DisableCompression: true, Proxy: http.ProxyFromEnvironment},
		},
		breakers: newBreakers("awc-bulk"),
		backoff:  b,
		logger:   logger,
	}
}

// Download returns the raw payload at url.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	body, err := fetch(ctx, d.httpClient, d.breakers.get(sourceOf(url)), d.backoff, url)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	d.logger.Debug("downloaded bulk file", "url", url, "bytes", len(body), "elapsed", time.Since(start))
	return body, nil
}
