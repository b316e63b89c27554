package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

// ModelServerReader fetches model blobs from a modelstore HTTP server.
type ModelServerReader struct {
	// BaseURL is the base URL of the modelstore, typically http://modelstore
	BaseURL *url.URL
}

var _ ModelReader = (*ModelServerReader)(nil)

func (r *ModelServerReader) Fetch(ctx context.Context, ref ModelRef, destPath string) error {
	u := r.BaseURL.JoinPath(ref.Hash)
	return r.fetchToFile(ctx, u.String(), destPath)
}

func (r *ModelServerReader) fetchToFile(ctx context.Context, url string, destPath string) error {
	log := klog.FromContext(ctx)

	log.Info("fetching model", "url", url, "destination", destPath)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := &http.Client{}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		if resp.StatusCode == 404 {
			return fmt.Errorf("model not found: %w", os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status fetching model from %q: %v", url, resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, destPath)
	if err != nil {
		return fmt.Errorf("fetching from %q: %w", url, err)
	}

	log.Info("fetched model", "url", url, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// writeToFile streams src to destPath via a temp file in the same directory,
// renaming into place so readers never see a partial blob.
func writeToFile(ctx context.Context, src io.Reader, destPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destPath)
	tempFile, err := os.CreateTemp(dir, "model")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
