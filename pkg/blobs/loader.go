package blobs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Loader resolves model sources to local files, caching fetched blobs under
// CacheDir and retrying transient fetch failures.
type Loader struct {
	CacheDir string

	// MaxAttempts is the number of times to attempt a fetch before failing.
	MaxAttempts int

	// RetryDelay is the pause between fetch attempts.
	RetryDelay time.Duration
}

// Resolve turns a model source into a local file path. A "gs://bucket/hash"
// source is fetched through GCS, an "http://" or "https://" source through a
// modelstore server; anything else is treated as a local path and returned
// as-is.
func (l *Loader) Resolve(ctx context.Context, source string) (string, error) {
	switch {
	case strings.HasPrefix(source, "gs://"):
		rest := strings.TrimPrefix(source, "gs://")
		bucket, hash, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || hash == "" {
			return "", fmt.Errorf("model source %q: want gs://<bucket>/<hash>", source)
		}
		return l.fetchCached(ctx, &GCSStore{Bucket: bucket}, ModelRef{Hash: hash})

	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		u, err := url.Parse(source)
		if err != nil {
			return "", fmt.Errorf("parsing model source %q: %w", source, err)
		}
		hash := strings.Trim(u.Path, "/")
		if hash == "" {
			return "", fmt.Errorf("model source %q has no blob hash", source)
		}
		base := *u
		base.Path = ""
		return l.fetchCached(ctx, &ModelServerReader{BaseURL: &base}, ModelRef{Hash: hash})

	default:
		return source, nil
	}
}

func (l *Loader) fetchCached(ctx context.Context, reader ModelReader, ref ModelRef) (string, error) {
	if l.CacheDir == "" {
		return "", fmt.Errorf("loader has no cache directory")
	}
	if err := os.MkdirAll(l.CacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory %q: %w", l.CacheDir, err)
	}

	localPath := filepath.Join(l.CacheDir, ref.Hash)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking cache for %q: %w", ref.Hash, err)
	}

	if err := l.fetchWithRetry(ctx, reader, ref, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func (l *Loader) fetchWithRetry(ctx context.Context, reader ModelReader, ref ModelRef, destPath string) error {
	log := klog.FromContext(ctx)

	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := l.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	attempt := 0
	for {
		attempt++

		err := reader.Fetch(ctx, ref, destPath)
		if err == nil {
			return nil
		}

		if attempt >= maxAttempts {
			return err
		}

		log.Error(err, "fetching model, will retry", "hash", ref.Hash, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
