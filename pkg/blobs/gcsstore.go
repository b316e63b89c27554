package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSStore keeps model blobs in a GCS bucket, keyed by content hash.
type GCSStore struct {
	Bucket string
}

var _ ModelStore = (*GCSStore)(nil)

func (s *GCSStore) Put(ctx context.Context, sourcePath string, ref ModelRef) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	gcsURL := "gs://" + s.Bucket + "/" + ref.Hash

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	obj := client.Bucket(s.Bucket).Object(ref.Hash)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
		}
		// Fallthrough to upload
	}
	if attrs != nil {
		log.Info("model already exists in GCS", "url", gcsURL)
		return nil
	}

	log.Info("uploading model to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	w := obj.NewWriter(ctx)
	n, err := io.Copy(w, src)
	if err != nil {
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded model to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (s *GCSStore) Fetch(ctx context.Context, ref ModelRef, destPath string) error {
	log := klog.FromContext(ctx)

	gcsURL := "gs://" + s.Bucket + "/" + ref.Hash

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Info("fetching model from GCS", "source", gcsURL, "destination", destPath)

	startedAt := time.Now()
	r, err := client.Bucket(s.Bucket).Object(ref.Hash).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("model %q not found in GCS: %w", ref.Hash, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destPath)
	if err != nil {
		return fmt.Errorf("fetching from GCS: %w", err)
	}

	log.Info("fetched model from GCS", "source", gcsURL, "destination", destPath, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
