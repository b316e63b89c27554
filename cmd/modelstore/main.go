package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/modelcloud/trainagent/pkg/blobs"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/modelstore/blobs"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	storeBucket := os.Getenv("STORE_BUCKET")
	if storeBucket == "" {
		return fmt.Errorf("must specify STORE_BUCKET env var")
	}

	var store blobs.ModelStore
	if strings.HasPrefix(storeBucket, "gs://") {
		storeBucket = strings.TrimPrefix(storeBucket, "gs://")
		log.Info("using GCS model store", "bucket", storeBucket)

		store = &blobs.GCSStore{
			Bucket: storeBucket,
		}
	} else {
		return fmt.Errorf("STORE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}

	s := &httpServer{
		cache: &modelCache{
			baseDir: cacheDir,
			store:   store,
		},
	}

	klog.Infof("serving on %q", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	cache *modelCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == "GET" {
			hash := tokens[0]
			s.serveGETModel(w, r, hash)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETModel(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	// TODO: Validate hash is hex, right length etc

	f, err := s.cache.GetModel(ctx, hash)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting model")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	p := f.Name()

	klog.Infof("serving model %q", p)
	http.ServeFile(w, r, p)
}

// modelCache fronts the blob store with a local directory, faulting blobs in
// on first request.
type modelCache struct {
	baseDir string
	store   blobs.ModelStore
}

func (c *modelCache) GetModel(ctx context.Context, hash string) (*os.File, error) {
	localPath := filepath.Join(c.baseDir, hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening model %q: %w", hash, err)
	}

	if err := c.store.Fetch(ctx, blobs.ModelRef{Hash: hash}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "model %q not found", hash)
		}
		return nil, fmt.Errorf("fetching model %q: %w", hash, err)
	}

	f, err = os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening fetched model %q: %w", hash, err)
	}
	return f, nil
}
