package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/modelcloud/trainagent/pkg/agent"
	"github.com/modelcloud/trainagent/pkg/blobs"
	"github.com/modelcloud/trainagent/pkg/session"

	_ "github.com/modelcloud/trainagent/pkg/engine/fallback"
	_ "github.com/modelcloud/trainagent/pkg/engine/parallel"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	listen := ":9876"
	model := os.Getenv("MODEL_SOURCE")
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "~/.cache/trainagent/models"
	}
	providers := "parallel,cpu"
	modelFormat := ""
	gcInterval := time.Minute
	runTTL := 10 * time.Minute

	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&model, "model", model, "model source: local path, gs://<bucket>/<hash>, or modelstore URL")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory for fetched models")
	flag.StringVar(&providers, "providers", providers, "execution providers in precedence order, comma separated")
	flag.StringVar(&modelFormat, "model-format", modelFormat, "model format override (json or yaml); inferred from extension when empty")
	flag.DurationVar(&gcInterval, "gc-interval", gcInterval, "how often to sweep stale run state")
	flag.DurationVar(&runTTL, "run-ttl", runTTL, "how long a suspended run may sit untouched before it is reclaimed")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if model == "" {
		return fmt.Errorf("must specify --model or MODEL_SOURCE env var")
	}

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	loader := &blobs.Loader{CacheDir: cacheDir}
	modelPath, err := loader.Resolve(ctx, model)
	if err != nil {
		return fmt.Errorf("resolving model source %q: %w", model, err)
	}

	opts := &session.Options{}
	if modelFormat != "" {
		opts.AddConfigEntry(session.ConfigLoadModelFormat, modelFormat)
	}

	var providerSpecs []session.ProviderSpec
	for _, name := range strings.Split(providers, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		providerSpecs = append(providerSpecs, session.ProviderSpec{Name: name})
	}

	sess, err := session.New(ctx, modelPath, opts, providerSpecs, nil)
	if err != nil {
		return fmt.Errorf("constructing session for %q: %w", modelPath, err)
	}

	execAgent, err := agent.New(sess)
	if err != nil {
		return err
	}
	defer execAgent.Close()

	go execAgent.RunGC(ctx, gcInterval, runTTL)

	s := &server{
		sess:  sess,
		agent: execAgent,
	}
	s.metrics = newMetrics(func() float64 { return float64(execAgent.Runs()) })

	mux := http.NewServeMux()
	s.register(mux)

	log.Info("starting trainserver", "listen", listen, "model", modelPath, "providers", providers)
	if err := http.ListenAndServe(listen, mux); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}
