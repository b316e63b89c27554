// Package session loads models and resolves execution providers. A Session
// owns one execution context; the context is claimed exclusively by a single
// execution agent for the agent's lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/modelcloud/trainagent/pkg/engine"
	"github.com/modelcloud/trainagent/pkg/graph"
)

// ErrContextClaimed is returned when a second caller asks for a session's
// execution context while it is already held.
var ErrContextClaimed = errors.New("session execution context already claimed")

// Session owns a loaded model, the resolved provider list, and the node
// placement computed from provider precedence.
type Session struct {
	model     *graph.Graph
	providers []engine.Provider
	placement map[string]engine.Provider
	options   resolvedOptions

	claimed atomic.Bool
}

// New loads a model from a file and constructs a session over it. The model
// format is inferred from the file extension unless overridden via the
// ConfigLoadModelFormat entry. providers are tried in list order; the first
// capable provider wins per graph node. providerOptions, when non-nil, is a
// parallel list of options mappings and is mutually exclusive with inline
// ProviderSpec options.
func New(ctx context.Context, modelPath string, opts *Options, providers []ProviderSpec, providerOptions []map[string]string) (*Session, error) {
	resolved, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	model, err := graph.Load(modelPath, resolved.format)
	if err != nil {
		return nil, err
	}
	return build(ctx, model, resolved, providers, providerOptions)
}

// NewFromBytes constructs a session from an in-memory serialized model. The
// format is taken from the ConfigLoadModelFormat entry, defaulting to JSON.
func NewFromBytes(ctx context.Context, modelBytes []byte, opts *Options, providers []ProviderSpec, providerOptions []map[string]string) (*Session, error) {
	resolved, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	format := resolved.format
	if format == graph.FormatUnknown {
		format = graph.FormatJSON
	}
	model, err := graph.Parse(modelBytes, format)
	if err != nil {
		return nil, fmt.Errorf("parsing model bytes: %w", err)
	}
	return build(ctx, model, resolved, providers, providerOptions)
}

func build(ctx context.Context, model *graph.Graph, resolved resolvedOptions, providerSpecs []ProviderSpec, providerOptions []map[string]string) (*Session, error) {
	log := klog.FromContext(ctx)

	providers, err := resolveProviders(providerSpecs, providerOptions)
	if err != nil {
		return nil, err
	}

	placement, err := engine.Place(model, providers)
	if err != nil {
		return nil, fmt.Errorf("placing graph nodes: %w", err)
	}

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	log.V(2).Info("session constructed", "model", model.Name, "providers", names,
		"forwardNodes", len(model.Forward.Nodes), "hasBackward", model.Backward != nil)

	return &Session{
		model:     model,
		providers: providers,
		placement: placement,
		options:   resolved,
	}, nil
}

func resolveProviders(specs []ProviderSpec, providerOptions []map[string]string) ([]engine.Provider, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one execution provider is required: %w", ErrConfig)
	}
	if providerOptions != nil {
		if len(providerOptions) != len(specs) {
			return nil, fmt.Errorf("%d providers but %d provider option mappings: %w", len(specs), len(providerOptions), ErrConfig)
		}
		for _, spec := range specs {
			if spec.Options != nil {
				return nil, fmt.Errorf("provider %q has inline options and a parallel options list was also supplied: %w", spec.Name, ErrConfig)
			}
		}
	}

	providers := make([]engine.Provider, 0, len(specs))
	for i, spec := range specs {
		options := spec.Options
		if providerOptions != nil {
			options = providerOptions[i]
		}
		provider, err := engine.NewProvider(spec.Name, options)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return providers, nil
}

// Model returns the loaded graph.
func (s *Session) Model() *graph.Graph {
	return s.model
}

// LogVerbosity returns the session's default run log verbosity.
func (s *Session) LogVerbosity() int {
	return s.options.logVerbosity
}

// ExecutionContext claims the session's execution context. Exactly one
// holder at a time; Release returns it. A second claim while held fails with
// ErrContextClaimed.
func (s *Session) ExecutionContext() (*ExecContext, error) {
	if !s.claimed.CompareAndSwap(false, true) {
		return nil, ErrContextClaimed
	}
	return &ExecContext{
		session:  s,
		executor: engine.NewExecutor(s.placement),
	}, nil
}

// ExecContext is the exclusive handle an execution agent drives a session
// through. Non-copyable in spirit: hold the pointer, call Release exactly
// once when done.
type ExecContext struct {
	session  *Session
	executor *engine.Executor
	released atomic.Bool
}

// Release returns the claim to the session. Safe to call once; later calls
// are no-ops.
func (c *ExecContext) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.session.claimed.Store(false)
	}
}

// Model returns the owning session's graph.
func (c *ExecContext) Model() *graph.Graph {
	return c.session.model
}

// Executor returns the engine executor bound to the session's placement.
func (c *ExecContext) Executor() *engine.Executor {
	return c.executor
}

// LogVerbosity returns the owning session's default run log verbosity.
func (c *ExecContext) LogVerbosity() int {
	return c.session.options.logVerbosity
}
