package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/modelcloud/trainagent/pkg/graph"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

// Provider is a pluggable backend capable of executing a subset of node
// kinds. Providers are tried in list order; the first capable provider wins
// per graph node.
type Provider interface {
	Name() string
	Supports(op graph.Op) bool
	Apply(ctx context.Context, node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error)
}

// Factory builds a provider from its options mapping.
type Factory func(options map[string]string) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterProvider makes a provider available for session construction.
// Provider packages register themselves in init.
func RegisterProvider(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("provider %q registered twice", name))
	}
	registry[name] = factory
}

// NewProvider resolves a registered provider by name.
func NewProvider(name string, options map[string]string) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown execution provider %q (registered: %v)", name, RegisteredProviders())
	}
	provider, err := factory(options)
	if err != nil {
		return nil, fmt.Errorf("initializing execution provider %q: %w", name, err)
	}
	return provider, nil
}

// RegisteredProviders lists registered provider names, sorted.
func RegisteredProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
