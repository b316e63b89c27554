// Package parallel is an execution provider that shards elementwise ops
// across goroutines. It supports only the elementwise subset; list it ahead
// of the cpu provider to offload what it can and fall through for the rest.
package parallel

import (
	"context"
	"fmt"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/modelcloud/trainagent/pkg/engine"
	"github.com/modelcloud/trainagent/pkg/graph"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

// ProviderName is the name the provider registers under.
const ProviderName = "parallel"

// minShardSize keeps tiny tensors on a single goroutine.
const minShardSize = 4096

func init() {
	engine.RegisterProvider(ProviderName, func(options map[string]string) (engine.Provider, error) {
		workers := runtime.GOMAXPROCS(0)
		for key, value := range options {
			switch key {
			case "workers":
				n, err := strconv.Atoi(value)
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("provider %q: invalid workers option %q", ProviderName, value)
				}
				workers = n
			default:
				return nil, fmt.Errorf("provider %q does not recognize option %q", ProviderName, key)
			}
		}
		return &Provider{workers: workers}, nil
	})
}

type Provider struct {
	workers int
}

var _ engine.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) Supports(op graph.Op) bool {
	switch op {
	case graph.OpAdd, graph.OpMul, graph.OpScale:
		return true
	}
	return false
}

func (p *Provider) Apply(ctx context.Context, node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error) {
	switch node.Op {
	case graph.OpAdd:
		return p.combine(ctx, node, inputs, func(acc, v float32) float32 { return acc + v })
	case graph.OpMul:
		return p.combine(ctx, node, inputs, func(acc, v float32) float32 { return acc * v })
	case graph.OpScale:
		factor := float32(node.Attr("scale", 1))
		if len(inputs) != 1 {
			return nil, fmt.Errorf("op Scale needs 1 input, got %d", len(inputs))
		}
		return p.mapOne(ctx, inputs[0], func(v float32) float32 { return v * factor })
	default:
		return nil, fmt.Errorf("unsupported op %s", node.Op)
	}
}

func (p *Provider) combine(ctx context.Context, node *graph.Node, inputs []*tensor.Value, op func(acc, v float32) float32) ([]*tensor.Value, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("op %s needs at least 2 inputs, got %d", node.Op, len(inputs))
	}
	first := inputs[0]
	for _, in := range inputs[1:] {
		if !tensor.SameShape(first, in) {
			return nil, fmt.Errorf("op %s inputs have mismatched shapes %v and %v", node.Op, first.Dims(), in.Dims())
		}
	}

	out := make([]float32, first.NumElements())
	copy(out, first.Floats())

	err := p.shard(ctx, len(out), func(lo, hi int) {
		for _, in := range inputs[1:] {
			values := in.Floats()
			for i := lo; i < hi; i++ {
				out[i] = op(out[i], values[i])
			}
		}
	})
	if err != nil {
		return nil, err
	}
	result, err := tensor.New(first.Dims(), out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}

func (p *Provider) mapOne(ctx context.Context, in *tensor.Value, op func(v float32) float32) ([]*tensor.Value, error) {
	src := in.Floats()
	out := make([]float32, len(src))
	err := p.shard(ctx, len(src), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = op(src[i])
		}
	})
	if err != nil {
		return nil, err
	}
	result, err := tensor.New(in.Dims(), out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}

// shard splits [0, n) across the worker pool. Shards are disjoint, so the
// workers never touch the same element.
func (p *Provider) shard(ctx context.Context, n int, apply func(lo, hi int)) error {
	workers := p.workers
	if workers <= 1 || n <= minShardSize {
		apply(0, n)
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	step := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += step {
		hi := min(lo+step, n)
		g.Go(func() error {
			apply(lo, hi)
			return nil
		})
	}
	return g.Wait()
}
