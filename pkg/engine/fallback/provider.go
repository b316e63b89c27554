// Package fallback is the pure-Go execution provider. It supports the full
// op set and is the provider of last resort in any precedence list.
package fallback

import (
	"context"
	"fmt"

	"github.com/modelcloud/trainagent/pkg/engine"
	"github.com/modelcloud/trainagent/pkg/graph"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

// ProviderName is the name the provider registers under.
const ProviderName = "cpu"

func init() {
	engine.RegisterProvider(ProviderName, func(options map[string]string) (engine.Provider, error) {
		for key := range options {
			return nil, fmt.Errorf("provider %q does not recognize option %q", ProviderName, key)
		}
		return &Provider{}, nil
	})
}

type Provider struct{}

var _ engine.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	return ProviderName
}

func (p *Provider) Supports(op graph.Op) bool {
	switch op {
	case graph.OpAdd, graph.OpMul, graph.OpScale, graph.OpMatMul,
		graph.OpRMSNorm, graph.OpGather, graph.OpGatherGrad:
		return true
	}
	return false
}

func (p *Provider) Apply(ctx context.Context, node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error) {
	switch node.Op {
	case graph.OpAdd:
		return elementwise(node, inputs, func(acc, v float32) float32 { return acc + v })
	case graph.OpMul:
		return elementwise(node, inputs, func(acc, v float32) float32 { return acc * v })
	case graph.OpScale:
		return scale(node, inputs)
	case graph.OpMatMul:
		return matMul(node, inputs)
	case graph.OpRMSNorm:
		return rmsNorm(node, inputs)
	case graph.OpGather:
		return gather(node, inputs)
	case graph.OpGatherGrad:
		return gatherGrad(node, inputs)
	default:
		return nil, fmt.Errorf("unsupported op %s", node.Op)
	}
}

func elementwise(node *graph.Node, inputs []*tensor.Value, combine func(acc, v float32) float32) ([]*tensor.Value, error) {
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
	for _, in := range inputs[1:] {
		values := in.Floats()
		for i := range out {
			out[i] = combine(out[i], values[i])
		}
	}
	result, err := tensor.New(first.Dims(), out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}
