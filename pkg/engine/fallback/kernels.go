package fallback

import (
	"fmt"
	"math"

	"github.com/modelcloud/trainagent/pkg/graph"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

func scale(node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("op Scale needs 1 input, got %d", len(inputs))
	}
	factor := float32(node.Attr("scale", 1))
	src := inputs[0].Floats()
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v * factor
	}
	result, err := tensor.New(inputs[0].Dims(), out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}

func rmsNorm(node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("op RMSNorm needs 1 input, got %d", len(inputs))
	}
	epsilon := node.Attr("epsilon", 1e-5)
	src := inputs[0].Floats()
	if len(src) == 0 {
		return nil, fmt.Errorf("op RMSNorm on empty tensor")
	}

	sumSquares := float64(0)
	for _, v := range src {
		sumSquares += float64(v) * float64(v)
	}
	scale := 1 / math.Sqrt(sumSquares/float64(len(src))+epsilon)

	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(float64(v) * scale)
	}
	result, err := tensor.New(inputs[0].Dims(), out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}

func matMul(node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("op MatMul needs 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	aDims, bDims := a.Dims(), b.Dims()
	if len(aDims) != 2 || len(bDims) != 2 {
		return nil, fmt.Errorf("op MatMul needs rank-2 inputs, got %v and %v", aDims, bDims)
	}
	m, k := aDims[0], aDims[1]
	k2, n := bDims[0], bDims[1]
	if k != k2 {
		return nil, fmt.Errorf("op MatMul inner dimensions mismatch: %v x %v", aDims, bDims)
	}

	av, bv := a.Floats(), b.Floats()
	out := make([]float32, m*n)
	for i := int64(0); i < m; i++ {
		for l := int64(0); l < k; l++ {
			f := av[i*k+l]
			if f == 0 {
				continue
			}
			row := bv[l*n : (l+1)*n]
			dst := out[i*n : (i+1)*n]
			for j := range row {
				dst[j] += f * row[j]
			}
		}
	}
	result, err := tensor.New([]int64{m, n}, out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}

// gather selects rows of the data tensor along axis 0. Indices are carried
// as a float tensor whose values must be integral and in range.
func gather(node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("op Gather needs 2 inputs (data, indices), got %d", len(inputs))
	}
	data, indices := inputs[0], inputs[1]
	dims := data.Dims()
	if len(dims) == 0 {
		return nil, fmt.Errorf("op Gather on scalar data")
	}
	rows := dims[0]
	rowSize := int64(1)
	for _, d := range dims[1:] {
		rowSize *= d
	}

	idx, err := intIndices(indices, rows)
	if err != nil {
		return nil, err
	}

	src := data.Floats()
	out := make([]float32, int64(len(idx))*rowSize)
	for i, row := range idx {
		copy(out[int64(i)*rowSize:], src[row*rowSize:(row+1)*rowSize])
	}
	outDims := append([]int64{int64(len(idx))}, dims[1:]...)
	result, err := tensor.New(outDims, out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}

// gatherGrad is the gradient of gather: output rows receive the scatter-add
// of the incoming gradient rows at the gathered indices. The "dim" attribute
// is the axis-0 size of the original data tensor.
func gatherGrad(node *graph.Node, inputs []*tensor.Value) ([]*tensor.Value, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("op GatherGrad needs 2 inputs (indices, grad), got %d", len(inputs))
	}
	indices, grad := inputs[0], inputs[1]

	dim := int64(node.Attr("dim", -1))
	if dim <= 0 {
		return nil, fmt.Errorf("op GatherGrad needs a positive dim attribute")
	}

	gradDims := grad.Dims()
	if len(gradDims) == 0 {
		return nil, fmt.Errorf("op GatherGrad on scalar gradient")
	}
	rowSize := int64(1)
	for _, d := range gradDims[1:] {
		rowSize *= d
	}

	idx, err := intIndices(indices, dim)
	if err != nil {
		return nil, err
	}
	if int64(len(idx)) != gradDims[0] {
		return nil, fmt.Errorf("op GatherGrad: %d indices but %d gradient rows", len(idx), gradDims[0])
	}

	src := grad.Floats()
	out := make([]float32, dim*rowSize)
	for i, row := range idx {
		dst := out[row*rowSize : (row+1)*rowSize]
		gradRow := src[int64(i)*rowSize : int64(i+1)*rowSize]
		for j := range gradRow {
			dst[j] += gradRow[j]
		}
	}
	outDims := append([]int64{dim}, gradDims[1:]...)
	result, err := tensor.New(outDims, out)
	if err != nil {
		return nil, err
	}
	return []*tensor.Value{result}, nil
}

func intIndices(v *tensor.Value, limit int64) ([]int64, error) {
	values := v.Floats()
	idx := make([]int64, len(values))
	for i, f := range values {
		n := int64(f)
		if float32(n) != f {
			return nil, fmt.Errorf("index %v is not integral", f)
		}
		if n < 0 || n >= limit {
			return nil, fmt.Errorf("index %d out of range [0, %d)", n, limit)
		}
		idx[i] = n
	}
	return idx, nil
}
