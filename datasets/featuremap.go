package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// FeatureMap is one sample's dense feature tensor: flat float32 storage in
// row-major order with explicit dimensions. The spatial model consumes rank-3
// maps (depth, height, width); the sequence model consumes rank-2 maps
// (length, featureDim).
type FeatureMap struct {
	Data []float32
	Dims []int
}

// NewFeatureMap allocates a zero-filled feature map with the given dims.
func NewFeatureMap(dims ...int) *FeatureMap {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return &FeatureMap{
		Data: make([]float32, n),
		Dims: append([]int(nil), dims...),
	}
}

// Rank returns the number of axes.
func (m *FeatureMap) Rank() int { return len(m.Dims) }

// NumElements returns the total element count.
func (m *FeatureMap) NumElements() int {
	n := 1
	for _, d := range m.Dims {
		n *= d
	}
	return n
}

// ToTensor converts the feature map into a gomlx tensor.
func (m *FeatureMap) ToTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(m.Data, m.Dims...)
}

// FeatureMapFromTensor converts a gomlx float32 tensor back into a
// FeatureMap, copying the flat data out of the tensor.
func FeatureMapFromTensor(t *tensors.Tensor) (*FeatureMap, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	dims := t.Shape().Dimensions
	data := tensors.CopyFlatData[float32](t)
	want := 1
	for _, d := range dims {
		want *= d
	}
	if len(data) != want {
		return nil, errors.NewShapeError("FeatureMapFromTensor", []int{want}, []int{len(data)})
	}
	return &FeatureMap{Data: data, Dims: append([]int(nil), dims...)}, nil
}
