// Package gradcam turns a layer activation and the gradient of one class score
// with respect to it into a normalized class activation map.
package gradcam

import (
	iface "GradCamServer/interface"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Epsilon keeps the normalization finite when the map is all zero.
const Epsilon = 1e-8

var ErrShape = errors.New("activation and gradient shapes differ")

// Map is a Height x Width grid in row-major order with values in [0,1].
type Map struct {
	Height int
	Width  int
	Data   []float32
}

func (m Map) At(y, x int) float32 {
	return m.Data[y*m.Width+x]
}

// Max returns the largest value, 0 for an empty map.
func (m Map) Max() float32 {
	var v float32
	for _, d := range m.Data {
		if d > v {
			v = d
		}
	}
	return v
}

// PooledGradients averages the gradient over the spatial dimensions, one weight per channel.
// A malformed map yields nil.
func PooledGradients(grad iface.FeatureMap) []float64 {
	if grad.Height <= 0 || grad.Width <= 0 || grad.Channels <= 0 || len(grad.Data) != grad.Len() {
		return nil
	}
	g := asDense(grad)
	_, c := g.Dims()
	weights := make([]float64, c)
	for j := range weights {
		weights[j] = mat.Sum(g.ColView(j)) / float64(grad.Height*grad.Width)
	}
	return weights
}

// asDense views a feature map as an (H*W) x C matrix, one row per cell.
func asDense(f iface.FeatureMap) *mat.Dense {
	data := make([]float64, len(f.Data))
	for i, v := range f.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(f.Height*f.Width, f.Channels, data)
}

// Compute weights the activation channels by the pooled gradient, keeps the
// positive finite part and scales the result by its maximum.
func Compute(act, grad iface.FeatureMap) (Map, error) {
	if act.Height != grad.Height || act.Width != grad.Width || act.Channels != grad.Channels {
		return Map{}, fmt.Errorf("%w: activation %dx%dx%d, gradient %dx%dx%d", ErrShape,
			act.Height, act.Width, act.Channels, grad.Height, grad.Width, grad.Channels)
	}
	if act.Height <= 0 || act.Width <= 0 || act.Channels <= 0 {
		return Map{}, fmt.Errorf("%w: empty feature map", ErrShape)
	}
	if len(act.Data) != act.Len() || len(grad.Data) != grad.Len() {
		return Map{}, fmt.Errorf("%w: expected %d values, got %d and %d", ErrShape,
			act.Len(), len(act.Data), len(grad.Data))
	}

	weights := mat.NewVecDense(act.Channels, PooledGradients(grad))
	var raw mat.VecDense
	raw.MulVec(asDense(act), weights)

	cells := raw.RawVector().Data
	var maxVal float64
	for i, v := range cells {
		// NaN fails v > 0
		if !(v > 0) || math.IsInf(v, 0) {
			v = 0
		}
		cells[i] = v
		maxVal = math.Max(maxVal, v)
	}
	denom := maxVal + Epsilon
	m := Map{Height: act.Height, Width: act.Width, Data: make([]float32, len(cells))}
	for i, v := range cells {
		m.Data[i] = float32(v / denom)
	}
	return m, nil
}

// Mapper produces saliency maps against one layer of a backend.
type Mapper struct {
	Backend iface.Backend
	Layer   string
}

// Explain traces Layer for target and returns the map together with the
// scores of the traced run.
func (m Mapper) Explain(input iface.Tensor, target int) (Map, iface.Scores, error) {
	trace, err := m.Backend.ActivationsAndLogits(input, m.Layer, target)
	if err != nil {
		return Map{}, nil, err
	}
	sal, err := Compute(trace.Activation, trace.Gradient)
	if err != nil {
		return Map{}, nil, err
	}
	return sal, trace.Scores, nil
}
