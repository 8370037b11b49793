// Package enginetest provides a small differentiable backend for tests.
//
// The reference model average-pools the single-channel input onto a Grid x Grid
// feature map, projects every cell onto Channels channels with a per-channel
// scale and bias, global-average-pools the feature map and applies a dense
// softmax head. Its activation gradient is computed analytically, so the Grad-CAM
// code path can be exercised without an ONNX Runtime installation.
package enginetest

import (
	"GradCamServer/engine"
	iface "GradCamServer/interface"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

const Layer = "features"

type Reference struct {
	Size     int
	Grid     int
	Channels int
	// Scale and Bias project a pooled cell onto each channel.
	Scale []float32
	Bias  []float32
	// Head is Classes x Channels.
	Head     [][]float32
	HeadBias []float32
	Loaded   bool

	mu        sync.Mutex
	Predicts  atomic.Int64
	Traces    atomic.Int64
	destroyed bool
}

// New returns a loaded 3-class reference model over a size x size input.
func New(size int) *Reference {
	return &Reference{
		Size:     size,
		Grid:     7,
		Channels: 2,
		Scale:    []float32{1, -1},
		Bias:     []float32{0, 1},
		Head: [][]float32{
			{-2, 2},
			{0, 0},
			{2, -2},
		},
		HeadBias: []float32{0, 0, 0},
		Loaded:   true,
	}
}

func (r *Reference) classes() int {
	return len(r.Head)
}

func (r *Reference) check(input iface.Tensor) error {
	want := []int64{1, int64(r.Size), int64(r.Size), 1}
	if len(input.Shape) != 4 || len(input.Data) != r.Size*r.Size {
		return fmt.Errorf("%w: expected %v, got %v", engine.ErrShapeMismatch, want, input.Shape)
	}
	for i := range want {
		if input.Shape[i] != want[i] {
			return fmt.Errorf("%w: expected %v, got %v", engine.ErrShapeMismatch, want, input.Shape)
		}
	}
	return nil
}

func (r *Reference) forward(input iface.Tensor) (iface.FeatureMap, iface.Scores) {
	g, c := r.Grid, r.Channels
	sums := make([]float32, g*g)
	counts := make([]float32, g*g)
	for y := 0; y < r.Size; y++ {
		for x := 0; x < r.Size; x++ {
			cell := (y*g/r.Size)*g + x*g/r.Size
			sums[cell] += input.Data[y*r.Size+x]
			counts[cell]++
		}
	}
	act := iface.FeatureMap{Height: g, Width: g, Channels: c, Data: make([]float32, g*g*c)}
	pooled := make([]float64, c)
	for cell := range sums {
		mean := sums[cell] / counts[cell]
		for ch := 0; ch < c; ch++ {
			v := r.Scale[ch]*mean + r.Bias[ch]
			act.Data[cell*c+ch] = v
			pooled[ch] += float64(v)
		}
	}
	logits := make([]float64, r.classes())
	maxLogit := math.Inf(-1)
	for k := range logits {
		l := float64(r.HeadBias[k])
		for ch := 0; ch < c; ch++ {
			l += float64(r.Head[k][ch]) * pooled[ch] / float64(g*g)
		}
		logits[k] = l
		maxLogit = math.Max(maxLogit, l)
	}
	var total float64
	for k := range logits {
		logits[k] = math.Exp(logits[k] - maxLogit)
		total += logits[k]
	}
	scores := make(iface.Scores, len(logits))
	for k := range logits {
		scores[k] = float32(logits[k] / total)
	}
	return act, scores
}

func (r *Reference) Predict(input iface.Tensor) (iface.Scores, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Loaded || r.destroyed {
		return nil, engine.ErrModelUnavailable
	}
	if err := r.check(input); err != nil {
		return nil, err
	}
	r.Predicts.Add(1)
	_, scores := r.forward(input)
	return scores, nil
}

func (r *Reference) ActivationsAndLogits(input iface.Tensor, layer string, target int) (iface.Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Loaded || r.destroyed {
		return iface.Trace{}, engine.ErrModelUnavailable
	}
	if layer != Layer {
		return iface.Trace{}, fmt.Errorf("%w: %q", engine.ErrLayerNotFound, layer)
	}
	if target < 0 || target >= r.classes() {
		return iface.Trace{}, fmt.Errorf("%w: %d", engine.ErrTargetOutOfRange, target)
	}
	if err := r.check(input); err != nil {
		return iface.Trace{}, err
	}
	r.Traces.Add(1)
	act, scores := r.forward(input)

	// d s_t / d act[y,x,c] = sum_j s_t (delta_tj - s_j) Head[j][c] / (g*g)
	g, c := r.Grid, r.Channels
	perChannel := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var d float64
		for j := range scores {
			delta := 0.0
			if j == target {
				delta = 1
			}
			d += float64(scores[target]) * (delta - float64(scores[j])) * float64(r.Head[j][ch])
		}
		perChannel[ch] = float32(d / float64(g*g))
	}
	grad := iface.FeatureMap{Height: g, Width: g, Channels: c, Data: make([]float32, g*g*c)}
	for cell := 0; cell < g*g; cell++ {
		copy(grad.Data[cell*c:(cell+1)*c], perChannel)
	}
	return iface.Trace{Layer: layer, Target: target, Activation: act, Gradient: grad, Scores: scores}, nil
}

func (r *Reference) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Loaded && !r.destroyed
}

func (r *Reference) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{ModelPath: "reference", Layers: []string{Layer}}
}

func (r *Reference) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
}

// Uniform returns a size x size input tensor filled with v.
func Uniform(size int, v float32) iface.Tensor {
	data := make([]float32, size*size)
	for i := range data {
		data[i] = v
	}
	return iface.Tensor{Shape: []int64{1, int64(size), int64(size), 1}, Data: data}
}
