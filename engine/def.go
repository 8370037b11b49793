package engine

import (
	iface "GradCamServer/interface"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003

const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

var (
	ErrModelUnavailable = errors.New("model not available")
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
	ErrLayerNotFound    = errors.New("layer not found")
	ErrTargetOutOfRange = errors.New("target class out of range")
)

// LayerInfo describes one Grad-CAM capable layer of the artifact. Activation and
// Gradient are graph output names; Shape is the 4D output shape in Layout order.
type LayerInfo struct {
	Activation string  `json:"activation"`
	Gradient   string  `json:"gradient"`
	Shape      []int64 `json:"shape"`
	Layout     string  `json:"layout"`
}

// Dims returns height, width and channels regardless of layout.
func (l LayerInfo) Dims() (int, int, int) {
	if l.Layout == LayoutNCHW {
		return int(l.Shape[2]), int(l.Shape[3]), int(l.Shape[1])
	}
	return int(l.Shape[1]), int(l.Shape[2]), int(l.Shape[3])
}

type Metadata struct {
	InputName   string               `json:"input_name"`
	InputShape  []int64              `json:"input_shape"`
	TargetName  string               `json:"target_name"`
	OutputName  string               `json:"output_name"`
	OutputShape []int64              `json:"output_shape"`
	Layers      map[string]LayerInfo `json:"layers"`
}

func ReadMetadata(path string) (Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	for name, layer := range meta.Layers {
		if layer.Layout == "" {
			layer.Layout = LayoutNHWC
		}
		layer.Layout = strings.ToUpper(layer.Layout)
		if layer.Activation == "" {
			layer.Activation = name
		}
		meta.Layers[name] = layer
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (m Metadata) Validate() error {
	if m.InputName == "" || m.OutputName == "" {
		return fmt.Errorf("metadata must name the input and output")
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input shape must be [1,H,W,C], got %v", m.InputShape)
	}
	for _, d := range m.InputShape {
		if d <= 0 {
			return fmt.Errorf("input shape must be fully static, got %v", m.InputShape)
		}
	}
	if len(m.OutputShape) != 2 || m.OutputShape[0] != 1 || m.OutputShape[1] <= 0 {
		return fmt.Errorf("output shape must be [1,K], got %v", m.OutputShape)
	}
	if len(m.Layers) > 0 && m.TargetName == "" {
		return fmt.Errorf("metadata declares saliency layers but no target input")
	}
	for name, layer := range m.Layers {
		if layer.Gradient == "" {
			return fmt.Errorf("layer %q: gradient output name is empty", name)
		}
		if layer.Layout != LayoutNHWC && layer.Layout != LayoutNCHW {
			return fmt.Errorf("layer %q: unsupported layout %q", name, layer.Layout)
		}
		if len(layer.Shape) != 4 || layer.Shape[0] != 1 {
			return fmt.Errorf("layer %q: shape must be 4D with batch 1, got %v", name, layer.Shape)
		}
		for _, d := range layer.Shape[1:] {
			if d <= 0 {
				return fmt.Errorf("layer %q: shape must be fully static, got %v", name, layer.Shape)
			}
		}
	}
	return nil
}

// Classes is the length of the prediction vector.
func (m Metadata) Classes() int {
	return int(m.OutputShape[1])
}

func (m Metadata) InputSize() int {
	n := 1
	for _, d := range m.InputShape {
		n *= int(d)
	}
	return n
}

func (m Metadata) inputNames() []string {
	if m.TargetName == "" {
		return []string{m.InputName}
	}
	return []string{m.InputName, m.TargetName}
}

func (m Metadata) LayerNames() []string {
	names := make([]string, 0, len(m.Layers))
	for name := range m.Layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkInput verifies the tensor against the declared input shape.
func (m Metadata) checkInput(t iface.Tensor) error {
	if len(t.Shape) != len(m.InputShape) {
		return fmt.Errorf("%w: expected %v, got %v", ErrShapeMismatch, m.InputShape, t.Shape)
	}
	for i := range t.Shape {
		if t.Shape[i] != m.InputShape[i] {
			return fmt.Errorf("%w: expected %v, got %v", ErrShapeMismatch, m.InputShape, t.Shape)
		}
	}
	if len(t.Data) != m.InputSize() {
		return fmt.Errorf("%w: expected %d values, got %d", ErrShapeMismatch, m.InputSize(), len(t.Data))
	}
	return nil
}

// toFeatureMap copies a raw layer output into HWC order.
func toFeatureMap(data []float32, layer LayerInfo) iface.FeatureMap {
	h, w, c := layer.Dims()
	fm := iface.FeatureMap{Height: h, Width: w, Channels: c, Data: make([]float32, h*w*c)}
	if layer.Layout == LayoutNHWC {
		copy(fm.Data, data)
		return fm
	}
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				fm.Data[(y*w+x)*c+ch] = data[(ch*h+y)*w+x]
			}
		}
	}
	return fm
}
