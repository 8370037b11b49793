package engine

import (
	iface "GradCamServer/interface"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

const sampleMetadata = `{
  "input_name": "input",
  "input_shape": [1, 224, 224, 1],
  "target_name": "target",
  "output_name": "probabilities",
  "output_shape": [1, 3],
  "layers": {
    "conv2d_3": {"gradient": "conv2d_3_grad", "shape": [1, 28, 28, 128]},
    "block_nchw": {"activation": "feat", "gradient": "feat_grad", "shape": [1, 64, 7, 7], "layout": "nchw"}
  }
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestReadMetadata(t *testing.T) {
	path := writeFile(t, t.TempDir(), "model.json", sampleMetadata)
	meta, err := ReadMetadata(path)
	require.NoError(t, err)

	assert.Equal(t, 3, meta.Classes())
	assert.Equal(t, 224*224, meta.InputSize())
	assert.Equal(t, []string{"input", "target"}, meta.inputNames())
	assert.Equal(t, []string{"block_nchw", "conv2d_3"}, meta.LayerNames())

	conv := meta.Layers["conv2d_3"]
	assert.Equal(t, "conv2d_3", conv.Activation)
	assert.Equal(t, LayoutNHWC, conv.Layout)
	h, w, c := conv.Dims()
	assert.Equal(t, []int{28, 28, 128}, []int{h, w, c})

	nchw := meta.Layers["block_nchw"]
	assert.Equal(t, LayoutNCHW, nchw.Layout)
	h, w, c = nchw.Dims()
	assert.Equal(t, []int{7, 7, 64}, []int{h, w, c})
}

func TestMetadataValidate(t *testing.T) {
	base := func() Metadata {
		return Metadata{
			InputName:   "input",
			InputShape:  []int64{1, 224, 224, 1},
			TargetName:  "target",
			OutputName:  "probabilities",
			OutputShape: []int64{1, 3},
			Layers: map[string]LayerInfo{
				"conv": {Activation: "conv", Gradient: "conv_grad", Shape: []int64{1, 7, 7, 4}, Layout: LayoutNHWC},
			},
		}
	}
	assert.NoError(t, base().Validate())

	cases := map[string]func(m *Metadata){
		"dynamic input":   func(m *Metadata) { m.InputShape = []int64{-1, 224, 224, 1} },
		"3d input":        func(m *Metadata) { m.InputShape = []int64{224, 224, 1} },
		"bad output":      func(m *Metadata) { m.OutputShape = []int64{3} },
		"no target":       func(m *Metadata) { m.TargetName = "" },
		"no gradient":     func(m *Metadata) { m.Layers["conv"] = LayerInfo{Activation: "conv", Shape: []int64{1, 7, 7, 4}, Layout: LayoutNHWC} },
		"unknown layout":  func(m *Metadata) { m.Layers["conv"] = LayerInfo{Activation: "conv", Gradient: "g", Shape: []int64{1, 7, 7, 4}, Layout: "CHWN"} },
		"layer not 4d":    func(m *Metadata) { m.Layers["conv"] = LayerInfo{Activation: "conv", Gradient: "g", Shape: []int64{7, 7, 4}, Layout: LayoutNHWC} },
		"no output names": func(m *Metadata) { m.OutputName = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := base()
			mutate(&m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestCheckInput(t *testing.T) {
	meta := Metadata{InputShape: []int64{1, 4, 4, 1}}
	assert.NoError(t, meta.checkInput(iface.Tensor{Shape: []int64{1, 4, 4, 1}, Data: make([]float32, 16)}))
	assert.ErrorIs(t, meta.checkInput(iface.Tensor{Shape: []int64{1, 4, 4, 3}, Data: make([]float32, 48)}), ErrShapeMismatch)
	assert.ErrorIs(t, meta.checkInput(iface.Tensor{Shape: []int64{4, 4, 1}, Data: make([]float32, 16)}), ErrShapeMismatch)
	assert.ErrorIs(t, meta.checkInput(iface.Tensor{Shape: []int64{1, 4, 4, 1}, Data: make([]float32, 15)}), ErrShapeMismatch)
}

func TestCheckGraph(t *testing.T) {
	meta := Metadata{
		InputName:  "input",
		TargetName: "target",
		OutputName: "probabilities",
		Layers: map[string]LayerInfo{
			"conv": {Activation: "conv", Gradient: "conv_grad"},
		},
	}
	names := func(n ...string) []ort.InputOutputInfo {
		infos := make([]ort.InputOutputInfo, len(n))
		for i, name := range n {
			infos[i] = ort.InputOutputInfo{Name: name}
		}
		return infos
	}

	tests := []struct {
		name    string
		inputs  []string
		outputs []string
		wantErr error
	}{
		{"all exposed", []string{"input", "target"}, []string{"probabilities", "conv", "conv_grad"}, nil},
		{"extra outputs ignored", []string{"target", "input"}, []string{"other", "conv_grad", "conv", "probabilities"}, nil},
		{"missing input", []string{"target"}, []string{"probabilities", "conv", "conv_grad"}, ErrShapeMismatch},
		{"missing target", []string{"input"}, []string{"probabilities", "conv", "conv_grad"}, ErrShapeMismatch},
		{"missing probabilities", []string{"input", "target"}, []string{"conv", "conv_grad"}, ErrShapeMismatch},
		{"missing activation", []string{"input", "target"}, []string{"probabilities", "conv_grad"}, ErrLayerNotFound},
		{"missing gradient", []string{"input", "target"}, []string{"probabilities", "conv"}, ErrLayerNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkGraph(meta, names(tt.inputs...), names(tt.outputs...))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestToFeatureMapTransposesNCHW(t *testing.T) {
	// two channels of a 2x2 grid in NCHW order
	data := []float32{1, 2, 3, 4, 10, 20, 30, 40}
	fm := toFeatureMap(data, LayerInfo{Shape: []int64{1, 2, 2, 2}, Layout: LayoutNCHW})
	assert.Equal(t, 2, fm.Channels)
	assert.Equal(t, float32(1), fm.At(0, 0, 0))
	assert.Equal(t, float32(10), fm.At(0, 0, 1))
	assert.Equal(t, float32(4), fm.At(1, 1, 0))
	assert.Equal(t, float32(40), fm.At(1, 1, 1))

	same := toFeatureMap(data, LayerInfo{Shape: []int64{1, 2, 2, 2}, Layout: LayoutNHWC})
	assert.Equal(t, data, same.Data)
}

func TestClassifier_Lifecycle(t *testing.T) {
	c := NewClassifier()
	input := iface.Tensor{Shape: []int64{1, 224, 224, 1}, Data: make([]float32, 224*224)}

	t.Run("Test Predict before load", func(t *testing.T) {
		assert.False(t, c.Ready())
		_, err := c.Predict(input)
		assert.ErrorIs(t, err, ErrModelUnavailable)
		_, err = c.ActivationsAndLogits(input, "conv2d_3", 0)
		assert.ErrorIs(t, err, ErrModelUnavailable)
	})

	t.Run("Test LoadModel with missing artifact", func(t *testing.T) {
		err := c.LoadModel(iface.EngineConfig{
			ModelPath:    filepath.Join(t.TempDir(), "missing.onnx"),
			MetadataPath: filepath.Join(t.TempDir(), "missing.json"),
		})
		assert.Error(t, err)
		assert.Equal(t, REGISTERED, c.State)
		assert.NotEmpty(t, c.ErrorMessage)
		_, err = c.Predict(input)
		assert.ErrorIs(t, err, ErrModelUnavailable)
	})

	t.Run("Test LoadModel with undeclared layer", func(t *testing.T) {
		dir := t.TempDir()
		err := c.LoadModel(iface.EngineConfig{
			ModelPath:    filepath.Join(dir, "model.onnx"),
			MetadataPath: writeFile(t, dir, "model.json", sampleMetadata),
			Layers:       []string{"does_not_exist"},
		})
		assert.ErrorIs(t, err, ErrLayerNotFound)
		assert.False(t, c.Ready())
	})

	t.Run("Test Destroy", func(t *testing.T) {
		c.Destroy()
		assert.Equal(t, UNREGISTERED, c.State)
		assert.Nil(t, c.traces)
		assert.Error(t, c.LoadModel(iface.EngineConfig{}))
	})
}

func TestFindLibrary(t *testing.T) {
	dir := t.TempDir()
	lib := writeFile(t, dir, "libonnxruntime_test.so", "")

	found, err := FindLibrary(dir, "libonnxruntime_test.so")
	require.NoError(t, err)
	assert.Equal(t, lib, found)

	found, err = FindLibrary("", lib)
	require.NoError(t, err)
	assert.Equal(t, lib, found)

	_, err = FindLibrary(dir, "libdoes_not_exist.so")
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), dir)
	}
}
