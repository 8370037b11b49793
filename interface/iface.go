package iface

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Scores is one prediction vector, one entry per model output index.
type Scores []float32

// FeatureMap is an H x W x C grid stored in HWC order.
type FeatureMap struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// At returns the value at (y, x, c).
func (f FeatureMap) At(y, x, c int) float32 {
	return f.Data[(y*f.Width+x)*f.Channels+c]
}

// Len is the expected element count for the declared dimensions.
func (f FeatureMap) Len() int {
	return f.Height * f.Width * f.Channels
}

// Trace is the result of a single run that captured an intermediate layer.
// Gradient holds d(Scores[Target]) / d(Activation).
type Trace struct {
	Layer      string
	Target     int
	Activation FeatureMap
	Gradient   FeatureMap
	Scores     Scores
}

type EngineConfig struct {
	ModelPath      string
	MetadataPath   string
	LibraryDir     string
	LibraryName    string
	IntraOpThreads int
	Layers         []string
}

type Backend interface {
	Predict(input Tensor) (Scores, error)
	ActivationsAndLogits(input Tensor, layer string, target int) (Trace, error)
	Ready() bool
	CheckConfig() EngineConfig
	Destroy()
}
