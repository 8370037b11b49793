package engine

import (
	iface "GradCamServer/interface"
	"GradCamServer/logger"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Classifier wraps a frozen ONNX classification artifact. Besides the plain
// prediction session it keeps one session per saliency layer whose graph also
// emits the layer activation and the gradient of the selected class score.
type Classifier struct {
	mu           sync.Mutex
	State        int
	ErrorMessage string
	config       iface.EngineConfig
	meta         Metadata
	predict      *ort.DynamicAdvancedSession
	traces       map[string]*ort.DynamicAdvancedSession
}

func NewClassifier() *Classifier {
	return &Classifier{State: REGISTERED}
}

func (c *Classifier) LoadModel(cfg iface.EngineConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State {
	case UNREGISTERED:
		return fmt.Errorf("classifier not registered")
	case IDLE:
		return fmt.Errorf("model already loaded from %s", c.config.ModelPath)
	}
	if err := c.load(cfg); err != nil {
		c.ErrorMessage = err.Error()
		return err
	}
	c.ErrorMessage = ""
	c.State = IDLE
	return nil
}

func (c *Classifier) load(cfg iface.EngineConfig) error {
	meta, err := ReadMetadata(cfg.MetadataPath)
	if err != nil {
		return err
	}
	if len(cfg.Layers) > 0 {
		selected := make(map[string]LayerInfo, len(cfg.Layers))
		for _, name := range cfg.Layers {
			layer, ok := meta.Layers[name]
			if !ok {
				return fmt.Errorf("%w: %q is not declared in %s", ErrLayerNotFound, name, cfg.MetadataPath)
			}
			selected[name] = layer
		}
		meta.Layers = selected
	}

	if !ort.IsInitialized() {
		lib, err := FindLibrary(cfg.LibraryDir, cfg.LibraryName)
		if err != nil {
			return err
		}
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		logger.Log().Info("ONNX Runtime initialized", zap.String("library", lib))
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to inspect model %s: %w", cfg.ModelPath, err)
	}
	if err := checkGraph(meta, inputs, outputs); err != nil {
		return err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	predict, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, meta.inputNames(), []string{meta.OutputName}, options)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	traces := make(map[string]*ort.DynamicAdvancedSession, len(meta.Layers))
	for name, layer := range meta.Layers {
		s, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, meta.inputNames(),
			[]string{meta.OutputName, layer.Activation, layer.Gradient}, options)
		if err != nil {
			_ = predict.Destroy()
			for _, t := range traces {
				_ = t.Destroy()
			}
			return fmt.Errorf("failed to create trace session for layer %q: %w", name, err)
		}
		traces[name] = s
	}

	cfg.Layers = meta.LayerNames()
	c.config = cfg
	c.meta = meta
	c.predict = predict
	c.traces = traces
	logger.Log().Info("Model loaded",
		zap.String("ModelPath", cfg.ModelPath),
		zap.Int64s("InputShape", meta.InputShape),
		zap.Int("Classes", meta.Classes()),
		zap.Strings("Layers", cfg.Layers))
	return nil
}

// checkGraph matches the metadata against the names the artifact really exposes.
func checkGraph(meta Metadata, inputs, outputs []ort.InputOutputInfo) error {
	in := make(map[string]bool, len(inputs))
	for _, info := range inputs {
		in[info.Name] = true
	}
	out := make(map[string]bool, len(outputs))
	for _, info := range outputs {
		out[info.Name] = true
	}
	for _, name := range meta.inputNames() {
		if !in[name] {
			return fmt.Errorf("%w: model has no input %q", ErrShapeMismatch, name)
		}
	}
	if !out[meta.OutputName] {
		return fmt.Errorf("%w: model has no output %q", ErrShapeMismatch, meta.OutputName)
	}
	for name, layer := range meta.Layers {
		if !out[layer.Activation] || !out[layer.Gradient] {
			return fmt.Errorf("%w: layer %q outputs %q/%q are not exposed by the model",
				ErrLayerNotFound, name, layer.Activation, layer.Gradient)
		}
	}
	return nil
}

func (c *Classifier) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State == IDLE
}

func (c *Classifier) CheckConfig() iface.EngineConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

func (c *Classifier) Predict(input iface.Tensor) (iface.Scores, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State != IDLE {
		return nil, ErrModelUnavailable
	}
	if err := c.meta.checkInput(input); err != nil {
		return nil, err
	}
	in, err := ort.NewTensor(ort.NewShape(c.meta.InputShape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()
	inputs := []ort.Value{in}
	if c.meta.TargetName != "" {
		target, err := ort.NewEmptyTensor[float32](ort.NewShape(c.meta.OutputShape...))
		if err != nil {
			return nil, fmt.Errorf("failed to create target tensor: %w", err)
		}
		defer target.Destroy()
		inputs = append(inputs, target)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(c.meta.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := c.predict.Run(inputs, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return append(iface.Scores(nil), out.GetData()...), nil
}

// ActivationsAndLogits runs the trace session of layer once, feeding target as a
// one-hot selector, and returns the activation, its gradient and the scores of
// that same run.
func (c *Classifier) ActivationsAndLogits(input iface.Tensor, layer string, target int) (iface.Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State != IDLE {
		return iface.Trace{}, ErrModelUnavailable
	}
	session, ok := c.traces[layer]
	if !ok {
		return iface.Trace{}, fmt.Errorf("%w: %q", ErrLayerNotFound, layer)
	}
	if target < 0 || target >= c.meta.Classes() {
		return iface.Trace{}, fmt.Errorf("%w: %d not in [0,%d)", ErrTargetOutOfRange, target, c.meta.Classes())
	}
	if err := c.meta.checkInput(input); err != nil {
		return iface.Trace{}, err
	}
	info := c.meta.Layers[layer]

	in, err := ort.NewTensor(ort.NewShape(c.meta.InputShape...), input.Data)
	if err != nil {
		return iface.Trace{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()
	oneHot := make([]float32, c.meta.Classes())
	oneHot[target] = 1
	selector, err := ort.NewTensor(ort.NewShape(c.meta.OutputShape...), oneHot)
	if err != nil {
		return iface.Trace{}, fmt.Errorf("failed to create target tensor: %w", err)
	}
	defer selector.Destroy()

	scores, err := ort.NewEmptyTensor[float32](ort.NewShape(c.meta.OutputShape...))
	if err != nil {
		return iface.Trace{}, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer scores.Destroy()
	act, err := ort.NewEmptyTensor[float32](ort.NewShape(info.Shape...))
	if err != nil {
		return iface.Trace{}, fmt.Errorf("failed to create activation tensor: %w", err)
	}
	defer act.Destroy()
	grad, err := ort.NewEmptyTensor[float32](ort.NewShape(info.Shape...))
	if err != nil {
		return iface.Trace{}, fmt.Errorf("failed to create gradient tensor: %w", err)
	}
	defer grad.Destroy()

	if err := session.Run([]ort.Value{in, selector}, []ort.Value{scores, act, grad}); err != nil {
		return iface.Trace{}, fmt.Errorf("trace of layer %q failed: %w", layer, err)
	}
	return iface.Trace{
		Layer:      layer,
		Target:     target,
		Activation: toFeatureMap(act.GetData(), info),
		Gradient:   toFeatureMap(grad.GetData(), info),
		Scores:     append(iface.Scores(nil), scores.GetData()...),
	}, nil
}

func (c *Classifier) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.predict != nil {
		_ = c.predict.Destroy()
	}
	for _, s := range c.traces {
		_ = s.Destroy()
	}
	c.predict = nil
	c.traces = nil
	c.meta = Metadata{}
	c.config = iface.EngineConfig{}
	c.State = UNREGISTERED
}

// Shutdown releases the process-wide ONNX Runtime environment.
func Shutdown() {
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Log().Warn("failed to destroy ONNX environment", zap.Error(err))
		}
	}
}
