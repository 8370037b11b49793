package pipeline

import (
	"GradCamServer/engine"
	"GradCamServer/gradcam"
	"GradCamServer/grading"
	iface "GradCamServer/interface"
	"GradCamServer/logger"
	"GradCamServer/monitor"
	"GradCamServer/overlay"
	"GradCamServer/preprocess"
	"time"

	"go.uber.org/zap"
)

// Request is one uploaded image. GroundTruth is an optional client annotation;
// it is accepted and not used by the computation.
type Request struct {
	ID          string
	Image       []byte
	GroundTruth string
}

// Pipeline is the immutable per-process context shared by all requests.
type Pipeline struct {
	backend   iface.Backend
	mapping   grading.Mapping
	mapper    gradcam.Mapper
	renderer  overlay.Renderer
	inputSize int
}

type Options struct {
	Layer     string
	InputSize int
	Renderer  overlay.Renderer
}

func New(backend iface.Backend, mapping grading.Mapping, opts Options) *Pipeline {
	if opts.InputSize <= 0 {
		opts.InputSize = preprocess.DefaultSize
	}
	if opts.Renderer.Size <= 0 {
		opts.Renderer = overlay.NewRenderer(opts.InputSize, overlay.DefaultAlpha)
	}
	return &Pipeline{
		backend:   backend,
		mapping:   mapping,
		mapper:    gradcam.Mapper{Backend: backend, Layer: opts.Layer},
		renderer:  opts.Renderer,
		inputSize: opts.InputSize,
	}
}

func (p *Pipeline) Ready() bool {
	return p.backend != nil && p.backend.Ready()
}

func (p *Pipeline) Layer() string {
	return p.mapper.Layer
}

// Run executes preprocess, predict, argmax, trace, saliency, overlay and
// assembly in order. Every failure is returned as *Error.
func (p *Pipeline) Run(req Request) (grading.Payload, error) {
	if !p.Ready() {
		return grading.Payload{}, &Error{Kind: KindModelUnavailable, Stage: "model", Err: engine.ErrModelUnavailable}
	}
	if len(req.Image) == 0 {
		return grading.Payload{}, &Error{Kind: KindMissingInput, Stage: "input", Err: ErrMissingInput}
	}
	log := logger.Log().With(zap.String("request_id", req.ID))

	start := time.Now()
	tensor, img, err := preprocess.Run(req.Image, p.inputSize)
	defer img.Close()
	if err != nil {
		return grading.Payload{}, wrap("preprocess", err)
	}
	monitor.ObserveStage("preprocess", start)

	start = time.Now()
	scores, err := p.backend.Predict(tensor)
	if err != nil {
		return grading.Payload{}, wrap("predict", err)
	}
	monitor.ObserveStage("predict", start)
	target := grading.Argmax(scores)
	log.Debug("prediction", zap.Int("index", target), zap.Float32s("scores", scores))

	start = time.Now()
	sal, _, err := p.mapper.Explain(tensor, target)
	if err != nil {
		return grading.Payload{}, wrap("saliency", err)
	}
	monitor.ObserveStage("saliency", start)

	start = time.Now()
	heatmap, err := p.renderer.RenderBase64(img, sal)
	if err != nil {
		return grading.Payload{}, wrap("overlay", err)
	}
	monitor.ObserveStage("overlay", start)

	payload, err := grading.Assemble(scores, p.mapping, heatmap)
	if err != nil {
		return grading.Payload{}, wrap("assemble", err)
	}
	log.Info("prediction served",
		zap.Int("grade", payload.Prediction.Grade),
		zap.Float64("confidence", payload.Prediction.Confidence),
		zap.Bool("ground_truth_supplied", req.GroundTruth != ""))
	return payload, nil
}
