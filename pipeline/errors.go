package pipeline

import (
	"GradCamServer/engine"
	"GradCamServer/gradcam"
	"GradCamServer/overlay"
	"GradCamServer/preprocess"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

var ErrMissingInput = errors.New("no image payload")

type Kind int

const (
	KindInternal Kind = iota
	KindModelUnavailable
	KindMissingInput
	KindDecode
	KindShapeMismatch
	KindLayerNotFound
	KindRendering
)

var kindNames = map[Kind]string{
	KindInternal:         "internal",
	KindModelUnavailable: "model_unavailable",
	KindMissingInput:     "missing_input",
	KindDecode:           "decode_error",
	KindShapeMismatch:    "shape_mismatch",
	KindLayerNotFound:    "layer_not_found",
	KindRendering:        "rendering_error",
}

// messages are what clients see; they never carry internal details.
var messages = map[Kind]string{
	KindInternal:         "Prediction failed",
	KindModelUnavailable: "Model not available",
	KindMissingInput:     "No file uploaded",
	KindDecode:           "Uploaded file is not a valid image",
	KindShapeMismatch:    "Model input contract violated",
	KindLayerNotFound:    "Saliency layer unavailable",
	KindRendering:        "Failed to render heatmap",
}

func (k Kind) String() string {
	return kindNames[k]
}

func (k Kind) Message() string {
	return messages[k]
}

// Status is the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindModelUnavailable:
		return http.StatusServiceUnavailable
	case KindMissingInput, KindDecode:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code is the gRPC status code for the kind.
func (k Kind) Code() codes.Code {
	switch k {
	case KindModelUnavailable:
		return codes.Unavailable
	case KindMissingInput, KindDecode:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// Error is a classified pipeline failure. Stage names the step that failed.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Stage + ": " + e.Kind.String()
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the client facing text.
func (e *Error) Message() string {
	return e.Kind.Message()
}

// Classify maps any error returned by a stage to its Kind.
func Classify(err error) Kind {
	var pe *Error
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, engine.ErrModelUnavailable):
		return KindModelUnavailable
	case errors.Is(err, ErrMissingInput):
		return KindMissingInput
	case errors.Is(err, preprocess.ErrDecode):
		return KindDecode
	case errors.Is(err, engine.ErrShapeMismatch), errors.Is(err, gradcam.ErrShape):
		return KindShapeMismatch
	case errors.Is(err, engine.ErrLayerNotFound), errors.Is(err, engine.ErrTargetOutOfRange):
		return KindLayerNotFound
	case errors.Is(err, overlay.ErrRendering):
		return KindRendering
	default:
		return KindInternal
	}
}

func wrap(stage string, err error) *Error {
	return &Error{Kind: Classify(err), Stage: stage, Err: err}
}

// AsError returns err as a classified *Error.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return wrap("pipeline", err)
}
