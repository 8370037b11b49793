package overlay

import (
	"GradCamServer/gradcam"
	"GradCamServer/preprocess"
	"encoding/base64"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

const DefaultAlpha = 0.4

var ErrRendering = errors.New("overlay rendering failed")

// Renderer blends a false-colored saliency map onto the grayscale input.
// Alpha is the heatmap weight; the base image gets 1-Alpha.
type Renderer struct {
	Size     int
	Alpha    float64
	Colormap gocv.ColormapTypes
}

func NewRenderer(size int, alpha float64) Renderer {
	if size <= 0 {
		size = preprocess.DefaultSize
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return Renderer{Size: size, Alpha: alpha, Colormap: gocv.ColormapJet}
}

// Heatmap upsamples m to Size x Size and applies the colormap. The result is
// a 3-channel BGR Mat owned by the caller.
func (r Renderer) Heatmap(m gradcam.Map) (gocv.Mat, error) {
	if m.Height <= 0 || m.Width <= 0 || len(m.Data) != m.Height*m.Width {
		return gocv.NewMat(), fmt.Errorf("%w: invalid saliency map %dx%d", ErrRendering, m.Height, m.Width)
	}
	raw := gocv.NewMatWithSize(m.Height, m.Width, gocv.MatTypeCV32FC1)
	defer raw.Close()
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			raw.SetFloatAt(y, x, m.At(y, x))
		}
	}

	up := gocv.NewMat()
	defer up.Close()
	gocv.Resize(raw, &up, image.Pt(r.Size, r.Size), 0, 0, gocv.InterpolationLinear)

	scaled := gocv.NewMat()
	defer scaled.Close()
	// saturating cast to 0..255
	up.ConvertToWithParams(&scaled, gocv.MatTypeCV8UC1, 255, 0)

	colored := gocv.NewMat()
	gocv.ApplyColorMap(scaled, &colored, r.Colormap)
	if colored.Empty() || colored.Channels() != 3 {
		_ = colored.Close()
		return gocv.NewMat(), fmt.Errorf("%w: colormap produced no image", ErrRendering)
	}
	return colored, nil
}

// Render composites the saliency map over img at Size x Size.
func (r Renderer) Render(img gocv.Mat, m gradcam.Map) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty base image", ErrRendering)
	}
	gray, err := preprocess.Gray(img, r.Size)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrRendering, err)
	}
	defer gray.Close()
	base := gocv.NewMat()
	defer base.Close()
	gocv.CvtColor(gray, &base, gocv.ColorGrayToBGR)

	heat, err := r.Heatmap(m)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer heat.Close()

	blended := gocv.NewMat()
	gocv.AddWeighted(heat, r.Alpha, base, 1-r.Alpha, 0, &blended)
	if blended.Empty() || blended.Rows() != r.Size || blended.Cols() != r.Size {
		_ = blended.Close()
		return gocv.NewMat(), fmt.Errorf("%w: blend failed", ErrRendering)
	}
	return blended, nil
}

// Encode compresses img as PNG and returns it base64 encoded.
func Encode(img gocv.Mat) (string, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRendering, err)
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}

func (r Renderer) RenderBase64(img gocv.Mat, m gradcam.Map) (string, error) {
	out, err := r.Render(img, m)
	if err != nil {
		return "", err
	}
	defer out.Close()
	return Encode(out)
}
