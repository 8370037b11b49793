package preprocess

import (
	iface "GradCamServer/interface"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

const DefaultSize = 224

var ErrDecode = errors.New("image could not be decoded")

// Decode parses encoded image bytes into a 3-channel BGR raster.
func Decode(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty payload", ErrDecode)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if mat.Empty() {
		// IMDecode returns an empty Mat for unsupported formats
		_ = mat.Close()
		return gocv.NewMat(), fmt.Errorf("%w: empty or unsupported format", ErrDecode)
	}
	return mat, nil
}

// Gray converts img to a single-channel luminance raster of size x size.
// The caller owns the returned Mat.
func Gray(img gocv.Mat, size int) (gocv.Mat, error) {
	gray := gocv.NewMat()
	switch img.Channels() {
	case 1:
		img.CopyTo(&gray)
	case 3:
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(img, &gray, gocv.ColorBGRAToGray)
	default:
		_ = gray.Close()
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", img.Channels())
	}
	defer gray.Close()

	resized := gocv.NewMat()
	gocv.Resize(gray, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)
	if resized.Empty() || resized.Rows() != size || resized.Cols() != size {
		_ = resized.Close()
		return gocv.NewMat(), fmt.Errorf("resize to %dx%d failed", size, size)
	}
	return resized, nil
}

// ToTensor builds the [1,size,size,1] model input with intensities scaled to [0,1].
func ToTensor(img gocv.Mat, size int) (iface.Tensor, error) {
	gray, err := Gray(img, size)
	if err != nil {
		return iface.Tensor{}, err
	}
	defer gray.Close()
	if gray.Type() != gocv.MatTypeCV8UC1 {
		return iface.Tensor{}, fmt.Errorf("unexpected pixel type %v", gray.Type())
	}
	pixels, err := gray.DataPtrUint8()
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("failed to read pixels: %w", err)
	}
	data := make([]float32, size*size)
	for i, p := range pixels[:size*size] {
		data[i] = float32(p) / 255
	}
	return iface.Tensor{Shape: []int64{1, int64(size), int64(size), 1}, Data: data}, nil
}

// Run decodes data and returns the model input together with the decoded
// raster, which the caller must close.
func Run(data []byte, size int) (iface.Tensor, gocv.Mat, error) {
	img, err := Decode(data)
	if err != nil {
		return iface.Tensor{}, img, err
	}
	tensor, err := ToTensor(img, size)
	if err != nil {
		_ = img.Close()
		return iface.Tensor{}, gocv.NewMat(), err
	}
	return tensor, img, nil
}
