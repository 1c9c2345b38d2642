// Package marshal converts between decoded images and model tensors.
//
// Encoding letterboxes the image into the model's fixed input and returns
// the placement alongside the tensor; decoding reads a model output back into
// pixels, resolving its numeric range and undoing the letterbox.
package marshal

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/Brownie44l1/imgfx-api/internal/letterbox"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

var (
	ErrBadShape          = errors.New("marshal: unsupported target shape")
	ErrUnsupportedLayout = errors.New("marshal: unsupported tensor layout")
)

// ColorOrder is the channel order a model expects or produces.
type ColorOrder int

const (
	RGB ColorOrder = iota
	BGR
)

func (o ColorOrder) String() string {
	if o == BGR {
		return "BGR"
	}
	return "RGB"
}

// ParseColorOrder accepts "rgb" or "bgr" in any case. Empty means RGB.
func ParseColorOrder(s string) (ColorOrder, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "RGB":
		return RGB, nil
	case "BGR":
		return BGR, nil
	default:
		return RGB, fmt.Errorf("marshal: unknown color order %q", s)
	}
}

// Normalization is a per-channel (x-mean)/std step, in RGB order.
type Normalization struct {
	Mean [3]float32 `json:"mean"`
	Std  [3]float32 `json:"std"`
}

// Presets shared by the bundled models.
var (
	ImageNet    = Normalization{Mean: [3]float32{0.485, 0.456, 0.406}, Std: [3]float32{0.229, 0.224, 0.225}}
	MinusOneOne = Normalization{Mean: [3]float32{0.5, 0.5, 0.5}, Std: [3]float32{0.5, 0.5, 0.5}}
)

// EncodeOptions controls ImageToTensor.
type EncodeOptions struct {
	Layout     tensor.Layout
	ColorOrder ColorOrder
	// ScaleTo01 divides pixel bytes by 255.
	ScaleTo01 bool
	Normalize *Normalization
	// Padding fills the letterbox border; nil is black.
	Padding color.Color
}

func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{Layout: tensor.NCHW, ColorOrder: RGB, ScaleTo01: true}
}

// Encoded is a model input plus the placement needed to invert it.
type Encoded struct {
	Tensor    *tensor.Tensor
	Transform letterbox.Transform
}

// ImageToTensor letterboxes img into the spatial size of shape and writes its
// pixels as floats. shape is read in opts.Layout order. A nil image or empty
// shape returns (nil, nil): there is nothing to encode.
func ImageToTensor(img image.Image, shape tensor.Shape, opts EncodeOptions) (*Encoded, error) {
	if img == nil || len(shape) == 0 {
		return nil, nil
	}
	if len(shape) != 4 || !shape.Resolved() {
		return nil, fmt.Errorf("%w: %s", ErrBadShape, shape)
	}

	t, err := tensor.Zeros(shape, opts.Layout)
	if err != nil {
		return nil, err
	}
	n, c, h, w := t.Dims()
	if c == 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrBadShape, c)
	}

	canvas, tr := letterbox.ResizeWithPadding(img, w, h, opts.Padding)

	sample := t.Data[:c*h*w]
	switch {
	case c == 12 && opts.Layout == tensor.NCHW:
		expandFeatures(canvas, sample, w, h)
	case c == 1:
		writeLuminance(canvas, sample, w, h, opts)
	default:
		writeRGB(canvas, sample, c, w, h, opts)
	}

	for b := 1; b < n; b++ {
		copy(t.Data[b*len(sample):], sample)
	}

	return &Encoded{Tensor: t, Transform: tr}, nil
}

func readRGB(canvas *image.RGBA, i int, opts EncodeOptions) [3]float32 {
	denom := float32(1)
	if opts.ScaleTo01 {
		denom = 255
	}
	px := canvas.Pix[i*4 : i*4+3 : i*4+3]
	v := [3]float32{float32(px[0]) / denom, float32(px[1]) / denom, float32(px[2]) / denom}
	if n := opts.Normalize; n != nil {
		for k := range v {
			v[k] = (v[k] - n.Mean[k]) / n.Std[k]
		}
	}
	return v
}

func writeRGB(canvas *image.RGBA, dst []float32, c, w, h int, opts EncodeOptions) {
	plane := w * h
	for i := 0; i < plane; i++ {
		v := readRGB(canvas, i, opts)
		if opts.ColorOrder == BGR {
			v[0], v[2] = v[2], v[0]
		}
		for k := 0; k < 3; k++ {
			if opts.Layout == tensor.NHWC {
				dst[i*c+k] = v[k]
			} else {
				dst[k*plane+i] = v[k]
			}
		}
	}
}

func writeLuminance(canvas *image.RGBA, dst []float32, w, h int, opts EncodeOptions) {
	for i := 0; i < w*h; i++ {
		v := readRGB(canvas, i, opts)
		dst[i] = luminance(v[0], v[1], v[2])
	}
}

func luminance(r, g, b float32) float32 {
	return 0.299*r + 0.587*g + 0.114*b
}

// expandFeatures writes the 12-plane input some super-resolution exports
// expect: RGB, horizontal and vertical forward differences per channel,
// luminance, and the magnitude of each gradient. Differences are taken
// against the previous pixel (or row) and are zero on the first column (row).
func expandFeatures(canvas *image.RGBA, dst []float32, w, h int) {
	plane := w * h
	pix := canvas.Pix
	diff := func(a, b int) float32 {
		return (float32(pix[a]) - float32(pix[b])) / 255
	}

	for i := 0; i < plane; i++ {
		x, y := i%w, i/w
		p := i * 4

		var rgb, gx, gy [3]float32
		for k := 0; k < 3; k++ {
			rgb[k] = float32(pix[p+k]) / 255
			if x > 0 {
				gx[k] = diff(p-4+k, p+k)
			}
			if y > 0 {
				gy[k] = diff(p-w*4+k, p+k)
			}
		}

		for k := 0; k < 3; k++ {
			dst[k*plane+i] = rgb[k]
			dst[(3+k)*plane+i] = gx[k]
			dst[(6+k)*plane+i] = gy[k]
		}
		dst[9*plane+i] = luminance(rgb[0], rgb[1], rgb[2])
		dst[10*plane+i] = norm3(gx)
		dst[11*plane+i] = norm3(gy)
	}
}

func norm3(v [3]float32) float32 {
	return float32(math.Sqrt(float64(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])))
}
