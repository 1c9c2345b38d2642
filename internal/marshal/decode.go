package marshal

import (
	"fmt"
	"image"
	"math"

	"github.com/Brownie44l1/imgfx-api/internal/letterbox"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

// DecodeOptions controls how output values become pixels. The zero value
// is usable: zero scales count as 1.
type DecodeOptions struct {
	ColorOrder ColorOrder
	// Clamp01 clamps to [0,1] before the final *255.
	Clamp01 bool
	Range   Range
	// OutputScale multiplies every value after the per-channel adjustment.
	OutputScale    float32
	ChannelScales  [3]float32
	ChannelOffsets [3]float32
}

func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		Clamp01:       true,
		OutputScale:   1,
		ChannelScales: [3]float32{1, 1, 1},
	}
}

// valueMapper turns one output value into a display byte. The steps run in
// a fixed order: channel scale, channel offset, global scale, range remap,
// clamp, *255.
type valueMapper struct {
	rng     Range
	clamp   bool
	scale   float32
	scales  [3]float32
	offsets [3]float32
}

func newValueMapper(data []float32, o DecodeOptions) valueMapper {
	m := valueMapper{
		rng:     o.Range,
		clamp:   o.Clamp01,
		scale:   o.OutputScale,
		scales:  o.ChannelScales,
		offsets: o.ChannelOffsets,
	}
	if m.rng == RangeAuto {
		m.rng = DetectRange(data)
	}
	if m.scale == 0 {
		m.scale = 1
	}
	if m.scales == [3]float32{} {
		m.scales = [3]float32{1, 1, 1}
	}
	return m
}

func (m valueMapper) byteOf(v float32, ch int) uint8 {
	x := (v*m.scales[ch] + m.offsets[ch]) * m.scale
	switch m.rng {
	case RangeZeroTo255:
		return clampByte(x)
	case RangeNegOneToOne:
		x = x*0.5 + 0.5
	}
	if m.clamp {
		x = min(max(x, 0), 1)
	}
	return clampByte(x * 255)
}

func clampByte(x float32) uint8 {
	switch {
	case math.IsNaN(float64(x)) || x <= 0:
		return 0
	case x >= 255:
		return 255
	}
	return uint8(x + 0.5)
}

// view indexes a 4-D output regardless of its axis order.
type view struct {
	c, h, w int
	planar  bool
	data    []float32
}

func (v view) at(i, k int) float32 {
	if v.planar {
		return v.data[k*v.h*v.w+i]
	}
	return v.data[i*v.c+k]
}

// viewOf reads the layout from the channel dimension: 1 is grayscale and 3
// is planar; anything else is taken as interleaved with at least 3 channels.
func viewOf(t *tensor.Tensor) (view, error) {
	if t == nil || len(t.Shape) != 4 {
		return view{}, fmt.Errorf("%w: need a 4-D tensor", ErrUnsupportedLayout)
	}
	s := t.Shape
	v := view{data: t.Data}
	switch s[1] {
	case 1, 3:
		v.planar = true
		v.c, v.h, v.w = int(s[1]), int(s[2]), int(s[3])
	default:
		v.h, v.w, v.c = int(s[1]), int(s[2]), int(s[3])
		if v.c < 3 {
			return view{}, fmt.Errorf("%w: shape %s", ErrUnsupportedLayout, s)
		}
	}
	if v.h <= 0 || v.w <= 0 || len(t.Data) < v.c*v.h*v.w {
		return view{}, fmt.Errorf("%w: shape %s with %d values", ErrUnsupportedLayout, s, len(t.Data))
	}
	return v, nil
}

// rgbAt returns the pixel's red, green and blue values in that order.
func (v view) rgbAt(i int, order ColorOrder) [3]float32 {
	if v.c == 1 {
		g := v.at(i, 0)
		return [3]float32{g, g, g}
	}
	p := [3]float32{v.at(i, 0), v.at(i, 1), v.at(i, 2)}
	if order == BGR {
		p[0], p[2] = p[2], p[0]
	}
	return p
}

// TensorToImage renders the first image of t at the tensor's own size.
func TensorToImage(t *tensor.Tensor, opts DecodeOptions) (*image.RGBA, error) {
	v, err := viewOf(t)
	if err != nil {
		return nil, err
	}
	m := newValueMapper(t.Data[:v.c*v.h*v.w], opts)

	img := image.NewRGBA(image.Rect(0, 0, v.w, v.h))
	for i := 0; i < v.w*v.h; i++ {
		p := v.rgbAt(i, opts.ColorOrder)
		o := i * 4
		img.Pix[o+0] = m.byteOf(p[0], 0)
		img.Pix[o+1] = m.byteOf(p[1], 1)
		img.Pix[o+2] = m.byteOf(p[2], 2)
		img.Pix[o+3] = 0xff
	}
	return img, nil
}

// TensorToImageWithoutPadding renders t, cuts out the region the letterboxed
// input occupied and draws it at dstWidth x dstHeight. A nil transform keeps
// the whole output.
func TensorToImageWithoutPadding(t *tensor.Tensor, tr *letterbox.Transform, dstWidth, dstHeight int, opts DecodeOptions) (*image.RGBA, error) {
	raw, err := TensorToImage(t, opts)
	if err != nil {
		return nil, err
	}
	return letterbox.Unpad(raw, tr, dstWidth, dstHeight), nil
}
