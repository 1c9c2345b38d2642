package marshal

import (
	"fmt"
	"image"
	"math"

	"github.com/Brownie44l1/imgfx-api/internal/letterbox"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

// BalanceOptions configures ColorBalance.
type BalanceOptions struct {
	// ColorOrder of the tensor planes.
	ColorOrder ColorOrder
}

// DefaultBalanceOptions matches the Real-ESRGAN export, which is fed and
// emits BGR planes.
func DefaultBalanceOptions() BalanceOptions {
	return BalanceOptions{ColorOrder: BGR}
}

// ColorBalance is a cosmetic correction tuned for the Real-ESRGAN x4plus
// checkpoint, which skews channel means. Each channel is scaled so its mean
// matches the mean of all three, then the three planes are stretched
// together to 0..255. It is not a general colour-management step.
func ColorBalance(t *tensor.Tensor, tr *letterbox.Transform, dstWidth, dstHeight int, opts BalanceOptions) (*image.RGBA, error) {
	p, err := planesOf(t, opts.ColorOrder)
	if err != nil {
		return nil, err
	}

	var factor [3]float64
	var target float64
	for k := range p.rgb {
		target += p.stats[k].mean / 3
	}
	for k := range p.rgb {
		m := p.stats[k].mean
		if m == 0 {
			m = 1
		}
		factor[k] = target / m
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for k, s := range p.stats {
		a, b := s.min*factor[k], s.max*factor[k]
		lo = math.Min(lo, math.Min(a, b))
		hi = math.Max(hi, math.Max(a, b))
	}
	span := hi - lo

	raw := image.NewRGBA(image.Rect(0, 0, p.w, p.h))
	for i := 0; i < p.w*p.h; i++ {
		for k, plane := range p.rgb {
			var out float64
			if span > 0 {
				out = (float64(plane[i])*factor[k] - lo) / span * 255
			}
			raw.Pix[i*4+k] = clampByte(float32(out))
		}
		raw.Pix[i*4+3] = 0xff
	}
	return letterbox.Unpad(raw, tr, dstWidth, dstHeight), nil
}

// Per-channel gains applied by ChannelStretch, tuned for the same
// checkpoint as ColorBalance.
const (
	RedEnhance   = 0.8
	GreenEnhance = 1.1
	BlueEnhance  = 1.2
)

// StretchOptions configures ChannelStretch. A zero Enhance uses the
// package constants.
type StretchOptions struct {
	ColorOrder ColorOrder
	Enhance    [3]float32
}

func DefaultStretchOptions() StretchOptions {
	return StretchOptions{
		ColorOrder: BGR,
		Enhance:    [3]float32{RedEnhance, GreenEnhance, BlueEnhance},
	}
}

// ChannelStretch normalises each channel to its own min and max, then
// multiplies by its gain. A flat channel renders as mid gray.
func ChannelStretch(t *tensor.Tensor, tr *letterbox.Transform, dstWidth, dstHeight int, opts StretchOptions) (*image.RGBA, error) {
	p, err := planesOf(t, opts.ColorOrder)
	if err != nil {
		return nil, err
	}
	gain := opts.Enhance
	if gain == [3]float32{} {
		gain = DefaultStretchOptions().Enhance
	}

	raw := image.NewRGBA(image.Rect(0, 0, p.w, p.h))
	for i := 0; i < p.w*p.h; i++ {
		for k, plane := range p.rgb {
			s := p.stats[k]
			out := float32(128)
			if span := s.max - s.min; span > 0 {
				out = float32((float64(plane[i])-s.min)/span*255) * gain[k]
			}
			raw.Pix[i*4+k] = clampByte(out)
		}
		raw.Pix[i*4+3] = 0xff
	}
	return letterbox.Unpad(raw, tr, dstWidth, dstHeight), nil
}

type channelStats struct {
	min, max, mean float64
}

// planes holds a 3-channel NCHW output split into red, green and blue.
type planes struct {
	w, h  int
	rgb   [3][]float32
	stats [3]channelStats
}

func planesOf(t *tensor.Tensor, order ColorOrder) (planes, error) {
	if t == nil || len(t.Shape) != 4 || t.Shape[1] != 3 {
		var s tensor.Shape
		if t != nil {
			s = t.Shape
		}
		return planes{}, fmt.Errorf("%w: balancing needs [n,3,h,w], got %s", ErrUnsupportedLayout, s)
	}
	h, w := int(t.Shape[2]), int(t.Shape[3])
	n := h * w
	if h <= 0 || w <= 0 || len(t.Data) < 3*n {
		return planes{}, fmt.Errorf("%w: shape %s with %d values", ErrUnsupportedLayout, t.Shape, len(t.Data))
	}

	p := planes{w: w, h: h}
	for k := 0; k < 3; k++ {
		src := k
		if order == BGR {
			src = 2 - k
		}
		p.rgb[k] = t.Data[src*n : (src+1)*n]

		st := channelStats{min: math.Inf(1), max: math.Inf(-1)}
		var sum float64
		for _, v := range p.rgb[k] {
			f := float64(v)
			st.min, st.max = math.Min(st.min, f), math.Max(st.max, f)
			sum += f
		}
		st.mean = sum / float64(n)
		p.stats[k] = st
	}
	return p, nil
}
