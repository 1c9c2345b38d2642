package marshal

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

func TestDetectRange(t *testing.T) {
	nan := float32(math.NaN())
	cases := []struct {
		name string
		data []float32
		want Range
	}{
		{"signed unit", []float32{-1, 0, 0.5, 1}, RangeNegOneToOne},
		{"slightly past unit", []float32{-1.4, 1.4}, RangeNegOneToOne},
		{"unit", []float32{0, 0.25, 1}, RangeZeroToOne},
		{"bytes", []float32{0, 17, 254.5}, RangeZeroTo255},
		{"bytes with undershoot", []float32{-9, 280}, RangeZeroTo255},
		{"too large", []float32{0, 1000}, RangeZeroToOne},
		{"between", []float32{0, 1.8}, RangeZeroToOne},
		{"empty", nil, RangeZeroToOne},
		{"non finite skipped", []float32{nan, -0.5, float32(math.Inf(1)), 0.5}, RangeNegOneToOne},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectRange(tc.data))
		})
	}
}

func TestDetectRangeSamplesPrefix(t *testing.T) {
	data := make([]float32, rangeSample+1)
	data[0] = 0.5
	data[rangeSample] = 200
	assert.Equal(t, RangeZeroToOne, DetectRange(data))
}

func TestDetectRangeWindowCountsNonFinite(t *testing.T) {
	data := make([]float32, rangeSample+1)
	for i := range rangeSample {
		data[i] = float32(math.NaN())
	}
	data[rangeSample] = 200
	// the window is all NaN, so the value past it is never seen
	assert.Equal(t, RangeZeroToOne, DetectRange(data))
}

func TestParseRange(t *testing.T) {
	for _, r := range []Range{RangeAuto, RangeZeroToOne, RangeNegOneToOne, RangeZeroTo255} {
		got, err := ParseRange(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseRange("0-65535")
	assert.Error(t, err)
}

func TestTensorToImageSignedRange(t *testing.T) {
	tt, err := tensor.New(tensor.Shape{1, 3, 1, 3}, tensor.NCHW, []float32{
		-1, 0, 1,
		-1, 0, 1,
		-1, 0, 1,
	})
	require.NoError(t, err)

	img, err := TensorToImage(tt, DefaultDecodeOptions())
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 128, G: 128, B: 128, A: 255}, img.RGBAAt(1, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(2, 0))
}

func TestTensorToImageInterleavedBGR(t *testing.T) {
	data := make([]float32, 2*2*3)
	for i := 0; i < 4; i++ {
		data[i*3] = 1
	}
	tt, err := tensor.New(tensor.Shape{1, 2, 2, 3}, tensor.NHWC, data)
	require.NoError(t, err)

	opts := DefaultDecodeOptions()
	opts.ColorOrder = BGR
	img, err := TensorToImage(tt, opts)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, img.RGBAAt(1, 1))
}

func TestTensorToImageGray(t *testing.T) {
	tt, err := tensor.New(tensor.Shape{1, 1, 1, 2}, tensor.NCHW, []float32{0, 1})
	require.NoError(t, err)

	img, err := TensorToImage(tt, DefaultDecodeOptions())
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(1, 0))
}

func TestTensorToImageExplicitRange(t *testing.T) {
	tt, err := tensor.New(tensor.Shape{1, 1, 1, 2}, tensor.NCHW, []float32{0.5, 1})
	require.NoError(t, err)

	opts := DefaultDecodeOptions()
	opts.Range = RangeZeroTo255
	img, err := TensorToImage(tt, opts)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), img.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(1), img.RGBAAt(1, 0).R)
}

func TestValuePipelineOrder(t *testing.T) {
	m := newValueMapper(nil, DecodeOptions{
		Range:          RangeZeroToOne,
		Clamp01:        true,
		OutputScale:    2,
		ChannelScales:  [3]float32{0.5, 1, 1},
		ChannelOffsets: [3]float32{0.1, 0, 0},
	})
	// (0.4*0.5 + 0.1) * 2 = 0.6
	assert.Equal(t, uint8(153), m.byteOf(0.4, 0))
	// 0.6*2 clamps to 1
	assert.Equal(t, uint8(255), m.byteOf(0.6, 1))

	m = newValueMapper(nil, DecodeOptions{Range: RangeNegOneToOne})
	assert.Equal(t, uint8(191), m.byteOf(0.5, 0))
	assert.Equal(t, uint8(0), m.byteOf(float32(math.NaN()), 0))
}

func TestTensorToImageRejectsLayouts(t *testing.T) {
	tt, err := tensor.New(tensor.Shape{1, 2, 2, 2}, tensor.NHWC, make([]float32, 8))
	require.NoError(t, err)
	_, err = TensorToImage(tt, DefaultDecodeOptions())
	assert.ErrorIs(t, err, ErrUnsupportedLayout)

	_, err = TensorToImage(&tensor.Tensor{Shape: tensor.Shape{1, 3, 2, 2}, Data: make([]float32, 3)}, DefaultDecodeOptions())
	assert.ErrorIs(t, err, ErrUnsupportedLayout)

	_, err = TensorToImage(nil, DefaultDecodeOptions())
	assert.ErrorIs(t, err, ErrUnsupportedLayout)
}

func TestUniformColorRoundTrip(t *testing.T) {
	want := color.RGBA{R: 200, G: 100, B: 50, A: 255}
	for _, order := range []ColorOrder{RGB, BGR} {
		enc := DefaultEncodeOptions()
		enc.ColorOrder = order
		in, err := ImageToTensor(solid(40, 20, want), tensor.Shape{1, 3, 16, 16}, enc)
		require.NoError(t, err)

		dec := DefaultDecodeOptions()
		dec.ColorOrder = order
		out, err := TensorToImageWithoutPadding(in.Tensor, &in.Transform, 40, 20, dec)
		require.NoError(t, err)
		require.Equal(t, image.Rect(0, 0, 40, 20), out.Bounds())

		for y := 0; y < 20; y++ {
			for x := 0; x < 40; x++ {
				got := out.RGBAAt(x, y)
				assert.InDelta(t, want.R, got.R, 2)
				assert.InDelta(t, want.G, got.G, 2)
				assert.InDelta(t, want.B, got.B, 2)
			}
		}
	}
}

func TestUniformColorRoundTripInterleavedSigned(t *testing.T) {
	want := color.RGBA{R: 30, G: 160, B: 220, A: 255}
	enc := DefaultEncodeOptions()
	enc.Layout = tensor.NHWC
	enc.Normalize = &MinusOneOne
	in, err := ImageToTensor(solid(24, 30, want), tensor.Shape{1, 32, 32, 3}, enc)
	require.NoError(t, err)

	dec := DefaultDecodeOptions()
	dec.Range = RangeNegOneToOne
	out, err := TensorToImageWithoutPadding(in.Tensor, &in.Transform, 24, 30, dec)
	require.NoError(t, err)

	got := out.RGBAAt(12, 15)
	assert.InDelta(t, want.R, got.R, 2)
	assert.InDelta(t, want.G, got.G, 2)
	assert.InDelta(t, want.B, got.B, 2)
}
