package marshal

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

// FrameToTensor stretches a video frame to size x size with nearest
// neighbour sampling and encodes it NHWC in [-1,1], scaled by quality.
func FrameToTensor(img image.Image, size int, quality float32) (*tensor.Tensor, error) {
	if img == nil || size <= 0 {
		return nil, fmt.Errorf("%w: frame size %d", ErrBadShape, size)
	}
	small := resize.Resize(uint(size), uint(size), img, resize.NearestNeighbor)
	b := small.Bounds()

	data := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := small.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*size + x) * 3
			data[i+0] = (float32(r>>8)/255*2 - 1) * quality
			data[i+1] = (float32(g>>8)/255*2 - 1) * quality
			data[i+2] = (float32(bl>>8)/255*2 - 1) * quality
		}
	}
	return tensor.New(tensor.Shape{1, int64(size), int64(size), 3}, tensor.NHWC, data)
}

// RenderFrame denormalises a [-1,1] output, smooths it and draws it over
// the whole canvas.
func RenderFrame(t *tensor.Tensor, canvas *image.RGBA) error {
	v, err := viewOf(t)
	if err != nil {
		return err
	}
	raw := image.NewRGBA(image.Rect(0, 0, v.w, v.h))
	for i := 0; i < v.w*v.h; i++ {
		p := v.rgbAt(i, RGB)
		for k := 0; k < 3; k++ {
			raw.Pix[i*4+k] = clampByte((p[k] + 1) / 2 * 255)
		}
		raw.Pix[i*4+3] = 0xff
	}

	smooth := Smooth3x3(raw)
	draw.BiLinear.Scale(canvas, canvas.Bounds(), smooth, smooth.Bounds(), draw.Src, nil)
	return nil
}

// Smooth3x3 applies the kernel [[1,2,1],[2,4,2],[1,2,1]]/16 to the colour
// channels, rounding to nearest. Border pixels and alpha are copied
// unchanged.
func Smooth3x3(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	if b.Empty() {
		return dst
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		copy(dst.Pix[dst.PixOffset(b.Min.X, y):], src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X-1, y)+4])
	}

	kernel := [3][3]uint32{{1, 2, 1}, {2, 4, 2}, {1, 2, 1}}
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			var sum [3]uint32
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					w := kernel[ky+1][kx+1]
					o := src.PixOffset(x+kx, y+ky)
					sum[0] += uint32(src.Pix[o+0]) * w
					sum[1] += uint32(src.Pix[o+1]) * w
					sum[2] += uint32(src.Pix[o+2]) * w
				}
			}
			o := dst.PixOffset(x, y)
			dst.Pix[o+0] = div16(sum[0])
			dst.Pix[o+1] = div16(sum[1])
			dst.Pix[o+2] = div16(sum[2])
		}
	}
	return dst
}

// div16 rounds v/16 to the nearest integer, ties to even.
func div16(v uint32) uint8 {
	q, r := v/16, v%16
	if r > 8 || (r == 8 && q&1 == 1) {
		q++
	}
	return uint8(min(q, 255))
}
