// Package letterbox fits images into fixed model inputs without distorting
// them, and maps model outputs back to the original framing.
package letterbox

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Transform records how an image was placed on a padded canvas. It is
// produced once by ResizeWithPadding and consumed by Unpad on the matching
// model output.
type Transform struct {
	OriginalWidth  int     `json:"original_width"`
	OriginalHeight int     `json:"original_height"`
	InputWidth     int     `json:"input_width"`
	InputHeight    int     `json:"input_height"`
	Scale          float64 `json:"scale"`
	OffsetX        float64 `json:"offset_x"`
	OffsetY        float64 `json:"offset_y"`
	ScaledWidth    float64 `json:"scaled_width"`
	ScaledHeight   float64 `json:"scaled_height"`
}

// Rect is a rectangle with fractional geometry.
type Rect struct {
	X, Y, Width, Height float64
}

// ResizeWithPadding scales img uniformly so it fits targetWidth x
// targetHeight, centres it, and fills the rest with pad (black when nil).
func ResizeWithPadding(img image.Image, targetWidth, targetHeight int, pad color.Color) (*image.RGBA, Transform) {
	targetWidth, targetHeight = max(targetWidth, 0), max(targetHeight, 0)
	if pad == nil {
		pad = color.Black
	}

	canvas := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: pad}, image.Point{}, draw.Src)

	t := Transform{InputWidth: targetWidth, InputHeight: targetHeight}
	if img == nil {
		return canvas, t
	}

	b := img.Bounds()
	t.OriginalWidth, t.OriginalHeight = b.Dx(), b.Dy()
	if b.Empty() || canvas.Bounds().Empty() {
		return canvas, t
	}

	t.Scale = math.Min(float64(targetWidth)/float64(b.Dx()), float64(targetHeight)/float64(b.Dy()))
	t.ScaledWidth = float64(b.Dx()) * t.Scale
	t.ScaledHeight = float64(b.Dy()) * t.Scale
	t.OffsetX = (float64(targetWidth) - t.ScaledWidth) / 2
	t.OffsetY = (float64(targetHeight) - t.ScaledHeight) / 2

	dr := roundRect(Rect{X: t.OffsetX, Y: t.OffsetY, Width: t.ScaledWidth, Height: t.ScaledHeight})
	if !dr.Empty() {
		draw.BiLinear.Scale(canvas, dr, img, b, draw.Over, nil)
	}
	return canvas, t
}

// CropRect maps the placed image from input space into the space of a model
// output of size outWidth x outHeight.
func (t Transform) CropRect(outWidth, outHeight int) Rect {
	sx, sy := 1.0, 1.0
	if t.InputWidth > 0 {
		sx = float64(outWidth) / float64(t.InputWidth)
	}
	if t.InputHeight > 0 {
		sy = float64(outHeight) / float64(t.InputHeight)
	}
	return Rect{
		X:      t.OffsetX * sx,
		Y:      t.OffsetY * sy,
		Width:  t.ScaledWidth * sx,
		Height: t.ScaledHeight * sy,
	}
}

// Unpad draws the part of src covered by the placed image onto a new
// dstWidth x dstHeight canvas. A nil transform draws all of src.
func Unpad(src image.Image, t *Transform, dstWidth, dstHeight int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, max(dstWidth, 0), max(dstHeight, 0)))
	if src == nil {
		return dst
	}

	b := src.Bounds()
	sr := b
	if t != nil {
		r := roundRect(t.CropRect(b.Dx(), b.Dy())).Add(b.Min).Intersect(b)
		if !r.Empty() {
			sr = r
		}
	}
	if dst.Bounds().Empty() || sr.Empty() {
		return dst
	}

	draw.BiLinear.Scale(dst, dst.Bounds(), src, sr, draw.Src, nil)
	return dst
}

func roundRect(r Rect) image.Rectangle {
	return image.Rect(
		int(math.Round(r.X)),
		int(math.Round(r.Y)),
		int(math.Round(r.X+r.Width)),
		int(math.Round(r.Y+r.Height)),
	)
}
