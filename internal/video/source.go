package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/draw"
)

var ErrUnsupportedSource = errors.New("video: unsupported source")

// Opener opens a file as a Source.
type Opener func(path string) (Source, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{".gif": openGIFFile}
)

// Register makes Open handle files with the given extension.
func Register(ext string, o Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[strings.ToLower(ext)] = o
}

// Open picks a Source by file extension.
func Open(path string) (Source, error) {
	ext := strings.ToLower(filepath.Ext(path))
	openersMu.RLock()
	o, ok := openers[ext]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, ext)
	}
	return o(path)
}

func openGIFFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return OpenGIF(f)
}

// GIF delays are in hundredths of a second; 0 means the viewer default.
const defaultGIFDelay = 0.1

// GIF is an animated GIF decoded into fully composited frames.
type GIF struct {
	frames   []*image.RGBA
	starts   []float64
	duration float64

	mu  sync.Mutex
	cur int
}

func OpenGIF(r io.Reader) (*GIF, error) {
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode gif: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: gif has no frames", ErrUnsupportedSource)
	}

	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		for _, f := range g.Image {
			bounds = bounds.Union(f.Bounds())
		}
	}

	out := &GIF{}
	canvas := image.NewRGBA(bounds)
	for i, f := range g.Image {
		var previous *image.RGBA
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			previous = cloneRGBA(canvas)
		}

		draw.Draw(canvas, f.Bounds(), f, f.Bounds().Min, draw.Over)
		out.frames = append(out.frames, cloneRGBA(canvas))

		delay := defaultGIFDelay
		if i < len(g.Delay) && g.Delay[i] > 0 {
			delay = float64(g.Delay[i]) / 100
		}
		out.starts = append(out.starts, out.duration)
		out.duration += delay

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, f.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return out, nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

func (g *GIF) Duration() float64 {
	return g.duration
}

func (g *GIF) Size() (int, int) {
	b := g.frames[0].Bounds()
	return b.Dx(), b.Dy()
}

// Seek selects the frame showing at t. Times past the end show the last frame.
func (g *GIF) Seek(ctx context.Context, t float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i := sort.Search(len(g.starts), func(i int) bool { return g.starts[i] > t }) - 1
	g.mu.Lock()
	g.cur = max(i, 0)
	g.mu.Unlock()
	return nil
}

func (g *GIF) Frame() (image.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frames[g.cur], nil
}
