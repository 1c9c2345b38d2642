//go:build gocv

package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

func init() {
	for _, ext := range []string{".mp4", ".avi", ".mov", ".mkv", ".webm"} {
		Register(ext, func(path string) (Source, error) { return OpenCapture(path) })
	}
}

// Capture reads a video file through OpenCV.
type Capture struct {
	mu       sync.Mutex
	vc       *gocv.VideoCapture
	mat      gocv.Mat
	duration float64
	width    int
	height   int
}

func OpenCapture(path string) (*Capture, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fps := vc.Get(gocv.VideoCaptureFPS)
	count := vc.Get(gocv.VideoCaptureFrameCount)
	if fps <= 0 || count <= 0 {
		vc.Close()
		return nil, fmt.Errorf("%w: %s reports no frame rate or length", ErrUnsupportedSource, path)
	}
	return &Capture{
		vc:       vc,
		mat:      gocv.NewMat(),
		duration: count / fps,
		width:    int(vc.Get(gocv.VideoCaptureFrameWidth)),
		height:   int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}, nil
}

func (c *Capture) Duration() float64 {
	return c.duration
}

func (c *Capture) Size() (int, int) {
	return c.width, c.height
}

func (c *Capture) Seek(ctx context.Context, t float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vc.Set(gocv.VideoCapturePosMsec, t*1000)
	if !c.vc.Read(&c.mat) || c.mat.Empty() {
		return errors.New("no frame at position")
	}
	return nil
}

func (c *Capture) Frame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mat.Empty() {
		return nil, errors.New("no frame read yet")
	}
	return c.mat.ToImage()
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mat.Close()
	return c.vc.Close()
}
