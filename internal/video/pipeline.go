// Package video runs an image model over a video one frame at a time.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Brownie44l1/imgfx-api/internal/marshal"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

var (
	// ErrBusy is returned when a pipeline is started while already running.
	ErrBusy    = errors.New("video: pipeline already running")
	ErrQuality = errors.New("video: quality must be in (0, 1]")
)

type State int

const (
	Idle State = iota
	Processing
	Paused
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Paused:
		return "paused"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source is a seekable video.
type Source interface {
	// Duration in seconds.
	Duration() float64
	Size() (width, height int)
	// Seek returns once the frame at t is ready to be read.
	Seek(ctx context.Context, t float64) error
	// Frame returns the frame at the last seek position.
	Frame() (image.Image, error)
}

// InferFunc runs the model on one encoded frame.
type InferFunc func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error)

type Options struct {
	// Step is the time between processed frames, in seconds.
	Step float64
	// InputSize is the square model input edge.
	InputSize int
	// Quality scales the normalised input.
	Quality float32
	// FrameDelay is a pause between frames.
	FrameDelay time.Duration
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Step:       1.0 / 30,
		InputSize:  512,
		Quality:    1,
		FrameDelay: 100 * time.Millisecond,
	}
}

// Progress is a snapshot taken after a frame is rendered.
type Progress struct {
	Frame       int           `json:"frame"`
	Frames      int           `json:"frames"`
	CurrentTime float64       `json:"current_time"`
	Elapsed     time.Duration `json:"elapsed"`
	FPS         float64       `json:"fps"`
	Percent     float64       `json:"percent"`
}

// Pipeline seeks through a Source, runs each frame through the model and
// renders the result onto a canvas.
type Pipeline struct {
	src    Source
	canvas *image.RGBA
	infer  InferFunc
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	progress Progress
	resumed  chan struct{}
}

// New validates opts and returns an idle pipeline. A nil canvas is
// allocated at the source's size.
func New(src Source, canvas *image.RGBA, infer InferFunc, opts Options) (*Pipeline, error) {
	if src == nil || infer == nil {
		return nil, errors.New("video: source and infer func are required")
	}
	d := DefaultOptions()
	if opts.Step <= 0 {
		opts.Step = d.Step
	}
	if opts.InputSize <= 0 {
		opts.InputSize = d.InputSize
	}
	if opts.Quality <= 0 || opts.Quality > 1 || math.IsNaN(float64(opts.Quality)) {
		return nil, fmt.Errorf("%w: got %v", ErrQuality, opts.Quality)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if canvas == nil {
		w, h := src.Size()
		canvas = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return &Pipeline{src: src, canvas: canvas, infer: infer, opts: opts, log: opts.Logger}, nil
}

func (p *Pipeline) Canvas() *image.RGBA {
	return p.canvas
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// TotalFrames is ceil(duration/step).
func (p *Pipeline) TotalFrames() int {
	d := p.src.Duration()
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d/p.opts.Step - 1e-9))
}

// Pause stops the pipeline before the next frame starts. It reports whether
// the pipeline was processing.
func (p *Pipeline) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Processing {
		return false
	}
	p.state = Paused
	p.resumed = make(chan struct{})
	return true
}

// Resume continues a paused pipeline.
func (p *Pipeline) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Paused {
		return false
	}
	p.state = Processing
	close(p.resumed)
	return true
}

func (p *Pipeline) begin(total int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Processing || p.state == Paused {
		return ErrBusy
	}
	p.state = Processing
	p.progress = Progress{Frames: total}
	return nil
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Paused && s != Paused {
		close(p.resumed)
	}
	p.state = s
}

// waitIfPaused blocks while the pipeline is paused.
func (p *Pipeline) waitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	paused, ch := p.state == Paused, p.resumed
	p.mu.Unlock()
	if !paused {
		return ctx.Err()
	}
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames processes the video from the start, yielding after each rendered
// frame. Cancelling ctx or stopping the iteration returns the pipeline to
// Idle; reaching the end leaves it Done. A second concurrent call yields
// ErrBusy.
func (p *Pipeline) Frames(ctx context.Context) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		total := p.TotalFrames()
		if err := p.begin(total); err != nil {
			yield(Progress{}, err)
			return
		}

		final := Idle
		defer func() { p.setState(final) }()

		start := time.Now()
		p.log.Info("video processing started", "frames", total, "step", p.opts.Step)

		for i := 0; i < total; i++ {
			if err := p.waitIfPaused(ctx); err != nil {
				yield(p.Progress(), err)
				return
			}

			t := float64(i) * p.opts.Step
			if err := p.frame(ctx, t); err != nil {
				yield(p.Progress(), fmt.Errorf("frame %d at %.3fs: %w", i, t, err))
				return
			}

			pr := p.record(i+1, total, t, time.Since(start))
			if pr.Frame%5 == 0 {
				p.log.Debug("video progress", "frame", pr.Frame, "frames", total, "fps", pr.FPS)
			}
			if !yield(pr, nil) {
				return
			}

			if p.opts.FrameDelay > 0 && i+1 < total {
				select {
				case <-time.After(p.opts.FrameDelay):
				case <-ctx.Done():
					yield(p.Progress(), ctx.Err())
					return
				}
			}
		}

		final = Done
		p.log.Info("video processing finished", "frames", total, "elapsed", time.Since(start))
	}
}

func (p *Pipeline) frame(ctx context.Context, t float64) error {
	if err := p.src.Seek(ctx, t); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	img, err := p.src.Frame()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	in, err := marshal.FrameToTensor(img, p.opts.InputSize, p.opts.Quality)
	if err != nil {
		return err
	}
	out, err := p.infer(ctx, in)
	if err != nil {
		return fmt.Errorf("infer: %w", err)
	}
	return marshal.RenderFrame(out, p.canvas)
}

func (p *Pipeline) record(frame, total int, t float64, elapsed time.Duration) Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = Progress{
		Frame:       frame,
		Frames:      total,
		CurrentTime: t,
		Elapsed:     elapsed,
		Percent:     float64(frame) / float64(total) * 100,
	}
	if s := elapsed.Seconds(); s > 0 {
		p.progress.FPS = float64(frame) / s
	}
	return p.progress
}

// Run drives Frames to completion, calling onFrame after each frame.
func (p *Pipeline) Run(ctx context.Context, onFrame func(Progress)) error {
	for pr, err := range p.Frames(ctx) {
		if err != nil {
			return err
		}
		if onFrame != nil {
			onFrame(pr)
		}
	}
	return nil
}
