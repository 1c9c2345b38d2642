package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Brownie44l1/imgfx-api/internal/advisor"
	"github.com/Brownie44l1/imgfx-api/internal/marshal"
	"github.com/Brownie44l1/imgfx-api/internal/session"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
	"github.com/Brownie44l1/imgfx-api/internal/video"
)

// Processor runs the bundled models from one directory.
type Processor struct {
	dir     string
	manager *session.Manager
	presets map[Task]Preset
	log     *slog.Logger
}

// NewProcessor loads sidecar metadata for each preset in dir and registers
// the resulting shape hints with the manager. Models are not opened until
// first use.
func NewProcessor(dir string, manager *session.Manager, log *slog.Logger) (*Processor, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{dir: dir, manager: manager, presets: Presets(), log: log}

	for task, preset := range p.presets {
		path := p.ModelPath(task)
		meta, err := LoadMetadata(MetadataPath(path))
		if err != nil {
			return nil, err
		}
		preset = preset.apply(meta)
		p.presets[task] = preset
		if len(preset.Hint) > 0 {
			manager.SetShapeHint(path, preset.Hint)
		}
		log.Debug("model configured", "task", task, "model", path, "shape", preset.Hint.String(), "post", preset.Post)
	}
	return p, nil
}

func (p *Processor) ModelPath(task Task) string {
	return filepath.Join(p.dir, p.presets[task].File)
}

func (p *Processor) Preset(task Task) (Preset, bool) {
	preset, ok := p.presets[task]
	return preset, ok
}

// Process runs task on img. The result has the image's aspect ratio; for
// upscaling tasks it is scaled by the factor the advisor picks for dev.
// A nil output with a nil error means there was nothing to process.
func (p *Processor) Process(ctx context.Context, task Task, img image.Image, dev advisor.Device) (*Output, error) {
	preset, ok := p.presets[task]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTask, task)
	}
	if img == nil {
		return nil, nil
	}

	start := time.Now()
	b := img.Bounds()
	path := p.ModelPath(task)

	res, err := p.manager.Run(ctx, path, func(ctx context.Context, in session.InputInfo) (*session.Inputs, error) {
		shape := ResolveShape(in.Shape, preset.Encode.Layout, b.Dx(), b.Dy())
		enc, err := marshal.ImageToTensor(img, shape, preset.Encode)
		if err != nil || enc == nil {
			return nil, err
		}
		return &session.Inputs{
			Tensors:   map[string]*tensor.Tensor{in.Name: enc.Tensor},
			Transform: &enc.Transform,
		}, nil
	})
	if err != nil || res == nil {
		return nil, err
	}

	scale := 1
	if preset.Upscale {
		scale = advisor.DetermineScaleFactor(dev, b.Dx())
	}
	w, h := b.Dx()*scale, b.Dy()*scale

	var out *image.RGBA
	switch preset.Post {
	case PostBalance:
		out, err = marshal.ColorBalance(res.Output, res.Transform, w, h, marshal.BalanceOptions{ColorOrder: preset.Decode.ColorOrder})
	case PostStretch:
		opts := marshal.DefaultStretchOptions()
		opts.ColorOrder = preset.Decode.ColorOrder
		out, err = marshal.ChannelStretch(res.Output, res.Transform, w, h, opts)
	default:
		out, err = marshal.TensorToImageWithoutPadding(res.Output, res.Transform, w, h, preset.Decode)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", task, err)
	}

	elapsed := time.Since(start)
	p.log.Info("image processed", "task", task, "width", w, "height", h, "scale", scale,
		"backends", res.Backends.String(), "elapsed", elapsed)
	return &Output{Image: out, Task: task, Scale: scale, Backends: res.Backends, Elapsed: elapsed}, nil
}

// Video builds a frame pipeline over src that runs the cartoon model.
func (p *Processor) Video(src video.Source, canvas *image.RGBA, opts video.Options) (*video.Pipeline, error) {
	path := p.ModelPath(Cartoonize)
	if opts.Logger == nil {
		opts.Logger = p.log
	}
	infer := func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		res, err := p.manager.Run(ctx, path, func(_ context.Context, info session.InputInfo) (*session.Inputs, error) {
			return &session.Inputs{Tensors: map[string]*tensor.Tensor{info.Name: in}}, nil
		})
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, errors.New("model returned no output")
		}
		return res.Output, nil
	}
	return video.New(src, canvas, infer, opts)
}

// Close releases every loaded model.
func (p *Processor) Close() error {
	return p.manager.Close()
}
