package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"time"

	"github.com/Brownie44l1/imgfx-api/internal/marshal"
	"github.com/Brownie44l1/imgfx-api/internal/session"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

var ErrUnknownTask = errors.New("unknown task")

// Task is an image transformation backed by one model.
type Task string

const (
	SuperResolution Task = "super-resolution"
	StyleTransfer   Task = "style-transfer"
	Cartoonize      Task = "cartoonize"
)

func Tasks() []Task {
	return []Task{SuperResolution, StyleTransfer, Cartoonize}
}

func ParseTask(s string) (Task, error) {
	t := Task(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Tasks() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownTask, s)
}

// PostProcess selects how a model output becomes an image.
type PostProcess string

const (
	PostDecode  PostProcess = "decode"
	PostBalance PostProcess = "balance"
	PostStretch PostProcess = "stretch"
)

// Metadata is the optional <model>.json file next to a model. It
// overrides what the model itself declares.
type Metadata struct {
	InputShape  []int64     `json:"input_shape"`
	OutputShape []int64     `json:"output_shape"`
	ImageSize   int         `json:"image_size"`
	PostProcess PostProcess `json:"post_process,omitempty"`
}

// MetadataPath is modelPath with its .onnx extension replaced by .json.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + ".json"
}

// LoadMetadata reads a metadata file. A missing file is not an error and
// returns nil.
func LoadMetadata(path string) (*Metadata, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", path, err)
	}
	switch m.PostProcess {
	case "", PostDecode, PostBalance, PostStretch:
	default:
		return nil, fmt.Errorf("metadata %s: unknown post_process %q", path, m.PostProcess)
	}
	return &m, nil
}

// Preset is how one task drives its model.
type Preset struct {
	Task   Task
	File   string
	Encode marshal.EncodeOptions
	Decode marshal.DecodeOptions
	Post   PostProcess
	// Hint is the input shape used when the model leaves it undeclared.
	Hint tensor.Shape
	// Upscale sizes the result by the advisor's scale factor.
	Upscale bool
}

// Presets returns the bundled model configurations.
func Presets() map[Task]Preset {
	bgr := marshal.DefaultDecodeOptions()
	bgr.ColorOrder = marshal.BGR

	unit := marshal.DefaultDecodeOptions()
	unit.Range = marshal.RangeZeroToOne

	signed := marshal.DefaultDecodeOptions()
	signed.Range = marshal.RangeNegOneToOne

	return map[Task]Preset{
		SuperResolution: {
			Task:    SuperResolution,
			File:    "RealESRGAN_x4plus_pc.onnx",
			Encode:  marshal.EncodeOptions{Layout: tensor.NCHW, ColorOrder: marshal.BGR, ScaleTo01: true},
			Decode:  bgr,
			Post:    PostBalance,
			Upscale: true,
		},
		StyleTransfer: {
			Task:   StyleTransfer,
			File:   "AnimeGANv2_Hayao.onnx",
			Encode: marshal.EncodeOptions{Layout: tensor.NHWC, ScaleTo01: true},
			Decode: unit,
			Post:   PostDecode,
			Hint:   tensor.Shape{1, 256, 256, 3},
		},
		Cartoonize: {
			Task:   Cartoonize,
			File:   "AnimeGANv3_large_Ghibli_c1_e299.onnx",
			Encode: marshal.EncodeOptions{Layout: tensor.NHWC, ScaleTo01: true, Normalize: &marshal.MinusOneOne},
			Decode: signed,
			Post:   PostDecode,
			Hint:   tensor.Shape{1, 512, 512, 3},
		},
	}
}

// apply folds sidecar metadata into the preset.
func (p Preset) apply(m *Metadata) Preset {
	if m == nil {
		return p
	}
	switch {
	case len(m.InputShape) > 0:
		p.Hint = tensor.Shape(m.InputShape).Clone()
	case m.ImageSize > 0:
		s := int64(m.ImageSize)
		if p.Encode.Layout == tensor.NHWC {
			p.Hint = tensor.Shape{1, s, s, 3}
		} else {
			p.Hint = tensor.Shape{1, 3, s, s}
		}
	}
	if m.PostProcess != "" {
		p.Post = m.PostProcess
	}
	return p
}

// ResolveShape fills the dynamic dimensions of a model input for one
// image: batch becomes 1, height and width the image's, channels 3.
func ResolveShape(s tensor.Shape, layout tensor.Layout, width, height int) tensor.Shape {
	s = s.Clone()
	if len(s) != 4 {
		return s
	}
	c, h, w := 1, 2, 3
	if layout == tensor.NHWC {
		c, h, w = 3, 1, 2
	}
	s[0] = 1
	if s[c] <= 0 {
		s[c] = 3
	}
	if s[h] <= 0 {
		s[h] = int64(height)
	}
	if s[w] <= 0 {
		s[w] = int64(width)
	}
	return s
}

// Output is a processed image.
type Output struct {
	Image    *image.RGBA
	Task     Task
	Scale    int
	Backends session.Candidate
	Elapsed  time.Duration
}
