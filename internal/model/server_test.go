package model

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/imgfx-api/internal/advisor"
	"github.com/Brownie44l1/imgfx-api/internal/session"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
	"github.com/Brownie44l1/imgfx-api/internal/video"
)

// echoSession returns its input unchanged, like an identity model.
type echoSession struct {
	inputs []session.InputInfo
	seen   []tensor.Shape
}

func (s *echoSession) Inputs() []session.InputInfo { return s.inputs }
func (s *echoSession) OutputNames() []string        { return []string{"output"} }
func (s *echoSession) Close() error                 { return nil }

func (s *echoSession) Run(_ context.Context, in map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	for _, t := range in {
		s.seen = append(s.seen, t.Shape)
		return map[string]*tensor.Tensor{"output": t}, nil
	}
	return nil, nil
}

func newTestProcessor(t *testing.T, dir string, inputs map[string][]session.InputInfo) (*Processor, map[string]*echoSession) {
	t.Helper()
	built := map[string]*echoSession{}
	factory := func(_ context.Context, path string, _ session.Candidate) (session.Session, error) {
		s := &echoSession{inputs: inputs[filepath.Base(path)]}
		built[filepath.Base(path)] = s
		return s, nil
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := session.NewManager(factory, session.WithLogger(log), session.WithCandidates([]session.Candidate{{session.CPU}}))
	p, err := NewProcessor(dir, m, log)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, built
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func assertColor(t *testing.T, want color.RGBA, img *image.RGBA) {
	t.Helper()
	b := img.Bounds()
	got := img.RGBAAt(b.Dx()/2, b.Dy()/2)
	assert.InDelta(t, want.R, got.R, 2)
	assert.InDelta(t, want.G, got.G, 2)
	assert.InDelta(t, want.B, got.B, 2)
}

func TestParseTask(t *testing.T) {
	for _, task := range Tasks() {
		got, err := ParseTask(string(task))
		require.NoError(t, err)
		assert.Equal(t, task, got)
	}
	_, err := ParseTask("colorize")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestResolveShape(t *testing.T) {
	assert.Equal(t, tensor.Shape{1, 3, 20, 40}, ResolveShape(tensor.Shape{-1, -1, -1, -1}, tensor.NCHW, 40, 20))
	assert.Equal(t, tensor.Shape{1, 20, 40, 3}, ResolveShape(tensor.Shape{-1, -1, -1, 3}, tensor.NHWC, 40, 20))
	assert.Equal(t, tensor.Shape{1, 3, 512, 512}, ResolveShape(tensor.Shape{4, 3, 512, 512}, tensor.NCHW, 40, 20))
	assert.Equal(t, tensor.Shape{1, 2}, ResolveShape(tensor.Shape{1, 2}, tensor.NCHW, 40, 20))
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadMetadata(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, m)

	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"input_shape":[1,3,128,128],"image_size":128,"post_process":"stretch"}`), 0o644))
	m, err = LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, &Metadata{InputShape: []int64{1, 3, 128, 128}, ImageSize: 128, PostProcess: PostStretch}, m)

	require.NoError(t, os.WriteFile(path, []byte(`{"post_process":"sharpen"}`), 0o644))
	_, err = LoadMetadata(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = LoadMetadata(path)
	assert.Error(t, err)
}

func TestMetadataPath(t *testing.T) {
	assert.Equal(t, "models/a.json", MetadataPath("models/a.onnx"))
}

func TestStyleTransferUsesHint(t *testing.T) {
	p, built := newTestProcessor(t, t.TempDir(), nil)
	want := color.RGBA{R: 200, G: 120, B: 40, A: 255}

	out, err := p.Process(context.Background(), StyleTransfer, solid(64, 32, want), advisor.Device{})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 64, 32), out.Image.Bounds())
	assert.Equal(t, 1, out.Scale)
	assert.Equal(t, session.Candidate{session.CPU}, out.Backends)
	assertColor(t, want, out.Image)
	assert.Equal(t, []tensor.Shape{{1, 256, 256, 3}}, built["AnimeGANv2_Hayao.onnx"].seen)
}

func TestCartoonizeRoundTrip(t *testing.T) {
	p, _ := newTestProcessor(t, t.TempDir(), nil)
	want := color.RGBA{R: 30, G: 160, B: 220, A: 255}

	out, err := p.Process(context.Background(), Cartoonize, solid(30, 50, want), advisor.Device{})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 30, 50), out.Image.Bounds())
	assertColor(t, want, out.Image)
}

func TestSuperResolutionScalesByAdvice(t *testing.T) {
	inputs := map[string][]session.InputInfo{
		"RealESRGAN_x4plus_pc.onnx": {{Name: "image", Shape: tensor.Shape{1, 3, -1, -1}}},
	}
	p, built := newTestProcessor(t, t.TempDir(), inputs)
	dev := advisor.Device{PixelRatio: 2, ScreenWidth: 2560}

	out, err := p.Process(context.Background(), SuperResolution, solid(40, 20, color.RGBA{R: 90, G: 90, B: 90, A: 255}), dev)
	require.NoError(t, err)

	assert.Equal(t, 4, out.Scale)
	assert.Equal(t, image.Rect(0, 0, 160, 80), out.Image.Bounds())
	assert.Equal(t, []tensor.Shape{{1, 3, 20, 40}}, built["RealESRGAN_x4plus_pc.onnx"].seen)
}

func TestSidecarOverridesPreset(t *testing.T) {
	dir := t.TempDir()
	meta := `{"image_size":64,"post_process":"decode"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AnimeGANv2_Hayao.json"), []byte(meta), 0o644))

	p, built := newTestProcessor(t, dir, nil)
	preset, ok := p.Preset(StyleTransfer)
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{1, 64, 64, 3}, preset.Hint)

	_, err := p.Process(context.Background(), StyleTransfer, solid(8, 8, color.White), advisor.Device{})
	require.NoError(t, err)
	assert.Equal(t, []tensor.Shape{{1, 64, 64, 3}}, built["AnimeGANv2_Hayao.onnx"].seen)
}

func TestProcessEdgeCases(t *testing.T) {
	p, _ := newTestProcessor(t, t.TempDir(), nil)

	out, err := p.Process(context.Background(), StyleTransfer, nil, advisor.Device{})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = p.Process(context.Background(), Task("colorize"), solid(2, 2, color.White), advisor.Device{})
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestVideoRunsCartoonModel(t *testing.T) {
	p, built := newTestProcessor(t, t.TempDir(), nil)

	src := &stillSource{img: solid(16, 16, color.RGBA{R: 255, G: 255, B: 255, A: 255})}
	opts := video.Options{InputSize: 8, Quality: 1}
	pipe, err := p.Video(src, nil, opts)
	require.NoError(t, err)

	require.NoError(t, pipe.Run(context.Background(), nil))
	assert.Equal(t, video.Done, pipe.State())
	assert.Len(t, built["AnimeGANv3_large_Ghibli_c1_e299.onnx"].seen, 3)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, pipe.Canvas().RGBAAt(8, 8))
}

type stillSource struct {
	img image.Image
}

func (s *stillSource) Duration() float64                         { return 0.1 }
func (s *stillSource) Size() (int, int)                          { return 16, 16 }
func (s *stillSource) Seek(ctx context.Context, _ float64) error { return ctx.Err() }
func (s *stillSource) Frame() (image.Image, error)               { return s.img, nil }
