package main

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/imgfx-api/internal/advisor"
	"github.com/Brownie44l1/imgfx-api/internal/envconfig"
	"github.com/Brownie44l1/imgfx-api/internal/logutil"
	"github.com/Brownie44l1/imgfx-api/internal/model"
	"github.com/Brownie44l1/imgfx-api/internal/opscheck"
	"github.com/Brownie44l1/imgfx-api/internal/session"
	"github.com/Brownie44l1/imgfx-api/internal/video"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "imgfx",
		Short:         "Run image models on local files",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("models", envconfig.Models(), "Directory holding the .onnx models")
	flags.String("backends", "", "Backend candidates, e.g. \"cuda,cpu;cpu\" (default $IMGFX_BACKENDS)")
	flags.String("ort-library", envconfig.ORTLibrary(), "Path to the onnxruntime shared library")
	flags.Uint("threads", envconfig.NumThreads(), "Intra-op threads, 0 for the runtime default")
	flags.Bool("debug", false, "Enable debug logging")

	processCmd := &cobra.Command{
		Use:   "process TASK FILE...",
		Short: "Transform images with a model",
		Long:  "Transform images with a model. TASK is one of: " + taskList() + ".",
		Args:  cobra.MinimumNArgs(2),
		RunE:  ProcessHandler,
	}
	processCmd.Flags().StringP("output", "o", "", "Output directory (default next to each input)")
	processCmd.Flags().Float64("dpr", 1, "Device pixel ratio used to pick the upscale factor")
	processCmd.Flags().Int("screen-width", 0, "Screen width in CSS pixels, 0 if unknown")
	processCmd.Flags().Bool("mobile", false, "Advise as a mobile device")

	videoCmd := &cobra.Command{
		Use:   "video FILE",
		Short: "Cartoonize a video into a PNG frame sequence",
		Args:  cobra.ExactArgs(1),
		RunE:  VideoHandler,
	}
	d := video.DefaultOptions()
	videoCmd.Flags().StringP("output", "o", "", "Output directory (default FILE without extension)")
	videoCmd.Flags().Float32("quality", d.Quality, "Input quality multiplier in (0, 1]")
	videoCmd.Flags().Int("size", d.InputSize, "Model input edge in pixels")
	videoCmd.Flags().Float64("fps", 1/d.Step, "Frames per second to process")
	videoCmd.Flags().Duration("delay", 0, "Pause between frames")

	adviseCmd := &cobra.Command{
		Use:   "advise",
		Short: "Print the upscale factor picked for a device",
		Args:  cobra.NoArgs,
		RunE:  AdviseHandler,
	}
	adviseCmd.Flags().Int("width", 0, "Image width in pixels")
	adviseCmd.Flags().Float64("dpr", 1, "Device pixel ratio")
	adviseCmd.Flags().Int("screen-width", 0, "Screen width in CSS pixels, 0 if unknown")
	adviseCmd.Flags().String("user-agent", "", "Client user agent")
	adviseCmd.MarkFlagRequired("width")

	opsCmd := &cobra.Command{
		Use:   "ops MODEL...",
		Short: "List the operators a model uses and flag uncommon ones",
		Args:  cobra.MinimumNArgs(1),
		RunE:  OpsHandler,
	}
	opsCmd.Flags().StringSlice("supported", nil, "Operators to treat as supported (default a common set)")

	rootCmd.AddCommand(processCmd, videoCmd, adviseCmd, opsCmd)
	return rootCmd
}

func taskList() string {
	var names []string
	for _, t := range model.Tasks() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func newProcessor(cmd *cobra.Command) (*model.Processor, error) {
	level := envconfig.LogLevel()
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	log := logutil.New(os.Stderr, level)
	slog.SetDefault(log)

	candidates := envconfig.Backends()
	if s, _ := cmd.Flags().GetString("backends"); s != "" {
		c, err := session.ParseCandidates(s)
		if err != nil {
			return nil, err
		}
		candidates = c
	}

	dir, _ := cmd.Flags().GetString("models")
	lib, _ := cmd.Flags().GetString("ort-library")
	threads, _ := cmd.Flags().GetUint("threads")

	factory := session.NewORTFactory(session.ORTConfig{
		LibraryPath: lib,
		NumThreads:  int(threads),
		DeviceID:    int(envconfig.DeviceID()),
	})
	m := session.NewManager(factory, session.WithCandidates(candidates), session.WithLogger(log))
	return model.NewProcessor(dir, m, log)
}

type result struct {
	in, out string
	scale   int
	backend string
	elapsed time.Duration
}

func ProcessHandler(cmd *cobra.Command, args []string) error {
	task, err := model.ParseTask(args[0])
	if err != nil {
		return fmt.Errorf("%w (expected one of: %s)", err, taskList())
	}
	files := args[1:]

	outDir, _ := cmd.Flags().GetString("output")
	dpr, _ := cmd.Flags().GetFloat64("dpr")
	screen, _ := cmd.Flags().GetInt("screen-width")
	dev := advisor.Device{PixelRatio: dpr, ScreenWidth: screen}
	if mobile, _ := cmd.Flags().GetBool("mobile"); mobile {
		dev.UserAgent = "Mobile"
	}

	p, err := newProcessor(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	results := make([]result, len(files))
	g, ctx := errgroup.WithContext(cmd.Context())
	for i, in := range files {
		g.Go(func() error {
			r, err := processFile(ctx, p, task, in, outputName(in, outDir, task), dev)
			if err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if r.out == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to do\n", r.in)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (x%d, %s, %s)\n", r.in, r.out, r.scale, r.backend, r.elapsed.Round(time.Millisecond))
	}
	return nil
}

func processFile(ctx context.Context, p *model.Processor, task model.Task, in, out string, dev advisor.Device) (result, error) {
	f, err := os.Open(in)
	if err != nil {
		return result{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return result{}, err
	}

	o, err := p.Process(ctx, task, img, dev)
	if err != nil {
		return result{}, err
	}
	if o == nil {
		return result{in: in}, nil
	}
	if err := writePNG(out, o.Image); err != nil {
		return result{}, err
	}
	return result{in: in, out: out, scale: o.Scale, backend: o.Backends.String(), elapsed: o.Elapsed}, nil
}

// outputName is "<dir>/<name>.<task>.png"; an empty dir keeps the input's.
func outputName(in, dir string, task model.Task) string {
	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	if dir == "" {
		dir = filepath.Dir(in)
	}
	return filepath.Join(dir, base+"."+string(task)+".png")
}

func frameName(dir string, frame int) string {
	return filepath.Join(dir, fmt.Sprintf("frame_%05d.png", frame))
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func VideoHandler(cmd *cobra.Command, args []string) error {
	in := args[0]
	outDir, _ := cmd.Flags().GetString("output")
	if outDir == "" {
		outDir = strings.TrimSuffix(in, filepath.Ext(in))
	}

	opts := video.DefaultOptions()
	opts.Quality, _ = cmd.Flags().GetFloat32("quality")
	opts.InputSize, _ = cmd.Flags().GetInt("size")
	opts.FrameDelay, _ = cmd.Flags().GetDuration("delay")
	if fps, _ := cmd.Flags().GetFloat64("fps"); fps > 0 {
		opts.Step = 1 / fps
	}

	src, err := video.Open(in)
	if err != nil {
		return err
	}
	if c, ok := src.(interface{ Close() error }); ok {
		defer c.Close()
	}

	p, err := newProcessor(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	pipe, err := p.Video(src, nil, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	defer fmt.Fprintln(out)
	for pr, err := range pipe.Frames(cmd.Context()) {
		if err != nil {
			return err
		}
		if err := writePNG(frameName(outDir, pr.Frame), pipe.Canvas()); err != nil {
			return err
		}
		fmt.Fprintf(out, "\rframe %d/%d (%.0f%%, %.1f fps)", pr.Frame, pr.Frames, pr.Percent, pr.FPS)
	}
	return nil
}

func AdviseHandler(cmd *cobra.Command, args []string) error {
	width, _ := cmd.Flags().GetInt("width")
	if width <= 0 {
		return fmt.Errorf("width must be positive, got %d", width)
	}
	dev := advisor.Device{}
	dev.PixelRatio, _ = cmd.Flags().GetFloat64("dpr")
	dev.ScreenWidth, _ = cmd.Flags().GetInt("screen-width")
	dev.UserAgent, _ = cmd.Flags().GetString("user-agent")

	fmt.Fprintln(cmd.OutOrStdout(), advisor.DetermineScaleFactor(dev, width))
	return nil
}

func OpsHandler(cmd *cobra.Command, args []string) error {
	supported, _ := cmd.Flags().GetStringSlice("supported")
	if len(supported) == 0 {
		supported = nil
	}

	out := cmd.OutOrStdout()
	for _, path := range args {
		r, err := opscheck.CheckFile(path, supported)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n  ops: %s\n", path, strings.Join(r.Ops, ", "))
		if len(r.Unsupported) > 0 {
			fmt.Fprintf(out, "  unsupported: %s\n", strings.Join(r.Unsupported, ", "))
		}
	}
	return nil
}
