package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

// ORTConfig configures sessions built on ONNX Runtime.
type ORTConfig struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default lookup.
	LibraryPath string
	NumThreads  int
	DeviceID    int
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initORT(libraryPath string) error {
	ortInitOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// NewORTFactory returns a Factory that builds ONNX Runtime sessions with the
// candidate's execution providers appended in order. CPU needs no provider.
func NewORTFactory(cfg ORTConfig) Factory {
	return func(ctx context.Context, modelPath string, backends Candidate) (Session, error) {
		if err := initORT(cfg.LibraryPath); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
		if err != nil {
			return nil, fmt.Errorf("read model info: %w", err)
		}

		opts, err := ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("session options: %w", err)
		}
		defer opts.Destroy()

		if cfg.NumThreads > 0 {
			if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
				return nil, fmt.Errorf("set threads: %w", err)
			}
		}
		for _, b := range backends {
			if err := appendProvider(opts, b, cfg); err != nil {
				return nil, fmt.Errorf("%s provider: %w", b, err)
			}
		}

		s := &ortSession{}
		for _, in := range inputs {
			s.inputs = append(s.inputs, InputInfo{
				Name:     in.Name,
				Shape:    tensor.Shape(in.Dimensions).Clone(),
				DataType: dataTypeOf(in.DataType),
			})
		}
		for _, out := range outputs {
			s.outputNames = append(s.outputNames, out.Name)
		}
		if len(s.inputs) == 0 {
			s.inputs = []InputInfo{{Name: defaultInputName}}
		}
		if len(s.outputNames) == 0 {
			s.outputNames = []string{"output"}
		}

		inNames := make([]string, len(s.inputs))
		for i, in := range s.inputs {
			inNames[i] = in.Name
		}
		s.inner, err = ort.NewDynamicAdvancedSession(modelPath, inNames, s.outputNames, opts)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return s, nil
	}
}

func appendProvider(opts *ort.SessionOptions, b Backend, cfg ORTConfig) error {
	device := strconv.Itoa(cfg.DeviceID)
	switch b {
	case CPU:
		return nil
	case CUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": device}); err != nil {
			return err
		}
		return opts.AppendExecutionProviderCUDA(cuda)
	case TensorRT:
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return err
		}
		defer trt.Destroy()
		if err := trt.Update(map[string]string{"device_id": device}); err != nil {
			return err
		}
		return opts.AppendExecutionProviderTensorRT(trt)
	case CoreML:
		return opts.AppendExecutionProviderCoreML(0)
	case DirectML:
		return opts.AppendExecutionProviderDirectML(cfg.DeviceID)
	case OpenVINO:
		return opts.AppendExecutionProviderOpenVINO(map[string]string{})
	default:
		return fmt.Errorf("unknown backend %q", string(b))
	}
}

func dataTypeOf(t ort.TensorElementDataType) DataType {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return Float32
	case ort.TensorElementDataTypeFloat16:
		return Float16
	default:
		return OtherType
	}
}

type ortSession struct {
	inner       *ort.DynamicAdvancedSession
	inputs      []InputInfo
	outputNames []string
}

func (s *ortSession) Inputs() []InputInfo {
	return s.inputs
}

func (s *ortSession) OutputNames() []string {
	return s.outputNames
}

// Run copies the inputs into runtime tensors and the outputs back out, so
// nothing returned aliases runtime memory. An in-flight run cannot be
// interrupted; ctx is only checked before it starts.
func (s *ortSession) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := make([]ort.Value, len(s.inputs))
	defer destroyAll(values)
	for i, in := range s.inputs {
		t, ok := inputs[in.Name]
		if !ok || t == nil {
			return nil, fmt.Errorf("missing input %q", in.Name)
		}
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), append([]float32(nil), t.Data...))
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		values[i] = v
	}

	outputs := make([]ort.Value, len(s.outputNames))
	defer destroyAll(outputs)
	if err := s.inner.Run(values, outputs); err != nil {
		return nil, err
	}

	result := make(map[string]*tensor.Tensor, len(outputs))
	for i, v := range outputs {
		name := s.outputNames[i]
		ft, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %q is not a float32 tensor", name)
		}
		shape := tensor.Shape(ft.GetShape()).Clone()
		t, err := tensor.New(shape, tensor.InferLayout(shape), append([]float32(nil), ft.GetData()...))
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		result[name] = t
	}
	return result, nil
}

func (s *ortSession) Close() error {
	return s.inner.Destroy()
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
