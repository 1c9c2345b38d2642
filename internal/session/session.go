// Package session creates, caches and runs inference sessions.
//
// A Manager keeps at most one session per model path. The first request for
// a path tries each backend candidate in order and caches the first session
// that builds; if every candidate fails nothing is cached and the next
// request tries again.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/imgfx-api/internal/letterbox"
	"github.com/Brownie44l1/imgfx-api/internal/tensor"
)

var (
	// ErrNoBackend wraps the last creation error when no candidate worked.
	ErrNoBackend = errors.New("no backend available")
	ErrClosed    = errors.New("session manager closed")
)

// Backend is an execution provider.
type Backend string

const (
	CUDA     Backend = "cuda"
	TensorRT Backend = "tensorrt"
	CoreML   Backend = "coreml"
	DirectML Backend = "directml"
	OpenVINO Backend = "openvino"
	CPU      Backend = "cpu"
)

var backends = []Backend{CUDA, TensorRT, CoreML, DirectML, OpenVINO, CPU}

func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(backends, b) {
		return "", fmt.Errorf("unknown backend %q", s)
	}
	return b, nil
}

// Candidate is one combination of backends, in preference order, tried as
// a unit when building a session.
type Candidate []Backend

func (c Candidate) String() string {
	parts := make([]string, len(c))
	for i, b := range c {
		parts[i] = string(b)
	}
	return strings.Join(parts, ",")
}

// DefaultCandidates tries a GPU, then Apple's accelerator, then plain CPU.
func DefaultCandidates() []Candidate {
	return []Candidate{{CUDA, CPU}, {CoreML, CPU}, {CPU}}
}

// ParseCandidates reads candidates separated by ';' with backends separated
// by ',', e.g. "cuda,cpu;cpu".
func ParseCandidates(s string) ([]Candidate, error) {
	var out []Candidate
	for _, group := range strings.Split(s, ";") {
		if strings.TrimSpace(group) == "" {
			continue
		}
		var c Candidate
		for _, name := range strings.Split(group, ",") {
			b, err := ParseBackend(name)
			if err != nil {
				return nil, err
			}
			c = append(c, b)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no backend candidates in %q", s)
	}
	return out, nil
}

// DataType is the element type a model input declares.
type DataType int

const (
	Float32 DataType = iota
	Float16
	OtherType
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "other"
	}
}

// InputInfo describes one model input. Shape is empty when the model does
// not declare it.
type InputInfo struct {
	Name     string
	Shape    tensor.Shape
	DataType DataType
}

// Session is a loaded model ready to run.
type Session interface {
	Inputs() []InputInfo
	OutputNames() []string
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

// Factory builds a session for modelPath using the given backends.
type Factory func(ctx context.Context, modelPath string, backends Candidate) (Session, error)

// Inputs is what an InputHandler hands back: named tensors plus the
// letterbox placement to carry through to the result.
type Inputs struct {
	Tensors   map[string]*tensor.Tensor
	Transform *letterbox.Transform
}

// InputHandler prepares inputs for the model's first input. Returning nil,
// or a nil tensor under any name, skips the run without error.
type InputHandler func(ctx context.Context, in InputInfo) (*Inputs, error)

// Result is the first named output of a run.
type Result struct {
	Output     *tensor.Tensor
	OutputName string
	Transform  *letterbox.Transform
	Backends   Candidate
}

// DefaultInputShape is used when neither the model nor a hint gives one.
var DefaultInputShape = tensor.Shape{1, 3, 512, 512}

const defaultInputName = "input"

type entry struct {
	session  Session
	backends Candidate
}

// Manager is a keyed store of sessions, one per model path.
type Manager struct {
	factory      Factory
	candidates   []Candidate
	defaultShape tensor.Shape
	log          *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*entry
	hints    map[string]tensor.Shape
	closed   bool
}

type Option func(*Manager)

func WithCandidates(c []Candidate) Option {
	return func(m *Manager) {
		if len(c) > 0 {
			m.candidates = c
		}
	}
}

func WithDefaultShape(s tensor.Shape) Option {
	return func(m *Manager) {
		if len(s) > 0 {
			m.defaultShape = s.Clone()
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(factory Factory, opts ...Option) *Manager {
	m := &Manager{
		factory:      factory,
		candidates:   DefaultCandidates(),
		defaultShape: DefaultInputShape.Clone(),
		log:          slog.Default(),
		sessions:     make(map[string]*entry),
		hints:        make(map[string]tensor.Shape),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrCreate returns the cached session for modelPath, building it on first
// use. Concurrent callers for the same path share one creation attempt.
func (m *Manager) GetOrCreate(ctx context.Context, modelPath string) (Session, error) {
	e, err := m.acquire(ctx, modelPath)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

func (m *Manager) lookup(modelPath string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.sessions[modelPath], nil
}

func (m *Manager) acquire(ctx context.Context, modelPath string) (*entry, error) {
	if e, err := m.lookup(modelPath); e != nil || err != nil {
		return e, err
	}

	// The creation outlives any single caller; each caller waits on its own ctx.
	createCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(modelPath, func() (any, error) {
		if e, err := m.lookup(modelPath); e != nil || err != nil {
			return e, err
		}
		e, err := m.create(createCtx, modelPath)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			e.session.Close()
			return nil, ErrClosed
		}
		m.sessions[modelPath] = e
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*entry), nil
	}
}

func (m *Manager) create(ctx context.Context, modelPath string) (*entry, error) {
	var last error
	for _, c := range m.candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := m.factory(ctx, modelPath, c)
		if err != nil {
			m.log.Warn("backend unavailable", "model", modelPath, "backends", c.String(), "error", err)
			last = err
			continue
		}
		m.log.Info("session created", "model", modelPath, "backends", c.String())
		return &entry{session: s, backends: c}, nil
	}
	if last == nil {
		last = errors.New("no candidates configured")
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrNoBackend, modelPath, last)
}

// SetShapeHint records the input shape to use for modelPath when the model
// itself does not declare one.
func (m *Manager) SetShapeHint(modelPath string, shape tensor.Shape) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(shape) == 0 {
		delete(m.hints, modelPath)
		return
	}
	m.hints[modelPath] = shape.Clone()
}

// Backends reports which candidate built the cached session for modelPath.
func (m *Manager) Backends(modelPath string) (Candidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[modelPath]
	if !ok {
		return nil, false
	}
	return e.backends, true
}

func (m *Manager) inputInfo(modelPath string, s Session) InputInfo {
	info := InputInfo{Name: defaultInputName}
	if ins := s.Inputs(); len(ins) > 0 {
		info = ins[0]
		info.Shape = info.Shape.Clone()
		if info.Name == "" {
			info.Name = defaultInputName
		}
	}
	if len(info.Shape) > 0 {
		return info
	}

	m.mu.Lock()
	hint, ok := m.hints[modelPath]
	m.mu.Unlock()
	if ok {
		info.Shape = hint.Clone()
	} else {
		info.Shape = m.defaultShape.Clone()
	}
	return info
}

// Run acquires the session for modelPath, asks handler for inputs shaped
// for its first input, and runs it. A nil result with a nil error means the
// handler had nothing to process.
func (m *Manager) Run(ctx context.Context, modelPath string, handler InputHandler) (*Result, error) {
	e, err := m.acquire(ctx, modelPath)
	if err != nil {
		return nil, err
	}

	info := m.inputInfo(modelPath, e.session)
	in, err := handler(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("prepare input for %s: %w", modelPath, err)
	}
	if in == nil || len(in.Tensors) == 0 {
		m.log.Debug("nothing to run", "model", modelPath)
		return nil, nil
	}
	for name, t := range in.Tensors {
		if t == nil {
			m.log.Debug("nothing to run", "model", modelPath, "input", name)
			return nil, nil
		}
	}

	outs, err := e.session.Run(ctx, in.Tensors)
	if err != nil {
		m.log.Warn("inference failed", "model", modelPath, "backends", e.backends.String(), "error", err)
		return nil, fmt.Errorf("run %s: %w", modelPath, err)
	}

	name, out := firstOutput(e.session.OutputNames(), outs)
	if out == nil {
		return nil, fmt.Errorf("run %s: model produced no output", modelPath)
	}
	return &Result{Output: out, OutputName: name, Transform: in.Transform, Backends: e.backends}, nil
}

func firstOutput(names []string, outs map[string]*tensor.Tensor) (string, *tensor.Tensor) {
	for _, n := range names {
		if t := outs[n]; t != nil {
			return n, t
		}
	}
	keys := make([]string, 0, len(outs))
	for k := range outs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if outs[k] != nil {
			return k, outs[k]
		}
	}
	return "", nil
}

// Close releases every cached session. The manager cannot be used after.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	var errs []error
	for path, e := range m.sessions {
		if err := e.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(m.sessions, path)
	}
	return errors.Join(errs...)
}
