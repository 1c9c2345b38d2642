// Package opscheck lists the operators an ONNX model uses and flags the ones
// outside a known-supported set.
package opscheck

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelGraph protowire.Number = 7
	graphNode  protowire.Number = 1
	nodeOpType protowire.Number = 4
)

var ErrNoGraph = errors.New("opscheck: model has no graph")

// CommonOps are operators every execution provider handles.
var CommonOps = []string{
	"Add",
	"AveragePool",
	"BatchNormalization",
	"Concat",
	"Conv",
	"Gemm",
	"LeakyRelu",
	"MatMul",
	"MaxPool",
	"Relu",
	"Reshape",
	"Resize",
	"Sigmoid",
	"Softmax",
	"Tanh",
	"Transpose",
}

type Report struct {
	Ops         []string `json:"ops"`
	Unsupported []string `json:"unsupported"`
}

// CheckFile reads the model at path and checks it against supported, or
// CommonOps when supported is nil.
func CheckFile(path string, supported []string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := Check(data, supported)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func Check(model []byte, supported []string) (*Report, error) {
	if supported == nil {
		supported = CommonOps
	}
	ops, err := Ops(model)
	if err != nil {
		return nil, err
	}
	r := &Report{Ops: ops, Unsupported: []string{}}
	for _, op := range ops {
		if !slices.Contains(supported, op) {
			r.Unsupported = append(r.Unsupported, op)
		}
	}
	return r, nil
}

// Ops returns the sorted, unique op types of the model's top-level graph.
func Ops(model []byte) ([]string, error) {
	var graph []byte
	err := walk(model, func(num protowire.Number, v []byte) {
		if num == modelGraph {
			graph = v
		}
	})
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	if graph == nil {
		return nil, ErrNoGraph
	}

	var ops []string
	var nodeErr error
	err = walk(graph, func(num protowire.Number, node []byte) {
		if num != graphNode || nodeErr != nil {
			return
		}
		nodeErr = walk(node, func(num protowire.Number, v []byte) {
			if num == nodeOpType && len(v) > 0 {
				ops = append(ops, string(v))
			}
		})
	})
	if err == nil {
		err = nodeErr
	}
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}

	slices.Sort(ops)
	return slices.Compact(ops), nil
}

// walk calls fn for every length-delimited field of a message and skips the
// rest.
func walk(b []byte, fn func(protowire.Number, []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, v)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
