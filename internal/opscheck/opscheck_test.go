package opscheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func node(op string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType) // input
	b = protowire.AppendString(b, "x")
	b = protowire.AppendTag(b, nodeOpType, protowire.BytesType)
	b = protowire.AppendString(b, op)
	return b
}

func model(ops ...string) []byte {
	var graph []byte
	for _, op := range ops {
		graph = protowire.AppendTag(graph, graphNode, protowire.BytesType)
		graph = protowire.AppendBytes(graph, node(op))
	}
	graph = protowire.AppendTag(graph, 2, protowire.BytesType) // name
	graph = protowire.AppendString(graph, "main")

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType) // ir_version
	b = protowire.AppendVarint(b, 8)
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)
	return b
}

func TestOps(t *testing.T) {
	ops, err := Ops(model("Conv", "Relu", "DepthToSpace", "Conv", "Add"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Add", "Conv", "DepthToSpace", "Relu"}, ops)
}

func TestCheck(t *testing.T) {
	r, err := Check(model("Conv", "InstanceNormalization", "Tanh", "Pad"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Conv", "InstanceNormalization", "Pad", "Tanh"}, r.Ops)
	assert.Equal(t, []string{"InstanceNormalization", "Pad"}, r.Unsupported)

	r, err = Check(model("Conv", "Pad"), []string{"Conv", "Pad"})
	require.NoError(t, err)
	assert.Empty(t, r.Unsupported)
}

func TestCheckFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.onnx")
	require.NoError(t, os.WriteFile(path, model("Resize"), 0o644))

	r, err := CheckFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, &Report{Ops: []string{"Resize"}, Unsupported: []string{}}, r)

	_, err = CheckFile(filepath.Join(t.TempDir(), "missing.onnx"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMalformed(t *testing.T) {
	_, err := Ops(nil)
	assert.ErrorIs(t, err, ErrNoGraph)

	truncated := model("Conv")
	_, err = Ops(truncated[:len(truncated)-2])
	assert.Error(t, err)
}
