package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Brownie44l1/imgfx-api/internal/model"
)

func TestOutputName(t *testing.T) {
	in := filepath.Join("photos", "cat.jpeg")
	assert.Equal(t, filepath.Join("photos", "cat.cartoonize.png"), outputName(in, "", model.Cartoonize))
	assert.Equal(t, filepath.Join("out", "cat.super-resolution.png"), outputName(in, "out", model.SuperResolution))
}

func TestFrameName(t *testing.T) {
	assert.Equal(t, filepath.Join("clip", "frame_00042.png"), frameName("clip", 42))
}

func TestAdvise(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"advise", "--width", "300"}, "4\n"},
		{[]string{"advise", "--width", "1200"}, "2\n"},
		{[]string{"advise", "--width", "1200", "--dpr", "2"}, "4\n"},
		{[]string{"advise", "--width", "1200", "--dpr", "2", "--user-agent", "Mozilla/5.0 (iPhone)"}, "2\n"},
		{[]string{"advise", "--width", "3000", "--dpr", "2", "--screen-width", "1920"}, "2\n"},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		cmd := NewCLI()
		cmd.SetOut(&out)
		cmd.SetArgs(tc.args)
		require.NoError(t, cmd.Execute(), tc.args)
		assert.Equal(t, tc.want, out.String(), tc.args)
	}
}

func TestAdviseRejectsBadWidth(t *testing.T) {
	cmd := NewCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"advise", "--width", "0"})
	assert.Error(t, cmd.Execute())
}

func TestProcessRejectsUnknownTask(t *testing.T) {
	cmd := NewCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"process", "colorize", "a.png"})
	err := cmd.Execute()
	assert.ErrorIs(t, err, model.ErrUnknownTask)
}

func TestOps(t *testing.T) {
	var graph []byte
	for _, op := range []string{"Conv", "Pad", "Conv"} {
		var node []byte
		node = protowire.AppendTag(node, 4, protowire.BytesType)
		node = protowire.AppendString(node, op)
		graph = protowire.AppendTag(graph, 1, protowire.BytesType)
		graph = protowire.AppendBytes(graph, node)
	}
	var m []byte
	m = protowire.AppendTag(m, 7, protowire.BytesType)
	m = protowire.AppendBytes(m, graph)

	path := filepath.Join(t.TempDir(), "m.onnx")
	require.NoError(t, os.WriteFile(path, m, 0o644))

	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ops", path})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, path+"\n  ops: Conv, Pad\n  unsupported: Pad\n", out.String())

	out.Reset()
	cmd = NewCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ops", "--supported", "Conv,Pad", path})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, path+"\n  ops: Conv, Pad\n", out.String())
}
