package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "santosobot/internal/errors"
)

func newFSRegistry(t *testing.T, restrict bool) (*Registry, *Workspace) {
	t.Helper()
	ws := newWorkspace(t, restrict)
	reg := NewRegistry()
	for _, tool := range []Tool{NewReadFileTool(ws), NewListDirTool(ws), NewWriteFileTool(ws), NewEditFileTool(ws)} {
		require.NoError(t, reg.Register(tool))
	}
	return reg, ws
}

func TestWriteThenReadFile(t *testing.T) {
	reg, ws := newFSRegistry(t, true)
	ctx := context.Background()

	res := reg.Execute(ctx, call("write_file", map[string]any{"path": "docs/a.txt", "content": "hello"}))
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, "Successfully wrote 5 bytes to "+filepath.Join(ws.Root(), "docs", "a.txt"), res.Output)

	res = reg.Execute(ctx, call("read_file", map[string]any{"path": "docs/a.txt"}))
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, "hello", res.Output)
}

func TestReadFileMissing(t *testing.T) {
	reg, _ := newFSRegistry(t, true)

	res := reg.Execute(context.Background(), call("read_file", map[string]any{"path": "nope.txt"}))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, xerrors.CodeNotFound, res.ErrorCode)
}

func TestWriteFileOutsideWorkspaceBlocked(t *testing.T) {
	reg, ws := newFSRegistry(t, true)

	res := reg.Execute(context.Background(), call("write_file", map[string]any{"path": "../../etc/passwd", "content": "x"}))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, xerrors.CodeWorkspaceViolation, res.ErrorCode)

	_, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(ws.Root())), "etc", "passwd"))
	assert.True(t, os.IsNotExist(err))
}

func TestListDir(t *testing.T) {
	reg, ws := newFSRegistry(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "b.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(ws.Root(), "a"), 0o755))

	res := reg.Execute(context.Background(), call("list_dir", map[string]any{"path": "."}))
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, "a/\nb.txt", res.Output)

	res = reg.Execute(context.Background(), call("list_dir", map[string]any{"path": "a"}))
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, "Directory "+filepath.Join(ws.Root(), "a")+" is empty", res.Output)
}

func TestEditFile(t *testing.T) {
	reg, ws := newFSRegistry(t, true)
	path := filepath.Join(ws.Root(), "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc old() {}\n"), 0o600))

	res := reg.Execute(context.Background(), call("edit_file", map[string]any{
		"path":     "main.go",
		"old_text": "func old() {}",
		"new_text": "func fresh() {}",
	}))
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Contains(t, res.Output, "-func old() {}")
	assert.Contains(t, res.Output, "+func fresh() {}")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc fresh() {}\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEditFilePreconditions(t *testing.T) {
	reg, ws := newFSRegistry(t, true)
	path := filepath.Join(ws.Root(), "dup.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\nx\n"), 0o644))

	res := reg.Execute(context.Background(), call("edit_file", map[string]any{"path": "dup.txt", "old_text": "absent", "new_text": "y"}))
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, xerrors.CodePrecondition, res.ErrorCode)
	assert.Equal(t, "old_text not found in file", res.Error)

	res = reg.Execute(context.Background(), call("edit_file", map[string]any{"path": "dup.txt", "old_text": "x", "new_text": "y"}))
	assert.Equal(t, xerrors.CodePrecondition, res.ErrorCode)
	assert.Contains(t, res.Error, "appears 2 times")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\n", string(data))
}

func TestLineDiff(t *testing.T) {
	diff := LineDiff("f", "a\nb\nc\n", "a\nB\nc\n")
	assert.Equal(t, "--- f\n+++ f\n-b\n+B", diff)
}
