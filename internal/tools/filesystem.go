package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	xerrors "santosobot/internal/errors"
)

// maxReadBytes bounds how much of a file read_file pulls into memory before
// the sandbox output cap applies.
const maxReadBytes = 4 << 20

// ReadFileTool returns the contents of a file.
type ReadFileTool struct {
	ws *Workspace
}

// NewReadFileTool creates read_file.
func NewReadFileTool(ws *Workspace) *ReadFileTool {
	return &ReadFileTool{ws: ws}
}

func (t *ReadFileTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "read_file",
		Description: "Read the contents of a file at the given path.",
		Schema: Schema{
			Properties: map[string]Property{
				"path": {Type: "string", Description: "The file path to read"},
			},
			Required: []string{"path"},
		},
		Policy: Policy{Workspace: true, SideEffect: SideEffectRead},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args Args) (string, error) {
	path, err := t.ws.Resolve(args.String("path"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fsError(err, path)
	}
	if info.IsDir() {
		return "", xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("%s is a directory", path))
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fsError(err, path)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
	if err != nil {
		return "", fsError(err, path)
	}
	if info.Size() > maxReadBytes {
		return string(data) + fmt.Sprintf("\n...[file truncated at %d of %d bytes]", maxReadBytes, info.Size()), nil
	}
	return string(data), nil
}

// ListDirTool lists directory entries, directories suffixed with "/".
type ListDirTool struct {
	ws *Workspace
}

// NewListDirTool creates list_dir.
func NewListDirTool(ws *Workspace) *ListDirTool {
	return &ListDirTool{ws: ws}
}

func (t *ListDirTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "list_dir",
		Description: "List the contents of a directory.",
		Schema: Schema{
			Properties: map[string]Property{
				"path": {Type: "string", Description: "The directory path to list"},
			},
			Required: []string{"path"},
		},
		Policy: Policy{Workspace: true, SideEffect: SideEffectRead},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args Args) (string, error) {
	path, err := t.ws.Resolve(args.String("path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fsError(err, path)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", path), nil
	}
	var b strings.Builder
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}
		b.WriteString(entry.Name())
		if entry.IsDir() {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// WriteFileTool overwrites a file, creating parent directories.
type WriteFileTool struct {
	ws *Workspace
}

// NewWriteFileTool creates write_file.
func NewWriteFileTool(ws *Workspace) *WriteFileTool {
	return &WriteFileTool{ws: ws}
}

func (t *WriteFileTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "write_file",
		Description: "Write content to a file at the given path. Creates parent directories if needed and overwrites existing content.",
		Schema: Schema{
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "The file path to write to"},
				"content": {Type: "string", Description: "The content to write"},
			},
			Required: []string{"path", "content"},
		},
		Policy: Policy{Workspace: true, SideEffect: SideEffectMutate},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args Args) (string, error) {
	path, err := t.ws.Resolve(args.String("path"))
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content := args.String("content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fsError(err, path)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fsError(err, path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces one verbatim occurrence of old_text.
type EditFileTool struct {
	ws *Workspace
}

// NewEditFileTool creates edit_file.
func NewEditFileTool(ws *Workspace) *EditFileTool {
	return &EditFileTool{ws: ws}
}

func (t *EditFileTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "edit_file",
		Description: "Edit a file by replacing old_text with new_text. old_text must match the file contents exactly and occur once.",
		Schema: Schema{
			Properties: map[string]Property{
				"path":     {Type: "string", Description: "The file path to edit"},
				"old_text": {Type: "string", Description: "The exact text to find and replace"},
				"new_text": {Type: "string", Description: "The text to replace with"},
			},
			Required: []string{"path", "old_text", "new_text"},
		},
		Policy: Policy{Workspace: true, SideEffect: SideEffectMutate},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args Args) (string, error) {
	path, err := t.ws.Resolve(args.String("path"))
	if err != nil {
		return "", err
	}
	oldText, newText := args.String("old_text"), args.String("new_text")
	if oldText == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "old_text cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fsError(err, path)
	}
	before := string(raw)
	switch n := strings.Count(before, oldText); {
	case n == 0:
		return "", xerrors.New(xerrors.CodePrecondition, "old_text not found in file")
	case n > 1:
		return "", xerrors.New(xerrors.CodePrecondition,
			fmt.Sprintf("old_text appears %d times; include more surrounding context so it matches once", n))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	after := strings.Replace(before, oldText, newText, 1)
	info, err := os.Stat(path)
	if err != nil {
		return "", fsError(err, path)
	}
	if err := os.WriteFile(path, []byte(after), info.Mode().Perm()); err != nil {
		return "", fsError(err, path)
	}
	return fmt.Sprintf("Successfully edited %s\n%s", path, LineDiff(path, before, after)), nil
}

// LineDiff renders a compact line oriented diff of before and after.
func LineDiff(name, before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	fmt.Fprintf(&out, "--- %s\n+++ %s\n", name, name)
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(strings.TrimSuffix(line, "\n"))
			out.WriteString("\n")
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}

func fsError(err error, path string) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("%s does not exist", path))
	case errors.Is(err, os.ErrPermission):
		return xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("permission denied for %s", path))
	default:
		return xerrors.Wrap(xerrors.CodeToolExecution, err, "filesystem operation failed")
	}
}
