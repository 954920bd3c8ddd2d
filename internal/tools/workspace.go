package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "santosobot/internal/errors"
)

// Workspace resolves tool paths against the workspace root and, when
// restricted, refuses anything that lands outside it.
type Workspace struct {
	root     string
	restrict bool
}

// NewWorkspace creates the root if needed and canonicalises it so that
// containment checks compare symlink-free paths.
func NewWorkspace(root string, restrict bool) (*Workspace, error) {
	if root == "" {
		return nil, errors.New("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: canonical, restrict: restrict}, nil
}

// Root returns the canonical workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Restricted reports whether containment is enforced.
func (w *Workspace) Restricted() bool {
	return w.restrict
}

// Resolve maps a user supplied path to an absolute one. Relative paths are
// taken from the root. With restriction on, `..` and symlinks are resolved
// first and the result must be the root or a descendant of it; otherwise a
// WORKSPACE_VIOLATION error is returned and no I/O has happened beyond
// reading link targets.
func (w *Workspace) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "path cannot be empty")
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	path = filepath.Clean(path)
	if !w.restrict {
		return path, nil
	}

	resolved, err := resolveExisting(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeToolExecution, err, "resolve path")
	}
	if !w.contains(resolved) {
		return "", xerrors.New(xerrors.CodeWorkspaceViolation,
			fmt.Sprintf("path %s is outside the workspace %s", path, w.root))
	}
	return resolved, nil
}

func (w *Workspace) contains(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-appends the components that do not exist yet.
func resolveExisting(path string) (string, error) {
	existing := path
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, rest...)...), nil
}
