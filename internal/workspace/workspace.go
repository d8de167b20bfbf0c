// Package workspace stages source code on disk for a single run.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Node kinds in a project tree.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// ErrUnsafePath is returned for names that would escape the workspace.
var ErrUnsafePath = errors.New("unsafe path")

// Node is one entry of a project file tree.
type Node struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Content  string `json:"content,omitempty"`
	Children []Node `json:"children,omitempty"`
}

// Workspace is a directory owned by exactly one run.
type Workspace struct {
	Dir   string
	Entry string // slash-separated path of the entry unit, relative to Dir
}

// Create makes a fresh, uniquely named directory for runID under base.
// An empty base means the system temp dir. The returned path is absolute
// because it becomes a bind mount source.
func Create(base, runID string) (string, error) {
	if base != "" {
		abs, err := filepath.Abs(base)
		if err != nil {
			return "", fmt.Errorf("resolving work dir: %w", err)
		}
		base = abs
		if err := os.MkdirAll(base, dirPerm); err != nil {
			return "", fmt.Errorf("creating work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "jv-"+runID+"-*")
	if err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	// The engine inside the container runs unprivileged and writes class files here.
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}

// StageSource writes a single source file named after its entry class.
func StageSource(base, runID, className, source string) (*Workspace, error) {
	dir, err := Create(base, runID)
	if err != nil {
		return nil, err
	}
	entry := className + ".java"
	if err := os.WriteFile(filepath.Join(dir, entry), []byte(source), filePerm); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing source: %w", err)
	}
	return &Workspace{Dir: dir, Entry: entry}, nil
}

// StageTree mirrors tree into a fresh directory. entry must name a file in
// the tree.
func StageTree(base, runID string, tree []Node, entry string) (*Workspace, error) {
	entry, err := CleanEntry(entry)
	if err != nil {
		return nil, err
	}
	if err := Validate(tree); err != nil {
		return nil, err
	}
	if !Contains(tree, entry) {
		return nil, fmt.Errorf("entry unit %q is not a file in the project", entry)
	}

	dir, err := Create(base, runID)
	if err != nil {
		return nil, err
	}
	if err := Materialize(dir, tree); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &Workspace{Dir: dir, Entry: entry}, nil
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

// Validate checks every name in tree before anything touches the disk.
func Validate(tree []Node) error {
	seen := make(map[string]bool, len(tree))
	for _, n := range tree {
		if err := checkName(n.Name); err != nil {
			return err
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate entry %q", n.Name)
		}
		seen[n.Name] = true

		switch n.Kind {
		case KindFolder:
			if err := Validate(n.Children); err != nil {
				return fmt.Errorf("in folder %q: %w", n.Name, err)
			}
		case KindFile:
			if len(n.Children) > 0 {
				return fmt.Errorf("file %q has children", n.Name)
			}
		default:
			return fmt.Errorf("entry %q has unknown kind %q", n.Name, n.Kind)
		}
	}
	return nil
}

// Materialize writes tree under dir, folders as directories and files with
// their content. The tree must already be valid.
func Materialize(dir string, tree []Node) error {
	for _, n := range tree {
		target := filepath.Join(dir, n.Name)
		switch n.Kind {
		case KindFolder:
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return fmt.Errorf("creating folder %s: %w", n.Name, err)
			}
			if err := Materialize(target, n.Children); err != nil {
				return err
			}
		case KindFile:
			if err := os.WriteFile(target, []byte(n.Content), filePerm); err != nil {
				return fmt.Errorf("writing file %s: %w", n.Name, err)
			}
		}
	}
	return nil
}

// Contains reports whether the slash-separated path names a file in tree.
func Contains(tree []Node, p string) bool {
	head, rest, nested := strings.Cut(p, "/")
	for _, n := range tree {
		if n.Name != head {
			continue
		}
		if nested {
			return n.Kind == KindFolder && Contains(n.Children, rest)
		}
		return n.Kind == KindFile
	}
	return false
}

// CleanEntry normalizes a caller-supplied entry path and rejects anything
// that is absolute or climbs out of the workspace.
func CleanEntry(entry string) (string, error) {
	entry = strings.ReplaceAll(strings.TrimSpace(entry), "\\", "/")
	if entry == "" {
		return "", fmt.Errorf("entry unit is required")
	}
	if path.IsAbs(entry) {
		return "", fmt.Errorf("%w: absolute entry %q", ErrUnsafePath, entry)
	}
	cleaned := path.Clean(entry)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: entry %q", ErrUnsafePath, entry)
	}
	return cleaned, nil
}

func checkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name in project tree")
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return nil
}
