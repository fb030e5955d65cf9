// Package fsutil keeps user supplied paths inside the storage base folder.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrPathEscape is returned when a path resolves outside the base.
	ErrPathEscape = errors.New("path escapes base folder")
	// ErrNotFound is returned when a listed folder does not exist.
	ErrNotFound = errors.New("path not found")
	// ErrEmptyPath is returned when a folder name is required but missing.
	ErrEmptyPath = errors.New("empty path")
)

// Root is a base folder that every client path is resolved against.
type Root struct {
	base string // absolute, symlinks resolved
}

// NewRoot creates base if needed and returns a Root anchored there.
func NewRoot(base string) (*Root, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create base folder: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve base folder: %w", err)
	}
	return &Root{base: resolved}, nil
}

// Base returns the absolute base folder.
func (r *Root) Base() string { return r.base }

// normalize turns a client path into a clean slash path. Windows clients
// send backslashes, which are accepted as separators.
func normalize(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// Resolve returns the absolute path of p inside the base. A relative p is
// joined to the base; an absolute p is accepted only if it already lies
// inside it. Symlinks are followed on the existing part of the path.
func (r *Root) Resolve(p string) (string, error) {
	clean := normalize(p)

	var full string
	if path.IsAbs(clean) {
		full = filepath.FromSlash(clean)
	} else {
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
		}
		full = filepath.Join(r.base, filepath.FromSlash(clean))
	}

	resolved, err := resolveExisting(full)
	if err != nil {
		return "", err
	}
	if !r.contains(resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return resolved, nil
}

// Rel returns abs relative to the base in slash form, "" for the base itself.
func (r *Root) Rel(abs string) string {
	rel, err := filepath.Rel(r.base, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (r *Root) contains(p string) bool {
	rel, err := filepath.Rel(r.base, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolveExisting evaluates symlinks on the longest existing prefix of p
// and re-appends the missing tail.
func resolveExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}
