package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
)

// Listing is the content of one folder under the base.
type Listing struct {
	CurrentPath string   `json:"current_path"`
	ParentPath  string   `json:"parent_path"`
	Folders     []string `json:"folders"`
	Files       []string `json:"files"`
}

// ListDir lists the folder at rel, folders and files sorted by name.
func (r *Root) ListDir(rel string) (Listing, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return Listing{}, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Listing{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return Listing{}, fmt.Errorf("list %s: %w", rel, err)
	}

	cur := r.Rel(abs)
	l := Listing{
		CurrentPath: cur,
		ParentPath:  parentOf(cur),
		Folders:     []string{},
		Files:       []string{},
	}
	for _, e := range entries {
		info, err := os.Stat(filepath.Join(abs, e.Name()))
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			l.Folders = append(l.Folders, e.Name())
		case info.Mode().IsRegular():
			l.Files = append(l.Files, e.Name())
		}
	}
	slices.Sort(l.Folders)
	slices.Sort(l.Files)
	return l, nil
}

func parentOf(rel string) string {
	if rel == "" {
		return ""
	}
	p := path.Dir(rel)
	if p == "." {
		return ""
	}
	return p
}

// CreateFolder creates rel (and its parents) under the base and returns
// its absolute path. Creating an existing folder succeeds.
func (r *Root) CreateFolder(rel string) (string, error) {
	if normalize(rel) == "." {
		return "", ErrEmptyPath
	}
	abs, err := r.Resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", rel, err)
	}
	return abs, nil
}
