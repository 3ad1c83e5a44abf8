// Package artifact names, locates and verifies the files produced for each grouping.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrMissing means no file exists at the artifact path.
	ErrMissing = errors.New("artifact missing")
	// ErrEmpty means the artifact exists but has no content.
	ErrEmpty = errors.New("artifact empty")
)

// Slug derives the file stem for a grouping: lowercase, spaces replaced by underscores.
func Slug(grouping string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(grouping), " ", "_"))
}

// FileName returns "<slug><ext>".
func FileName(grouping, ext string) string {
	return Slug(grouping) + ext
}

// Path returns the artifact path for a grouping inside dir.
func Path(dir, grouping, ext string) string {
	return filepath.Join(dir, FileName(grouping, ext))
}

// EnsureDir creates the output directory if absent.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	return nil
}

// Info describes an artifact on disk
type Info struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Stat checks the post-condition of a save: the file exists, is regular and is non-empty.
func Stat(path string) (*Info, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	info := &Info{Path: path, Size: fi.Size(), ModTime: fi.ModTime()}
	if fi.Size() == 0 {
		return info, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return info, nil
}

// Exists reports whether a non-empty artifact is already on disk.
func Exists(path string) bool {
	_, err := Stat(path)
	return err == nil
}
