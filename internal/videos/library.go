package videos

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound indicates the named video does not exist in the library root.
var ErrNotFound = errors.New("video not found")

var playableExtensions = map[string]struct{}{
	".mp4":  {},
	".mkv":  {},
	".mov":  {},
	".avi":  {},
	".flv":  {},
	".webm": {},
}

// Library serves video files from a single flat directory. Names are always
// reduced to their base component, so request paths can never escape the root.
type Library struct {
	root string
}

func NewLibrary(root string) (*Library, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("video root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve video root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create video root: %w", err)
	}
	return &Library{root: abs}, nil
}

func (l *Library) Root() string {
	return l.root
}

// AbsolutePath maps a library name to its on-disk path without touching the
// filesystem. Directory components in the input are discarded.
func (l *Library) AbsolutePath(name string) string {
	return filepath.Join(l.root, filepath.Base(name))
}

// Exists reports whether the named video is a regular file in the library.
func (l *Library) Exists(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	info, err := os.Stat(l.AbsolutePath(name))
	return err == nil && info.Mode().IsRegular()
}

// List returns the playable files in the library sorted by name.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read video root: %w", err)
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := playableExtensions[ext]; !ok {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named video. Returns ErrNotFound when it does not exist.
func (l *Library) Delete(name string) error {
	if !l.Exists(name) {
		return ErrNotFound
	}
	if err := os.Remove(l.AbsolutePath(name)); err != nil {
		return fmt.Errorf("remove video: %w", err)
	}
	return nil
}
