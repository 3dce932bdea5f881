// Package modelfile locates and reads serialized super-resolution models.
package modelfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Format is the serialization of a model file, derived from its extension.
type Format string

const (
	FormatONNX      Format = "onnx"
	FormatTFLite    Format = "tflite"
	FormatReference Format = "reference"
)

// File describes one model file found on disk.
type File struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format Format `json:"format"`
	Size   int64  `json:"size"`
}

// FormatOf maps a file name to its model format. ok is false for files that
// are not models.
func FormatOf(name string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".onnx":
		return FormatONNX, true
	case ".tflite":
		return FormatTFLite, true
	case ".json":
		return FormatReference, true
	}
	return "", false
}

// Load reads the model at path. A leading '~' is expanded to the user's home
// directory.
func Load(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("model path is empty")
	}
	p, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("model %s is empty", p)
	}
	return b, nil
}

// List scans dir (not recursively) for model files, sorted by name.
func List(dir string) ([]File, error) {
	base, err := ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		format, ok := FormatOf(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{Name: e.Name(), Path: filepath.Join(abs, e.Name()), Format: format, Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// ~/models/x4.onnx
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// Exists reports whether path exists. Errors other than not-exist count as
// existing.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
