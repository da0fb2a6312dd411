package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PartSuffix marks the temporary file holding an in-progress transfer
const PartSuffix = ".part"

// FileOperations provides file system utilities
type FileOperations struct{}

// NewFileOperations creates a new FileOperations instance
func NewFileOperations() *FileOperations {
	return &FileOperations{}
}

// EnsureDir creates the parent directory of path if it doesn't exist
func (f *FileOperations) EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0755)
}

// FileExists checks if a file exists
func (f *FileOperations) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetFileSize returns the size of a file
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TempPath returns the partial-file path used for outputPath
func (f *FileOperations) TempPath(outputPath string) string {
	return outputPath + PartSuffix
}

// DetectPartialDownload checks if a partial download exists and returns its size
func (f *FileOperations) DetectPartialDownload(outputPath string) (bool, int64, error) {
	info, err := os.Stat(f.TempPath(outputPath))
	if errors.Is(err, fs.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if info.IsDir() {
		return false, 0, fmt.Errorf("partial path %s is a directory", f.TempPath(outputPath))
	}

	return true, info.Size(), nil
}

// RemoveIfExists deletes path, ignoring a missing file
func (f *FileOperations) RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ReplaceFile moves src over dst. The destination is removed first so the
// rename also works on platforms that refuse to overwrite; both files never
// remain present after a successful call.
func (f *FileOperations) ReplaceFile(src, dst string) error {
	if err := f.RemoveIfExists(dst); err != nil {
		return fmt.Errorf("removing existing %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", src, dst, err)
	}
	return nil
}
