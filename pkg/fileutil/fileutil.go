// Package fileutil holds the small filesystem probes the request handling
// path relies on.
package fileutil

import (
	"errors"
	"io/fs"
	"os"
)

// IsFile reports whether path exists and is a regular file.
func IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ReadFile slurps path into memory and maps failures to the HTTP status the
// caller should answer: 404 for a missing file, 403 for a permission
// problem, 500 otherwise.
func ReadFile(path string) ([]byte, int) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, 0
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, 404
	case errors.Is(err, fs.ErrPermission):
		return nil, 403
	}
	return nil, 500
}
