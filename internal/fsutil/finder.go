// Package fsutil provides file system utility functions.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FindFilesByExtension lists the regular files directly inside dir whose
// names end with one of the extensions, sorted by name.
func FindFilesByExtension(dir string, extensions ...string) ([]string, error) {
	if len(extensions) == 0 {
		panic("at least one extension is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if slices.ContainsFunc(extensions, func(ext string) bool { return strings.HasSuffix(e.Name(), ext) }) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// ResolveDocument returns path itself when it is a file. When path is a
// directory it must hold exactly one file with one of the extensions, and
// that file is returned.
func ResolveDocument(path string, extensions ...string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return path, nil
	}

	files, err := FindFilesByExtension(path, extensions...)
	if err != nil {
		return "", err
	}
	switch len(files) {
	case 0:
		return "", fmt.Errorf("%s: no file with extension %s: %w", path, strings.Join(extensions, ", "), fs.ErrNotExist)
	case 1:
		return files[0], nil
	}
	return "", fmt.Errorf("%s: expected one document, found %d: %s", path, len(files), strings.Join(files, ", "))
}
