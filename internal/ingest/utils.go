package ingest

import (
	"path/filepath"
	"strings"
)

// isHidden checks if a file or directory is hidden (starts with '.').
func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
