package core

import (
	"fmt"
	"strings"
)

// NormalizePath canonicalizes a file or folder path for use as a document
// key: forward slashes, no leading/trailing/repeated separators, "." parts
// dropped. Normalization is idempotent.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	parts := []string{}
	for _, part := range strings.Split(path, "/") {
		part = strings.TrimSpace(part)
		if part == "" || part == "." {
			continue
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "/")
}

// SafeRelPath normalizes a path for materialization inside a run workspace.
// Empty paths and paths that escape the workspace are rejected.
func SafeRelPath(path string) (string, error) {
	normal := NormalizePath(path)
	if normal == "" {
		return "", fmt.Errorf("empty path")
	}
	for _, part := range strings.Split(normal, "/") {
		if part == ".." {
			return "", fmt.Errorf("path escapes workspace: %s", path)
		}
	}
	return normal, nil
}
