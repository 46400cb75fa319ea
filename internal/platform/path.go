// Package platform maps host paths for agents running inside a container.
package platform

import (
	"path/filepath"
	"strings"
)

// HostPath places path under hostRoot. An empty hostRoot or "/" returns path
// unchanged. Paths already under hostRoot are not prefixed twice.
func HostPath(hostRoot, path string) string {
	if hostRoot == "" || hostRoot == "/" {
		return path
	}
	root := filepath.Clean(hostRoot)
	cleaned := filepath.Clean(path)
	if cleaned == root || strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return cleaned
	}
	return filepath.Join(root, cleaned)
}
