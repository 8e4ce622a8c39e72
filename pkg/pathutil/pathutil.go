// Package pathutil validates workspace paths before the agent is pointed at them.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// IsFilesystemRoot reports whether path points to filesystem root (POSIX or Windows volume root).
func IsFilesystemRoot(path string) bool {
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return true
	}
	volume := filepath.VolumeName(clean)
	return volume != "" && clean == volume+string(filepath.Separator)
}

// PathOverlaps reports whether one path equals or contains the other.
func PathOverlaps(a, b string) bool {
	if a == b {
		return true
	}
	relAB, err := filepath.Rel(a, b)
	if err == nil && relAB != "." && relAB != ".." && !strings.HasPrefix(relAB, ".."+string(filepath.Separator)) {
		return true
	}
	relBA, err := filepath.Rel(b, a)
	if err == nil && relBA != "." && relBA != ".." && !strings.HasPrefix(relBA, ".."+string(filepath.Separator)) {
		return true
	}
	return false
}

// ValidateWorkDir checks that path is usable as a session workspace. The
// agent subprocess runs with this directory as its cwd and may edit files
// under it, so relative paths and the filesystem root are rejected.
func ValidateWorkDir(path string) error {
	if path == "" {
		return fmt.Errorf("work dir is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("work dir must be absolute, got %q", path)
	}
	if IsFilesystemRoot(path) {
		return fmt.Errorf("work dir must not be the filesystem root")
	}
	return nil
}
