package watchdog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// stabilityProbeDelay is how long to wait before re-statting a settled file
// to confirm it has stopped changing.
const stabilityProbeDelay = 50 * time.Millisecond

// validateFile requires: not a symlink (lstat, does not follow), a regular
// file, size in (0, maxSize], and unchanged size/mtime across a stability
// probe. The lstat happens on path as reported by the watcher — never on a
// realpath-resolved form — so a symlink dropped as the payload itself is
// rejected rather than silently followed.
func validateFile(path string, maxSize int64) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlink rejected")
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file")
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("empty file")
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("size %d exceeds max %d", info.Size(), maxSize)
	}

	time.Sleep(stabilityProbeDelay)

	again, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("restat: %w", err)
	}
	if again.Size() != info.Size() || !again.ModTime().Equal(info.ModTime()) {
		return nil, fmt.Errorf("file still changing")
	}
	return again, nil
}

// shouldIgnore reports whether name matches an ignore pattern: hidden
// files, .pending/.tmp sidecars, and common editor backup suffixes.
func shouldIgnore(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch {
	case strings.HasSuffix(name, ".pending"),
		strings.HasSuffix(name, ".tmp"),
		strings.HasSuffix(name, "~"),
		strings.HasSuffix(name, ".swp"),
		strings.HasSuffix(name, ".swx"):
		return true
	}
	return false
}

// parseOutboxLocation splits path into its agent and message-type
// components. Two layouts are accepted: <root>/<agent>/<type> (the file
// itself is named by its type) and <root>/<agent>/<type>/<file> (a type
// subdirectory holding arbitrarily named files).
func parseOutboxLocation(root, path string) (agentName, messageType string, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], true
	case 3:
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}
