package watchdog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// archiveFile moves path into <archiveRoot>/<agentName>/YYYY-MM-DD/<fileID>-<messageType>,
// falling back to copy-then-unlink when the rename crosses a filesystem
// boundary.
func archiveFile(path, archiveRoot, agentName, fileID, messageType string) (string, error) {
	dayDir := filepath.Join(archiveRoot, agentName, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir archive dir: %w", err)
	}
	dest := filepath.Join(dayDir, fmt.Sprintf("%s-%s", fileID, messageType))

	if err := os.Rename(path, dest); err == nil {
		return dest, nil
	}
	if err := copyThenUnlink(path, dest); err != nil {
		return "", fmt.Errorf("copy-then-unlink: %w", err)
	}
	return dest, nil
}

func copyThenUnlink(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create dest: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close dest: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("unlink source: %w", err)
	}
	return nil
}

// contentHash returns the first 16 hex chars of path's SHA-256 digest, the
// format the ledger stores in content_hash.
func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hash: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// inodeOf extracts the inode number from info, or 0 if the platform's
// os.FileInfo.Sys() doesn't expose a *syscall.Stat_t.
func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
