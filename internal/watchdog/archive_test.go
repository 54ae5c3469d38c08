package watchdog

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestArchiveFileMovesIntoDayDirectory(t *testing.T) {
	root := t.TempDir()
	archiveRoot := t.TempDir()
	src := filepath.Join(root, "msg1")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	dest, err := archiveFile(src, archiveRoot, "agent-a", "file123", "task")
	if err != nil {
		t.Fatalf("archiveFile: %v", err)
	}

	wantDir := filepath.Join(archiveRoot, "agent-a", time.Now().Format("2006-01-02"))
	if filepath.Dir(dest) != wantDir {
		t.Fatalf("archived into %s, want %s", filepath.Dir(dest), wantDir)
	}
	if filepath.Base(dest) != "file123-task" {
		t.Fatalf("archived name = %s, want file123-task", filepath.Base(dest))
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source file should no longer exist after archiving")
	}
	body, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read archived file: %v", err)
	}
	if string(body) != "payload" {
		t.Fatalf("archived content = %q, want %q", body, "payload")
	}
}

func TestCopyThenUnlinkPreservesContentAndRemovesSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	if err := os.WriteFile(src, []byte("cross-fs content"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	if err := copyThenUnlink(src, dest); err != nil {
		t.Fatalf("copyThenUnlink: %v", err)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source should be removed after copyThenUnlink")
	}
	body, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(body) != "cross-fs content" {
		t.Fatalf("dest content = %q, want %q", body, "cross-fs content")
	}
}

func TestContentHashMatchesFirst16HexCharsOfSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashme")
	body := []byte("the quick brown fox")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := contentHash(path)
	if err != nil {
		t.Fatalf("contentHash: %v", err)
	}

	sum := sha256.Sum256(body)
	want := hex.EncodeToString(sum[:])[:16]
	if got != want {
		t.Fatalf("contentHash = %s, want %s", got, want)
	}
	if len(got) != 16 {
		t.Fatalf("contentHash length = %d, want 16", len(got))
	}
}
