package watchdog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateFileAcceptsRegularNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msg1")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := validateFile(path, 1<<20)
	if err != nil {
		t.Fatalf("validateFile: %v", err)
	}
	if info.Size() != 5 {
		t.Fatalf("size = %d, want 5", info.Size())
	}
}

func TestValidateFileRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if _, err := validateFile(link, 1<<20); err == nil {
		t.Fatal("expected symlink payload to be rejected")
	}
}

func TestValidateFileRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := validateFile(path, 1<<20); err == nil {
		t.Fatal("expected empty file to be rejected")
	}
}

func TestValidateFileBoundarySizeExactlyAtMax(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exact")
	body := make([]byte, 1<<20)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := validateFile(path, 1<<20); err != nil {
		t.Fatalf("expected frame exactly at max size to succeed, got %v", err)
	}
}

func TestValidateFileRejectsOverMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toobig")
	body := make([]byte, (1<<20)+1)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := validateFile(path, 1<<20); err == nil {
		t.Fatal("expected oversize file to be rejected")
	}
}

func TestValidateFileRejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := validateFile(filepath.Join(dir, "nope"), 1<<20); err == nil {
		t.Fatal("expected missing file to fail validation")
	}
}
