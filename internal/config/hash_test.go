package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeLockableConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("runners:\n  r:\n    workdir: /tmp\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "workflows"), 0o755); err != nil {
		t.Fatalf("mkdir workflows: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "workflows", "vfio.yaml"),
		[]byte("workflows: []\n"), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return dir
}

func TestGenerateAndLoadChecksums(t *testing.T) {
	t.Parallel()

	dir := writeLockableConfig(t)

	files, err := GenerateChecksums(dir)
	if err != nil {
		t.Fatalf("GenerateChecksums: %v", err)
	}
	want := []string{"config.yaml", filepath.Join("workflows", "vfio.yaml")}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("locked files = %v, want %v", files, want)
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums: %v", err)
	}
	if manifest.Version != 1 {
		t.Errorf("Version = %d", manifest.Version)
	}
	if len(manifest.Hashes) != 2 {
		t.Errorf("Hashes = %v", manifest.Hashes)
	}

	info, err := os.Stat(filepath.Join(dir, ".checksums"))
	if err != nil {
		t.Fatalf("stat .checksums: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf(".checksums permissions = %o, want 600", perm)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	t.Parallel()

	if _, err := LoadChecksums(t.TempDir()); err == nil {
		t.Fatal("expected error without .checksums")
	}
}

func TestVerifyFileHashDetectsTampering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash: %v", err)
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash on untouched file: %v", err)
	}

	if err := os.WriteFile(path, []byte("a: 2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := VerifyFileHash(path, hash); err == nil {
		t.Fatal("tampered file passed verification")
	}
}

func TestLoadRejectsTamperedLockedConfig(t *testing.T) {
	t.Parallel()

	dir := writeLockableConfig(t)
	if _, err := GenerateChecksums(dir); err != nil {
		t.Fatalf("GenerateChecksums: %v", err)
	}

	// Loading the untouched locked config works.
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load locked config: %v", err)
	}

	// Editing a locked workflow file without re-locking fails the load.
	if err := os.WriteFile(filepath.Join(dir, "workflows", "vfio.yaml"),
		[]byte("workflows: [evil]\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err := Load(dir)
	if err == nil {
		t.Fatal("Load accepted tampered locked config")
	}
}

func TestLoadRejectsDeletedLockedFile(t *testing.T) {
	t.Parallel()

	dir := writeLockableConfig(t)
	if _, err := GenerateChecksums(dir); err != nil {
		t.Fatalf("GenerateChecksums: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "workflows", "vfio.yaml")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted config with a locked file missing")
	}
}
