package imagestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveReturnsLocalPathUnchanged(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "base.qcow2")
	if err := os.WriteFile(imgPath, []byte("fake-image"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	got, err := s.Resolve(context.Background(), imgPath)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != imgPath {
		t.Fatalf("Resolve() = %q, want %q", got, imgPath)
	}
}

func TestCachePathIsStablePerRef(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := s.cachePath("registry.example.com/images/debian:12")
	b := s.cachePath("registry.example.com/images/debian:12")
	c := s.cachePath("registry.example.com/images/debian:13")
	if a != b {
		t.Fatal("expected identical refs to hash to the same cache path")
	}
	if a == c {
		t.Fatal("expected different refs to hash to different cache paths")
	}
}
