package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveRunNameExplicitWins(t *testing.T) {
	name, err := resolveRunName(t.TempDir(), "123-456")
	if err != nil {
		t.Fatalf("resolveRunName: %v", err)
	}
	if name != "123-456" {
		t.Fatalf("got %q, want explicit run name unchanged", name)
	}
}

func TestResolveRunNameNoActiveRuns(t *testing.T) {
	if _, err := resolveRunName(t.TempDir(), ""); err == nil {
		t.Fatal("expected an error when no run directories exist")
	}
}

func TestResolveRunNameSingleAliveRun(t *testing.T) {
	base := t.TempDir()
	// The test process's own PID is always alive to itself, and a dead
	// PID never collides with it, so this run dir is unambiguously live.
	aliveName := fmt.Sprintf("%d-1000", os.Getpid())
	if err := os.MkdirAll(filepath.Join(base, aliveName), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(base, "999999-1000"), 0o700); err != nil {
		t.Fatal(err)
	}

	name, err := resolveRunName(base, "")
	if err != nil {
		t.Fatalf("resolveRunName: %v", err)
	}
	if name != aliveName {
		t.Fatalf("got %q, want %q", name, aliveName)
	}
}

func TestResolveRunNameMultipleAliveRunsIsAmbiguous(t *testing.T) {
	base := t.TempDir()
	for _, suffix := range []string{"1000", "1001"} {
		name := fmt.Sprintf("%d-%s", os.Getpid(), suffix)
		if err := os.MkdirAll(filepath.Join(base, name), 0o700); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := resolveRunName(base, ""); err == nil {
		t.Fatal("expected ambiguity error with two alive run directories")
	}
}
