package integrations

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/bash\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestRunStageBlockingSucceeds(t *testing.T) {
	dir := t.TempDir()
	start := writeScript(t, dir, "start.sh", "exit 0")

	m := NewManager([]Spec{{
		Name: "ready-check", Mode: ModeAwait, Stage: StageNetwork,
		StartScript: start, Blocking: true, WaitForExit: time.Second,
	}}, dir)

	if err := m.RunStage(context.Background(), StageNetwork); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
}

func TestRunStageBlockingFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	start := writeScript(t, dir, "start.sh", "exit 1")

	m := NewManager([]Spec{{
		Name: "broken", Mode: ModeAwait, Stage: StageStartup,
		StartScript: start, Blocking: true, WaitForExit: time.Second,
	}}, dir)

	if err := m.RunStage(context.Background(), StageStartup); err == nil {
		t.Fatal("expected error from failing blocking integration")
	}
}

func TestStartStopRunsStopScript(t *testing.T) {
	dir := t.TempDir()
	start := writeScript(t, dir, "start.sh", "sleep 10")
	marker := filepath.Join(dir, "stopped")
	stop := writeScript(t, dir, "stop.sh", "touch "+marker)

	m := NewManager([]Spec{{
		Name: "svc", Mode: ModeStartStop, Stage: StageInit,
		StartScript: start, StopScript: stop, Blocking: false,
		WaitForExit: 50 * time.Millisecond,
	}}, dir)

	if err := m.RunStage(context.Background(), StageInit); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected stop script to run: %v", err)
	}
}

func TestRunStageNoIntegrationsIsNoop(t *testing.T) {
	m := NewManager(nil, t.TempDir())
	if err := m.RunStage(context.Background(), StageNetwork); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
}
