package agent

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelnet/ptb/appregistry"
	"github.com/kestrelnet/ptb/protocol"
)

func newTestAgent(t *testing.T) (*Agent, *protocol.Reader) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	reg := appregistry.NewRegistry(t.TempDir())
	if err := reg.RegisterBuiltin(func() appregistry.Application { return &stubApp{} }); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	a := New("vm1.testbed", t.TempDir(), t.TempDir(), protocol.NewWriter(server), reg)
	return a, protocol.NewReader(client)
}

type stubApp struct{}

func (s *stubApp) APIVersion() string                      { return appregistry.APIVersion }
func (s *stubApp) Name() string                             { return "stub" }
func (s *stubApp) SetAndValidateConfig(map[string]any) error { return nil }
func (s *stubApp) GetRuntimeUpperBound(*float64) float64     { return 1 }
func (s *stubApp) Start(ctx context.Context, iface appregistry.Interface, runtime *float64) error {
	iface.DataPoint(ctx, "stub", map[string]any{"ok": true})
	return nil
}

func TestHandleInitializeWritesMarkerAndReportsInitialized(t *testing.T) {
	a, r := newTestAgent(t)

	go a.Dispatch(context.Background(), &protocol.Frame{Status: protocol.KindInitialize, Message: mustJSON(t, protocol.InitializePayload{Script: "true"})})

	frame := readFrame(t, r)
	if frame.Status != protocol.KindInitialized {
		t.Fatalf("expected initialized, got %s", frame.Status)
	}
	if a.State() != StateInitialized {
		t.Fatalf("expected INITIALIZED, got %s", a.State())
	}
	if _, err := os.Stat(a.markerPath()); err != nil {
		t.Fatalf("expected persistence marker: %v", err)
	}
}

func TestHandleInitializeSkipsWhenMarkerPresent(t *testing.T) {
	a, r := newTestAgent(t)
	if err := os.WriteFile(a.markerPath(), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	go a.Dispatch(context.Background(), &protocol.Frame{Status: protocol.KindInitialize, Message: mustJSON(t, protocol.InitializePayload{Script: "false"})})

	frame := readFrame(t, r)
	if frame.Status != protocol.KindInitialized {
		t.Fatalf("expected initialized, got %s", frame.Status)
	}
}

func TestHandleInstallAppsThenRunAppsStartsRoot(t *testing.T) {
	a, r := newTestAgent(t)

	install := protocol.InstallAppsPayload{Applications: []protocol.AppSpec{{Name: "a1", Type: "stub", IsRoot: true}}}
	go a.Dispatch(context.Background(), &protocol.Frame{Status: protocol.KindInstallApps, Message: mustJSON(t, install)})
	frame := readFrame(t, r)
	if frame.Status != protocol.KindAppsInstalled {
		t.Fatalf("expected apps_installed, got %s", frame.Status)
	}

	t0 := time.Now().Add(50 * time.Millisecond)
	run := protocol.RunAppsPayload{T0: t0, TCurrent: time.Now()}
	go a.Dispatch(context.Background(), &protocol.Frame{Status: protocol.KindRunApps, Message: mustJSON(t, run)})

	// Expect data_point, apps_extended_status, apps_done in some order
	// terminated by apps_done.
	deadline := time.Now().Add(2 * time.Second)
	sawDone := false
	for time.Now().Before(deadline) && !sawDone {
		f := readFrame(t, r)
		if f.Status == protocol.KindAppsDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected apps_done frame")
	}
}

func TestHandleCopyResolvesAbsoluteAndRelative(t *testing.T) {
	a, r := newTestAgent(t)
	srcPath := filepath.Join(t.TempDir(), "src.txt")
	if err := os.WriteFile(srcPath, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	go a.Dispatch(context.Background(), &protocol.Frame{Status: protocol.KindCopy, Message: mustJSON(t, protocol.CopyPayload{
		Source: srcPath, Target: "out.txt", ProcID: "p1",
	})})

	frame := readFrame(t, r)
	if frame.Status != protocol.KindCopiedFile {
		t.Fatalf("expected copied_file, got %s", frame.Status)
	}
	var p protocol.CopiedFilePayload
	if err := frame.Unmarshal(&p); err != nil {
		t.Fatal(err)
	}
	if p.ProcID != "p1" || p.Bytes != 5 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func readFrame(t *testing.T, r *protocol.Reader) *protocol.Frame {
	t.Helper()
	f, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return f
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
