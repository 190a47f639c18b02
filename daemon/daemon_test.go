package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type fakeProvider struct {
	status  RunStatus
	attach  map[string]AttachInfo
}

func (f *fakeProvider) Status() RunStatus { return f.status }

func (f *fakeProvider) AttachInfo(instance, clientPubKey string) (AttachInfo, error) {
	info, ok := f.attach[instance]
	if !ok {
		return AttachInfo{}, errors.New("instance not found")
	}
	return info, nil
}

func startTestServer(t *testing.T, provider StatusProvider) (*Server, func()) {
	t.Helper()
	runDir := t.TempDir()
	srv := NewServer(runDir, provider)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	for i := 0; i < 50; i++ {
		if Reachable(srv.SocketPath) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, func() {
		cancel()
		srv.Shutdown()
		<-errCh
	}
}

func TestServerPingAndStatus(t *testing.T) {
	provider := &fakeProvider{
		status: RunStatus{
			Experiment: "exp1",
			Instances:  []InstanceStatus{{Name: "vm1", State: "STARTED"}},
		},
	}
	srv, stop := startTestServer(t, provider)
	defer stop()

	client := Dial(srv.SocketPath)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Experiment != "exp1" || len(status.Instances) != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestServerAttachUnknownInstance(t *testing.T) {
	provider := &fakeProvider{attach: map[string]AttachInfo{}}
	srv, stop := startTestServer(t, provider)
	defer stop()

	_, err := Dial(srv.SocketPath).Attach(context.Background(), "missing", "")
	if err == nil {
		t.Fatal("expected an error for an unknown instance")
	}
}

func TestServerAttachKnownInstance(t *testing.T) {
	provider := &fakeProvider{attach: map[string]AttachInfo{
		"vm1": {Instance: "vm1", SSHHost: "10.0.0.2", SSHPort: 22},
	}}
	srv, stop := startTestServer(t, provider)
	defer stop()

	info, err := Dial(srv.SocketPath).Attach(context.Background(), "vm1", "")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if info.SSHHost != "10.0.0.2" || info.SSHPort != 22 {
		t.Fatalf("unexpected attach info: %+v", info)
	}
}

func TestReachableFalseForMissingSocket(t *testing.T) {
	if Reachable(filepath.Join(t.TempDir(), "nope.sock")) {
		t.Fatal("expected Reachable to be false for a socket nobody is listening on")
	}
}
