package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kestrelnet/ptb/protocol"
	"github.com/kestrelnet/ptb/statemachine"
)

type fakeProcess struct {
	waitErr  chan error
	killed   bool
}

func newFakeProcess() *fakeProcess { return &fakeProcess{waitErr: make(chan error, 1)} }

func (f *fakeProcess) Wait() error { return <-f.waitErr }
func (f *fakeProcess) Kill() error {
	f.killed = true
	f.waitErr <- nil
	return nil
}
func (f *fakeProcess) Pid() int { return 4242 }

type fakeSpawner struct {
	proc *fakeProcess
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec HypervisorSpec) (Process, error) {
	return f.proc, nil
}

// pipeControlEndpoint hands back one side of an in-memory net.Pipe, the
// test standing in for the Agent on the other side.
type pipeControlEndpoint struct {
	conn net.Conn
}

func (p *pipeControlEndpoint) Accept() (net.Conn, error) { return p.conn, nil }
func (p *pipeControlEndpoint) DialArgs() []string         { return nil }
func (p *pipeControlEndpoint) Close() error               { return nil }

func TestBootWaitsForStartedFrame(t *testing.T) {
	serverSide, agentSide := net.Pipe()
	defer agentSide.Close()

	sm := statemachine.NewManager([]string{"vm1"})
	sup := New("vm1", "vm1.testbed", &fakeSpawner{proc: newFakeProcess()}, &pipeControlEndpoint{conn: serverSide}, sm)

	go func() {
		w := protocol.NewWriter(agentSide)
		_ = w.Send("vm1.testbed", protocol.KindStarted, nil)
	}()

	if err := sup.Boot(context.Background(), HypervisorSpec{InstanceName: "vm1"}); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	state, ok := sm.State("vm1")
	if !ok || state != statemachine.StateStarted {
		t.Fatalf("expected STARTED, got %v", state)
	}
}

func TestFerryDispatchesDataPoints(t *testing.T) {
	serverSide, agentSide := net.Pipe()

	sm := statemachine.NewManager([]string{"vm1"})
	sup := New("vm1", "vm1.testbed", &fakeSpawner{proc: newFakeProcess()}, &pipeControlEndpoint{conn: serverSide}, sm)

	go func() {
		w := protocol.NewWriter(agentSide)
		_ = w.Send("vm1.testbed", protocol.KindStarted, nil)
		_ = w.Send("vm1.testbed", protocol.KindDataPoint, protocol.DataPointPayload{
			Measurement: "ping",
			Fields:      map[string]any{"rtt_ms": 1.2},
		})
		agentSide.Close()
	}()

	if err := sup.Boot(context.Background(), HypervisorSpec{InstanceName: "vm1"}); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sup.Ferry(ctx)

	select {
	case dp := <-sup.DataPoints:
		if dp.Measurement != "ping" {
			t.Fatalf("Measurement = %q, want ping", dp.Measurement)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data point")
	}
}

func TestShutdownEscalatesAfterGracePeriod(t *testing.T) {
	serverSide, agentSide := net.Pipe()
	defer agentSide.Close()

	sm := statemachine.NewManager([]string{"vm1"})
	proc := newFakeProcess()
	sup := New("vm1", "vm1.testbed", &fakeSpawner{proc: proc}, &pipeControlEndpoint{conn: serverSide}, sm)

	go func() {
		w := protocol.NewWriter(agentSide)
		_ = w.Send("vm1.testbed", protocol.KindStarted, nil)
	}()
	if err := sup.Boot(context.Background(), HypervisorSpec{InstanceName: "vm1"}); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	go func() {
		r := protocol.NewReader(agentSide)
		r.Next() // drain the finish frame so the write side does not block
	}()

	if err := sup.Shutdown(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !proc.killed {
		t.Fatal("expected process to be killed after grace period elapsed")
	}
}

func TestHypervisorSpecArgsIncludesSnapshotMode(t *testing.T) {
	spec := HypervisorSpec{
		DiskImage:   "/images/base.qcow2",
		SeedISOPath: "/tmp/seed.iso",
		ExchangeDir: "/tmp/exchange",
		PackageDir:  "/tmp/tbp",
		CPUs:        2,
		MemoryMB:    1024,
		NICs:        []NICSpec{{Index: 0, Bridge: "ptb-b-abcd1234", MAC: "02:00:00:00:00:00"}},
	}
	args := spec.Args()
	found := false
	for _, a := range args {
		if a == "file=/images/base.qcow2,if=virtio,snapshot=on" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected snapshot=on drive arg, got %v", args)
	}
}
