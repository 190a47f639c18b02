package fabric

import (
	"context"
	"strings"
	"testing"
)

type recordingRunner struct {
	calls [][]string
	fail  map[string]bool
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	key := name
	if len(args) > 0 {
		key = name + " " + args[0]
	}
	if r.fail[key] {
		return errTest
	}
	return nil
}

var errTest = &testError{"simulated failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestCreateBridgeAndTearDown(t *testing.T) {
	r := &recordingRunner{}
	m := NewManager(r)
	ctx := context.Background()

	b, err := m.CreateBridge(ctx, "ptb-b-aabbccdd", "10.20.0.1/24", false)
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	if err := b.AddTAP(ctx, "ptb-t-11223344"); err != nil {
		t.Fatalf("AddTAP: %v", err)
	}

	before := len(r.calls)
	if err := b.TearDown(ctx); err != nil {
		t.Fatalf("TearDown: %v", err)
	}
	if len(r.calls) <= before {
		t.Fatal("expected TearDown to issue dismantle commands")
	}
}

func TestAddTAPIdempotent(t *testing.T) {
	r := &recordingRunner{}
	m := NewManager(r)
	ctx := context.Background()

	b, err := m.CreateBridge(ctx, "ptb-b-deadbeef", "", false)
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	if err := b.AddTAP(ctx, "ptb-t-cafefeed"); err != nil {
		t.Fatalf("AddTAP: %v", err)
	}
	before := len(r.calls)
	if err := b.AddTAP(ctx, "ptb-t-cafefeed"); err != nil {
		t.Fatalf("AddTAP (repeat): %v", err)
	}
	if len(r.calls) != before {
		t.Fatal("expected no-op on re-adding an existing TAP member")
	}
}

func TestRemoveTAPIdempotentWhenAbsent(t *testing.T) {
	r := &recordingRunner{}
	m := NewManager(r)
	ctx := context.Background()
	b, err := m.CreateBridge(ctx, "ptb-b-01020304", "", false)
	if err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	if err := b.RemoveTAP(ctx, "ptb-t-neverexisted"); err != nil {
		t.Fatalf("RemoveTAP on absent member should be a silent no-op: %v", err)
	}
}

func TestBringUpAbortsAndUnwindsOnFailure(t *testing.T) {
	r := &recordingRunner{fail: map[string]bool{"ip addr": true}}
	m := NewManager(r)
	ctx := context.Background()

	if _, err := m.CreateBridge(ctx, "ptb-b-11112222", "10.30.0.1/24", false); err == nil {
		t.Fatal("expected bring-up to fail on the ip addr step")
	}
	last := strings.Join(r.calls[len(r.calls)-1], " ")
	if last != "ip link delete ptb-b-11112222 type bridge" {
		t.Fatalf("expected the failed bring-up to unwind by deleting the bridge, last call was %q", last)
	}
}
