package builtin

import (
	"testing"

	"github.com/kestrelnet/ptb/appregistry"
)

func TestRegisterAllPopulatesRegistry(t *testing.T) {
	reg := appregistry.NewRegistry(t.TempDir())
	if err := RegisterAll(reg, t.TempDir()); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	for _, name := range []string{"ping", "iperf3-server", "iperf3-client", "procmon", "run-program"} {
		if _, err := reg.Load(name); err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
	}
}

func TestPingRequiresTarget(t *testing.T) {
	app := NewPingApplication()
	if err := app.SetAndValidateConfig(map[string]any{}); err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestIperf3ClientRequiresBandwidthForUDP(t *testing.T) {
	app := NewIperf3ClientApplication()
	err := app.SetAndValidateConfig(map[string]any{"host": "10.0.0.2", "udp": true})
	if err == nil {
		t.Fatal("expected error for UDP without bandwidth")
	}
}

func TestIperf3ClientRuntimeUpperBound(t *testing.T) {
	app := &Iperf3ClientApplication{}
	if err := app.SetAndValidateConfig(map[string]any{"host": "10.0.0.2"}); err != nil {
		t.Fatalf("SetAndValidateConfig: %v", err)
	}
	runtime := 100.0
	got := app.GetRuntimeUpperBound(&runtime)
	want := 100.0 + 10.0 // 0.1*100 slack, above the 5s floor
	if got != want {
		t.Fatalf("GetRuntimeUpperBound() = %v, want %v", got, want)
	}
}
