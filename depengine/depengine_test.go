package depengine

import (
	"testing"

	"github.com/kestrelnet/ptb/config"
)

func rt(v float64) *float64 { return &v }

func iperfConfig() *config.TestbedConfig {
	return &config.TestbedConfig{
		Instances: []config.Instance{
			{
				Name: "server",
				Applications: []config.Application{
					{Name: "iperf", Type: "iperf3-server", Delay: 0},
				},
			},
			{
				Name: "client",
				Applications: []config.Application{
					{
						Name: "iperf", Type: "iperf3-client", Delay: 0, Runtime: rt(5),
						DependsOn: []config.Dependency{{Instance: "server", Application: "iperf", At: config.DependencyAtStart}},
					},
				},
			},
		},
	}
}

func TestBuildRoots(t *testing.T) {
	e, err := Build(iperfConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	roots := e.Roots()
	if len(roots) != 1 || roots[0] != (AppKey{"server", "iperf"}) {
		t.Fatalf("unexpected roots: %v", roots)
	}
}

func TestMaximumRuntimeAllDaemonsIsZero(t *testing.T) {
	cfg := &config.TestbedConfig{
		Instances: []config.Instance{
			{Name: "a", Applications: []config.Application{{Name: "d1", Delay: 0}}},
		},
	}
	e, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := e.MaximumRuntime(); got != 0 {
		t.Fatalf("expected 0 for all-daemon graph, got %v", got)
	}
}

func TestMaximumRuntimeAtStartSubtractsPredecessor(t *testing.T) {
	e, err := Build(iperfConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// server is a daemon (runtime contributes 0); client runs 5s starting
	// in parallel with server, so the estimate is client's own
	// delay+runtime plus the one-second hop, not server's (infinite) span.
	got := e.MaximumRuntime()
	if got != 6 {
		t.Fatalf("expected 6 (5s runtime + 1s hop), got %v", got)
	}
}

func TestSatisfyAndCheckIdempotent(t *testing.T) {
	e, err := Build(iperfConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	startable := e.SatisfyAndCheck("server", "iperf", config.DependencyAtStart)
	if len(startable) != 1 || startable[0] != (AppKey{"client", "iperf"}) {
		t.Fatalf("expected client.iperf to become startable, got %v", startable)
	}

	replay := e.SatisfyAndCheck("server", "iperf", config.DependencyAtStart)
	if len(replay) != 0 {
		t.Fatalf("expected no new starts on replay, got %v", replay)
	}
}

func TestMarkUnsatisfiablePropagates(t *testing.T) {
	cfg := &config.TestbedConfig{
		Instances: []config.Instance{
			{Name: "a", Applications: []config.Application{{Name: "one", Delay: 0, Runtime: rt(1)}}},
			{Name: "b", Applications: []config.Application{
				{Name: "two", Delay: 0, Runtime: rt(1), DependsOn: []config.Dependency{
					{Instance: "a", Application: "one", At: config.DependencyAtFinish},
				}},
			}},
		},
	}
	e, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ruledOut := e.MarkUnsatisfiable("a", "one")
	if len(ruledOut) != 1 || ruledOut[0] != (AppKey{"b", "two"}) {
		t.Fatalf("expected b.two to be ruled out, got %v", ruledOut)
	}
}
