package controller

import (
	"testing"

	"github.com/kestrelnet/ptb/config"
	"github.com/kestrelnet/ptb/integrations"
)

func TestIntegrationSpecFromConfigMapsModeAndStage(t *testing.T) {
	in := config.Integration{
		Name:            "dns-seed",
		Mode:            config.IntegrationStartStop,
		Stage:           config.StageNetwork,
		StartScript:     "start.sh",
		StopScript:      "stop.sh",
		StartDelay:      -1,
		WaitAfterInvoke: 2,
		WaitForExit:     5,
	}

	spec := integrationSpecFromConfig(in)

	if spec.Mode != integrations.ModeStartStop {
		t.Fatalf("Mode = %v, want ModeStartStop", spec.Mode)
	}
	if spec.Stage != integrations.StageNetwork {
		t.Fatalf("Stage = %v, want StageNetwork", spec.Stage)
	}
	if !spec.Blocking {
		t.Fatal("expected start_delay -1 start_stop integration to be blocking")
	}
	if spec.WaitAfterInvoke.Seconds() != 2 || spec.WaitForExit.Seconds() != 5 {
		t.Fatalf("wait durations not converted: %+v", spec)
	}
}

func TestIntegrationSpecFromConfigDefaultsToAwaitAndStartup(t *testing.T) {
	in := config.Integration{Name: "noop", StartScript: "start.sh"}

	spec := integrationSpecFromConfig(in)

	if spec.Mode != integrations.ModeAwait {
		t.Fatalf("Mode = %v, want ModeAwait (zero value)", spec.Mode)
	}
	if spec.Stage != integrations.StageStartup {
		t.Fatalf("Stage = %v, want StageStartup default", spec.Stage)
	}
	if spec.Blocking {
		t.Fatal("an await integration must never block bring-up")
	}
}
