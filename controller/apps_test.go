package controller

import (
	"testing"

	"github.com/kestrelnet/ptb/protocol"
)

func TestRecordAppStatusSetsFailureFlag(t *testing.T) {
	c := &Controller{}
	c.recordAppStatus("vm1", protocol.AppsExtendedStatusPayload{AppName: "pinger", State: "failed"})
	if !c.anyAppFailed.Load() {
		t.Fatal("expected anyAppFailed after a failed AppsExtendedStatusPayload")
	}
}

func TestRecordAppStatusLeavesFlagClearOnSuccess(t *testing.T) {
	c := &Controller{}
	c.recordAppStatus("vm1", protocol.AppsExtendedStatusPayload{AppName: "pinger", State: "finished"})
	if c.anyAppFailed.Load() {
		t.Fatal("a finished Application must not set anyAppFailed")
	}
}
