package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelnet/ptb/statemachine"
)

func newTestController(names []string) *Controller {
	return &Controller{
		sm:    statemachine.NewManager(names),
		order: names,
	}
}

func TestRendezvousOK(t *testing.T) {
	c := newTestController([]string{"vm1", "vm2"})
	for _, n := range c.order {
		if err := c.sm.Transition(n, statemachine.StateStarted); err != nil {
			t.Fatalf("Transition: %v", err)
		}
	}
	if err := c.rendezvous(context.Background(), statemachine.StateStarted, time.Second); err != nil {
		t.Fatalf("rendezvous: %v", err)
	}
}

func TestRendezvousAbortsOnAnyFailure(t *testing.T) {
	c := newTestController([]string{"vm1", "vm2"})
	_ = c.sm.Transition("vm1", statemachine.StateStarted)
	_ = c.sm.Transition("vm2", statemachine.StateFailed)

	err := c.rendezvous(context.Background(), statemachine.StateStarted, time.Second)
	if !errors.Is(err, ErrSupervisor) {
		t.Fatalf("rendezvous error = %v, want wrapping ErrSupervisor", err)
	}
}

func TestRendezvousTimesOut(t *testing.T) {
	c := newTestController([]string{"vm1"})
	err := c.rendezvous(context.Background(), statemachine.StateStarted, 50*time.Millisecond)
	if !errors.Is(err, ErrSupervisor) {
		t.Fatalf("rendezvous error = %v, want wrapping ErrSupervisor (timeout)", err)
	}
}

// waitTolerant must let a FAILED instance settle the rendezvous rather
// than aborting it for every other instance, unlike rendezvous (§7:
// "Application failures ... do not necessarily abort the run").
func TestWaitTolerantAcceptsFailedAsTerminal(t *testing.T) {
	c := newTestController([]string{"vm1", "vm2"})
	_ = c.sm.Transition("vm1", statemachine.StateAppsReady)
	_ = c.sm.Transition("vm2", statemachine.StateFailed)

	if err := c.waitTolerant(context.Background(), statemachine.StateAppsReady, time.Second); err != nil {
		t.Fatalf("waitTolerant: %v", err)
	}
	if !c.anyAppFailed.Load() {
		t.Fatal("expected anyAppFailed to be set after observing a FAILED instance")
	}
}

func TestWaitTolerantTimesOutWhenStillPending(t *testing.T) {
	c := newTestController([]string{"vm1"})
	err := c.waitTolerant(context.Background(), statemachine.StateAppsReady, 50*time.Millisecond)
	if !errors.Is(err, ErrSupervisor) {
		t.Fatalf("waitTolerant error = %v, want wrapping ErrSupervisor (timeout)", err)
	}
}

func TestWaitTolerantHonoursInterrupt(t *testing.T) {
	c := newTestController([]string{"vm1"})
	c.interrupted.Store(true)

	err := c.waitTolerant(context.Background(), statemachine.StateAppsReady, time.Second)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("waitTolerant error = %v, want ErrInterrupted", err)
	}
}
