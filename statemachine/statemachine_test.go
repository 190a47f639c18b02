package statemachine

import (
	"context"
	"testing"
	"time"
)

func TestWaitForAllSucceeds(t *testing.T) {
	m := NewManager([]string{"alice", "bob"})
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Transition("alice", StateStarted)
		m.Transition("bob", StateStarted)
	}()

	result := m.WaitForAll(context.Background(), StateStarted, time.Second)
	if result != WaitOK {
		t.Fatalf("expected WaitOK, got %v", result)
	}
}

func TestWaitForAllShortCircuitsOnFailure(t *testing.T) {
	m := NewManager([]string{"alice", "bob"})
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Transition("alice", StateStarted)
		m.Transition("bob", StateFailed)
	}()

	result := m.WaitForAll(context.Background(), StateStarted, time.Second)
	if result != WaitFailed {
		t.Fatalf("expected WaitFailed, got %v", result)
	}
}

func TestWaitForAllTimesOut(t *testing.T) {
	m := NewManager([]string{"alice"})
	result := m.WaitForAll(context.Background(), StateStarted, 20*time.Millisecond)
	if result != WaitTimeout {
		t.Fatalf("expected WaitTimeout, got %v", result)
	}
}

func TestTransitionRejectsBackwardMovement(t *testing.T) {
	m := NewManager([]string{"alice"})
	if err := m.Transition("alice", StateInitialized); err != nil {
		t.Fatalf("Transition forward: %v", err)
	}
	if err := m.Transition("alice", StateStarted); err == nil {
		t.Fatal("expected error moving backward from INITIALIZED to STARTED")
	}
}

func TestTransitionAllowsDisconnectedFromAnyState(t *testing.T) {
	m := NewManager([]string{"alice"})
	m.Transition("alice", StateAppsReady)
	if err := m.Transition("alice", StateDisconnected); err != nil {
		t.Fatalf("Transition to DISCONNECTED should always be allowed: %v", err)
	}
}

func TestRequestShutdownShortCircuitsWait(t *testing.T) {
	m := NewManager([]string{"alice"})
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.RequestShutdown()
	}()
	result := m.WaitForAll(context.Background(), StateStarted, time.Second)
	if result != WaitShutdown {
		t.Fatalf("expected WaitShutdown, got %v", result)
	}
}
