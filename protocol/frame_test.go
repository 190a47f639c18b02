package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.Send("alice.ptb", KindStarted, nil); err != nil {
		t.Fatalf("Send started: %v", err)
	}
	t0 := time.Now().Truncate(time.Second)
	if err := w.Send("alice.ptb", KindRunApps, RunAppsPayload{T0: t0, TCurrent: t0}); err != nil {
		t.Fatalf("Send run_apps: %v", err)
	}

	r := NewReader(&buf)

	f1, err := r.Next()
	if err != nil {
		t.Fatalf("Next (1): %v", err)
	}
	if f1.Status != KindStarted || f1.Name != "alice.ptb" {
		t.Fatalf("unexpected frame 1: %+v", f1)
	}

	f2, err := r.Next()
	if err != nil {
		t.Fatalf("Next (2): %v", err)
	}
	var payload RunAppsPayload
	if err := f2.Unmarshal(&payload); err != nil {
		t.Fatalf("Unmarshal run_apps payload: %v", err)
	}
	if !payload.T0.Equal(t0) {
		t.Fatalf("t0 mismatch: got %v want %v", payload.T0, t0)
	}
}

func TestReaderMultipleFramesInOneBuffer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := 0; i < 3; i++ {
		if err := w.Send("bob.ptb", KindMsgInfo, LogPayload{Message: "tick"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	r := NewReader(&buf)
	for i := 0; i < 3; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatalf("Next (%d): %v", i, err)
		}
	}
}
