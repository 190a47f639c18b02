package controller

import (
	"regexp"
	"testing"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNewUUIDShapeAndUniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := newUUID()
		if err != nil {
			t.Fatalf("newUUID: %v", err)
		}
		if !uuidPattern.MatchString(id) {
			t.Fatalf("newUUID: %q does not look like a v4 UUID", id)
		}
		if seen[id] {
			t.Fatalf("newUUID: produced duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestAllocateManagementIP(t *testing.T) {
	addr, prefixLen, err := allocateManagementIP("10.20.0.0/24", 0)
	if err != nil {
		t.Fatalf("allocateManagementIP: %v", err)
	}
	if addr != "10.20.0.2" || prefixLen != 24 {
		t.Fatalf("got %s/%d, want 10.20.0.2/24", addr, prefixLen)
	}

	addr, _, err = allocateManagementIP("10.20.0.0/24", 5)
	if err != nil {
		t.Fatalf("allocateManagementIP: %v", err)
	}
	if addr != "10.20.0.7" {
		t.Fatalf("got %s, want 10.20.0.7", addr)
	}
}

func TestAllocateManagementIPOverflow(t *testing.T) {
	if _, _, err := allocateManagementIP("10.20.0.0/30", 10); err == nil {
		t.Fatal("expected error for an index beyond the block's capacity")
	}
}

func TestAllocateManagementIPRejectsBadCIDR(t *testing.T) {
	if _, _, err := allocateManagementIP("not-a-cidr", 0); err == nil {
		t.Fatal("expected error for an unparseable CIDR")
	}
}

func TestDurationSeconds(t *testing.T) {
	if got := durationSeconds(0); got != 0 {
		t.Fatalf("durationSeconds(0) = %v, want 0", got)
	}
	if got := durationSeconds(-1); got != 0 {
		t.Fatalf("durationSeconds(-1) = %v, want 0", got)
	}
	if got := durationSeconds(1.5); got.Milliseconds() != 1500 {
		t.Fatalf("durationSeconds(1.5) = %v, want 1.5s", got)
	}
}
