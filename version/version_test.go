package version

import (
	"strings"
	"testing"
)

func TestStringFallsBackWhenUnset(t *testing.T) {
	got := Info{}.String()
	if !strings.Contains(got, "unknown") {
		t.Fatalf("String() = %q, want it to mention unknown for an unset commit", got)
	}
}

func TestStringIncludesCommit(t *testing.T) {
	got := Info{GitCommit: "abc123"}.String()
	if !strings.Contains(got, "abc123") {
		t.Fatalf("String() = %q, want it to include the commit", got)
	}
}
