package deploy

import (
	"testing"
	"time"
)

func TestDeployHostIsDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	first := DeployHost(at, "u1", "p1")
	second := DeployHost(at, "u1", "p1")
	if first != second {
		t.Fatalf("expected deterministic host, got %q and %q", first, second)
	}
	if len(first) != 10 {
		t.Fatalf("expected 10-char host, got %q", first)
	}
}

func TestDeployHostVariesWithInputs(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	base := DeployHost(at, "u1", "p1")
	if DeployHost(at, "u2", "p1") == base {
		t.Fatal("expected different host for different user")
	}
	if DeployHost(at, "u1", "p2") == base {
		t.Fatal("expected different host for different pipeline")
	}
	if DeployHost(at.Add(time.Millisecond), "u1", "p1") == base {
		t.Fatal("expected different host for different trigger time")
	}
}

func TestRulePriorityStaysInListenerRange(t *testing.T) {
	hosts := []string{"abc123def0", "0000000000", "ffffffffff", "a1b2c3d4e5"}
	for _, host := range hosts {
		priority := rulePriority(host)
		if priority < 100 || priority >= 49100 {
			t.Fatalf("priority %d for host %q outside allowed range", priority, host)
		}
		if rulePriority(host) != priority {
			t.Fatalf("priority for %q not stable", host)
		}
	}
}
