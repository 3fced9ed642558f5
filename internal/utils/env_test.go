package utils

import (
	"testing"
	"time"
)

func TestSafeEnv(t *testing.T) {
	t.Setenv("CROWDTASK_TEST_KEY", "value")
	if got := SafeEnv("CROWDTASK_TEST_KEY", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
	if got := SafeEnv("CROWDTASK_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestSafeEnvDuration(t *testing.T) {
	t.Setenv("CROWDTASK_TEST_TIMEOUT", "30s")
	if got := SafeEnvDuration("CROWDTASK_TEST_TIMEOUT", time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
	if got := SafeEnvDuration("CROWDTASK_TEST_TIMEOUT_MISSING", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
	t.Setenv("CROWDTASK_TEST_TIMEOUT_BAD", "soon")
	if got := SafeEnvDuration("CROWDTASK_TEST_TIMEOUT_BAD", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for bad value, got %v", got)
	}
}
