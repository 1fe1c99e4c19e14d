package config

import "testing"

func TestApplyEnvironmentOverridesPort(t *testing.T) {
	t.Setenv("BUNDLER_PORT", "4500")
	t.Setenv("BUNDLER_UNSAFE", "true")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnvironment(); err != nil {
		t.Fatalf("ApplyEnvironment: %v", err)
	}
	if cfg.Port != 4500 {
		t.Fatalf("expected port 4500, got %d", cfg.Port)
	}
	if !cfg.Unsafe {
		t.Fatal("expected unsafe to be overridden to true")
	}
}

func TestApplyEnvironmentRejectsGarbagePort(t *testing.T) {
	t.Setenv("BUNDLER_PORT", "not-a-number")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnvironment(); err == nil {
		t.Fatal("expected an error for a non-numeric port override")
	}
}

func TestApplyEnvironmentLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := DefaultConfig()
	before := cfg.Port
	if err := cfg.ApplyEnvironment(); err != nil {
		t.Fatalf("ApplyEnvironment: %v", err)
	}
	if cfg.Port != before {
		t.Fatalf("expected port to remain %d, got %d", before, cfg.Port)
	}
}
