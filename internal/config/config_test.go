package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"LOOM_ADDR", "LOOM_DB", "LOOM_PROVIDER", "LOOM_MODEL", "LOOM_MAX_STEPS",
		"LOOM_SNIPPET_LINES", "LOOM_RUNNER", "LOOM_CHECKER", "LOOM_WORK_DIR",
		"LOOM_EXEC_TIMEOUT", "LOOM_TICK_INTERVAL", "LOOM_QUEUE", "LOOM_REDIS_ADDR",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxSteps != 8 {
		t.Errorf("MaxSteps = %d", cfg.MaxSteps)
	}
	if cfg.SnippetLines != 10 {
		t.Errorf("SnippetLines = %d", cfg.SnippetLines)
	}
	if len(cfg.RunnerCommand) != 1 || cfg.RunnerCommand[0] != "node" {
		t.Errorf("RunnerCommand = %v", cfg.RunnerCommand)
	}
	if len(cfg.CheckerCommand) != 2 || cfg.CheckerCommand[1] != "--check" {
		t.Errorf("CheckerCommand = %v", cfg.CheckerCommand)
	}
	if cfg.ExecTimeout != 2*time.Minute {
		t.Errorf("ExecTimeout = %v", cfg.ExecTimeout)
	}
	if cfg.QueueBackend != QueueBackendMemory {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("LOOM_ADDR", ":9999")
	t.Setenv("LOOM_MAX_STEPS", "12")
	t.Setenv("LOOM_RUNNER", "deno run")
	t.Setenv("LOOM_EXEC_TIMEOUT", "45s")
	t.Setenv("LOOM_QUEUE", QueueBackendRedis)

	cfg := FromEnv()
	if cfg.Addr != ":9999" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxSteps != 12 {
		t.Errorf("MaxSteps = %d", cfg.MaxSteps)
	}
	if len(cfg.RunnerCommand) != 2 || cfg.RunnerCommand[0] != "deno" {
		t.Errorf("RunnerCommand = %v", cfg.RunnerCommand)
	}
	if cfg.ExecTimeout != 45*time.Second {
		t.Errorf("ExecTimeout = %v", cfg.ExecTimeout)
	}
	if cfg.QueueBackend != QueueBackendRedis {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
}

func TestParseEnvFallbacks(t *testing.T) {
	t.Setenv("LOOM_TEST_INT", "not-a-number")
	if got := ParseIntEnv("LOOM_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv = %d, want fallback 7", got)
	}
	t.Setenv("LOOM_TEST_DUR", "soon")
	if got := ParseDurationEnv("LOOM_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv = %v, want fallback 1m", got)
	}
	if got := ParseStringEnv("LOOM_TEST_UNSET_KEY", "fallback"); got != "fallback" {
		t.Errorf("ParseStringEnv = %q", got)
	}
}
