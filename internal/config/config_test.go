package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Planner.Model != "gemini-3-pro-preview" {
		t.Fatalf("planner model = %q", cfg.Planner.Model)
	}
	if cfg.Planner.VisionModel != "gemini-3-flash-preview" {
		t.Fatalf("vision model = %q", cfg.Planner.VisionModel)
	}
	if len(cfg.Catalog) == 0 {
		t.Fatalf("default catalog empty")
	}
}

func TestFindTask(t *testing.T) {
	cfg := Default()
	task, ok := cfg.FindTask("cache_purge")
	if !ok {
		t.Fatalf("cache_purge not found")
	}
	if !task.Sensitive {
		t.Fatalf("cache_purge should be sensitive")
	}
	if task.Executor != "cleaner" {
		t.Fatalf("executor = %q", task.Executor)
	}
	if _, ok := cfg.FindTask("nope"); ok {
		t.Fatalf("unexpected task match")
	}
}

func TestValidateRejectsDuplicateTaskIDs(t *testing.T) {
	_, err := FromYAML([]byte(`planner:
  model: gemini-3-pro-preview
  timeout_seconds: 60
catalog:
  web:
    - id: dup
      label: one
      executor: cmd
  clean:
    - id: dup
      label: two
      executor: cmd
`))
	if err == nil || !strings.Contains(err.Error(), "more than once") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestValidateRejectsUnknownExecutor(t *testing.T) {
	_, err := FromYAML([]byte(`planner:
  model: gemini-3-pro-preview
  timeout_seconds: 60
catalog:
  web:
    - id: x
      label: X
      executor: rocket
`))
	if err == nil || !strings.Contains(err.Error(), "unknown executor") {
		t.Fatalf("expected executor error, got %v", err)
	}
}

func TestValidateRequiresPlannerModel(t *testing.T) {
	_, err := FromYAML([]byte(`planner:
  timeout_seconds: 60
`))
	if err == nil {
		t.Fatalf("expected model required error")
	}
}
