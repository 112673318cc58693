package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/dockerrunner/internal/appconfig"
	"pkt.systems/dockerrunner/schema"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"serve", "spin", "janitor", "config", "version"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestSpinRejectsInvalidCountBeforeConnecting(t *testing.T) {
	tests := []string{"0", "-3", "abc", "1.5"}
	for _, arg := range tests {
		root := newRootCmd()
		root.SetArgs([]string{"spin", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--", arg})
		root.SetOut(&bytes.Buffer{})
		err := root.Execute()
		if err == nil {
			t.Fatalf("spin %q: expected error", arg)
		}
		var verr *schema.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("spin %q: expected validation error, got %v", arg, err)
		}
	}
}

func TestConfigInitWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	root := newRootCmd()
	root.SetArgs([]string{"config", "init", "--output", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config at %s: %v", path, err)
	}
	root = newRootCmd()
	root.SetArgs([]string{"config", "init", "--output", path})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error when config exists without --force")
	}
}

func TestWriteBatchParallelIncludesExecutionTime(t *testing.T) {
	var buf bytes.Buffer
	err := writeBatch(&buf, schema.BatchResult{
		BatchID:        "b1",
		Mode:           schema.ModeParallel,
		RequestedCount: 1,
		Results:        []schema.UnitResult{{Ordinal: 1, Output: "Hello from container 1"}},
		Elapsed:        42 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("writeBatch: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["executionTime"] != "42ms" || payload["containersSpun"] != float64(1) {
		t.Fatalf("unexpected output %s", buf.String())
	}
}

func TestWriteBatchSequentialOmitsExecutionTime(t *testing.T) {
	var buf bytes.Buffer
	if err := writeBatch(&buf, schema.BatchResult{Mode: schema.ModeSequential, RequestedCount: 1}); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}
	if strings.Contains(buf.String(), "executionTime") {
		t.Fatalf("unexpected executionTime in %s", buf.String())
	}
}

func TestYardPlanAndServiceConfigFromAppConfig(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.Resources.MemoryBytes = 128 << 20
	cfg.Parallel.MaxConcurrency = 4
	plan := yardPlan(cfg)
	if plan.NamePrefix != "hello-container-" || plan.ResourceCaps.MemoryBytes != 128<<20 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	svc := serviceConfig(cfg)
	if svc.Image != cfg.Image || svc.MaxConcurrency != 4 || svc.ScriptsMount != "/scripts" {
		t.Fatalf("unexpected service config %+v", svc)
	}
}

func TestSelectRuntimeRejectsUnknown(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.Runtime = "lxc"
	if _, _, err := selectRuntime(t.Context(), cfg); err == nil {
		t.Fatalf("expected unsupported runtime error")
	}
}

func TestConfigFlagsRuntimeOverride(t *testing.T) {
	flags := configFlags{
		path:    filepath.Join(t.TempDir(), "missing.yaml"),
		runtime: " Containerd ",
	}
	cfg, err := flags.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime != "containerd" {
		t.Fatalf("unexpected runtime %q", cfg.Runtime)
	}
	flags.runtime = ""
	cfg, err = flags.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime != "docker" {
		t.Fatalf("expected default runtime, got %q", cfg.Runtime)
	}
}
