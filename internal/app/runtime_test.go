package app_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"evalflow/internal/app"
	"evalflow/internal/config"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("EVALFLOW_OPENAI_API_KEY", "")
	ws := t.TempDir()
	rt, err := app.Open(app.Options{Workspace: ws, LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Items.MaxRetry != 3 {
		t.Fatalf("default max retry: %d", rt.Config.Items.MaxRetry)
	}
	if len(rt.Engine.Queues.All()) != 3 {
		t.Fatalf("expected three queues")
	}
	if rt.Webhooks() == nil || rt.Sweeper() == nil {
		t.Fatalf("missing background services")
	}
}

func TestLoadConfigAppliesFileAndOverride(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "evalflow.yml"), []byte("items:\n  max_retry: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := app.LoadConfig(app.Options{Workspace: ws})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Items.MaxRetry != 5 || cfg.Lock.Driver != "local" {
		t.Fatalf("config not merged over defaults: %+v", cfg.Items)
	}

	cfg, err = app.LoadConfig(app.Options{Workspace: ws, Override: func(c *config.Config) { c.Items.MaxRetry = 7 }})
	if err != nil || cfg.Items.MaxRetry != 7 {
		t.Fatalf("override: %v %v", cfg, err)
	}
	if _, err := app.LoadConfig(app.Options{Workspace: ws, Override: func(c *config.Config) { c.Items.MaxRetry = -1 }}); err == nil {
		t.Fatalf("expected validation error")
	}
}
