package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"evalflow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queue(config.QueueItem).BackoffDelay.Std() != time.Second {
		t.Fatalf("item backoff delay: %v", cfg.Queue(config.QueueItem).BackoffDelay.Std())
	}
	if cfg.Summary.TokenBudget() != 12000 {
		t.Fatalf("token budget: %d", cfg.Summary.TokenBudget())
	}
}

func TestFromYAMLMergesPartialQueue(t *testing.T) {
	cfg, err := config.FromYAML([]byte("queues:\n  evalItem:\n    concurrency: 12\nitems:\n  submit_stagger: 250ms\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := cfg.Queue(config.QueueItem)
	if q.Concurrency != 12 || q.Attempts != 3 || q.Backoff != "exponential" || q.LockDuration.Std() != 5*time.Minute {
		t.Fatalf("queue not merged: %+v", q)
	}
	if cfg.Items.SubmitStagger.Std() != 250*time.Millisecond || cfg.Items.MaxRetry != 3 {
		t.Fatalf("items: %+v", cfg.Items)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad driver":   "lock:\n  driver: redis\n",
		"bad backoff":  "queues:\n  evalTask:\n    backoff: linear\n",
		"bad format":   "log:\n  format: xml\n",
		"budget":       "summary:\n  max_context: 100\n  response_reserve: 200\n",
		"webhook url":  "webhooks:\n  - events: [task.finished]\n",
		"bad duration": "lock:\n  ttl: soon\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	ws := t.TempDir()
	if _, err := config.Load(ws); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("missing config: %v", err)
	}
	cfg, err := config.LoadOptional(ws)
	if err != nil || cfg.Lock.Driver != "local" {
		t.Fatalf("optional: %v %v", cfg, err)
	}
	if err := os.WriteFile(config.Path(ws), []byte("lock:\n  driver: lease\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(ws)
	if err != nil || cfg.Lock.Driver != "lease" {
		t.Fatalf("load: %v %v", cfg, err)
	}
	if config.Path("") != filepath.Join(".", "evalflow.yml") {
		t.Fatalf("path: %s", config.Path(""))
	}
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(config.Default().Lock)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "ttl: 30s") {
		t.Fatalf("marshal: %s", out)
	}
}
