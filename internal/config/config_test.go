package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Catalog.Services) != 2 {
		t.Fatalf("expected 2 catalog services, got %d", len(cfg.Catalog.Services))
	}
	if cfg.SessionTTL() != 12*time.Hour || cfg.ReminderSchedule() != "@every 1h" || !cfg.RemindersEnabled() {
		t.Fatalf("unexpected defaults: ttl=%s schedule=%s", cfg.SessionTTL(), cfg.ReminderSchedule())
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"base path":    "server:\n  base_path: api\n",
		"ttl":          "session:\n  ttl: forever\n",
		"schedule":     "reminders:\n  schedule: \"not a cron\"\n",
		"webhook url":  "webhooks:\n  - events: [task.completed]\n",
		"unit":         "catalog:\n  services:\n    - name: X\n      typical_time_unit: M\n",
		"unknown step": "catalog:\n  services:\n    - name: X\n      typical_time_unit: D\n      steps:\n        - name: A\n          blocked_by: B\n",
		"cycle":        "catalog:\n  services:\n    - name: X\n      typical_time_unit: D\n      steps:\n        - name: A\n          blocked_by: B\n        - name: B\n          blocked_by: A\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, err := LoadOrDefault(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != DefaultAddr || cfg.BasePath() != DefaultBasePath {
		t.Fatalf("unexpected defaults %s %s", cfg.Addr(), cfg.BasePath())
	}
}

func TestCatalogFromYAML(t *testing.T) {
	cat, err := CatalogFromYAML([]byte(`catalog:
  services:
    - name: Backup Appliance
      description: Offsite backups
      typical_time: 2
      typical_time_unit: W
      steps:
        - name: Order
        - name: Install
          blocked_by: Order
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Services) != 1 || len(cat.Services[0].Steps) != 2 || cat.Services[0].Steps[1].BlockedBy != "Order" {
		t.Fatalf("unexpected catalog %+v", cat)
	}
	if !strings.Contains(GenerateDefault(), "Firewall Endpoint") {
		t.Fatalf("default template missing seed catalog")
	}
}
