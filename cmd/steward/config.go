package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all steward server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	// Tiered CRM backend: interactive, then batch, then the direct
	// fallback API. Batches above the router threshold skip the
	// interactive tier.
	CRMInteractiveURL   string `json:"crm_interactive_url"`
	CRMInteractiveToken string `json:"crm_interactive_token"`
	CRMBatchURL         string `json:"crm_batch_url"`
	CRMBatchToken       string `json:"crm_batch_token"`
	CRMDirectURL        string `json:"crm_direct_url"`
	CRMDirectToken      string `json:"crm_direct_token"`

	// Memory service for historical context. Optional; stages degrade
	// gracefully when unset or unreachable.
	MemoryURL   string `json:"memory_url"`
	MemoryToken string `json:"memory_token"`

	ApprovalDeadline  string `json:"approval_deadline"`
	AutoApprovePolicy string `json:"auto_approve_policy"`
	ActiveBudget      string `json:"active_budget"`
	RunTTL            string `json:"run_ttl"`
	SweepInterval     string `json:"sweep_interval"`
	ArchiveSchedule   string `json:"archive_schedule"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(stewardDir(), "steward.db"),
		LogLevel:         "info",
		ApprovalDeadline: "5m",
		ActiveBudget:     "10m",
		RunTTL:           "1h",
		SweepInterval:    "5s",
		ArchiveSchedule:  "@hourly",
	}
}

func stewardDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

func settingsPath() string {
	return filepath.Join(stewardDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	for _, o := range []struct {
		env    string
		target *string
	}{
		{"STEWARD_DB_PATH", &cfg.DBPath},
		{"STEWARD_LOG_LEVEL", &cfg.LogLevel},
		{"STEWARD_CRM_INTERACTIVE_URL", &cfg.CRMInteractiveURL},
		{"STEWARD_CRM_INTERACTIVE_TOKEN", &cfg.CRMInteractiveToken},
		{"STEWARD_CRM_BATCH_URL", &cfg.CRMBatchURL},
		{"STEWARD_CRM_BATCH_TOKEN", &cfg.CRMBatchToken},
		{"STEWARD_CRM_DIRECT_URL", &cfg.CRMDirectURL},
		{"STEWARD_CRM_DIRECT_TOKEN", &cfg.CRMDirectToken},
		{"STEWARD_MEMORY_URL", &cfg.MemoryURL},
		{"STEWARD_MEMORY_TOKEN", &cfg.MemoryToken},
		{"STEWARD_APPROVAL_DEADLINE", &cfg.ApprovalDeadline},
		{"STEWARD_AUTO_APPROVE_POLICY", &cfg.AutoApprovePolicy},
		{"STEWARD_ACTIVE_BUDGET", &cfg.ActiveBudget},
		{"STEWARD_RUN_TTL", &cfg.RunTTL},
		{"STEWARD_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"STEWARD_ARCHIVE_SCHEDULE", &cfg.ArchiveSchedule},
	} {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}

	return cfg
}

// duration parses the named config field, falling back when the value
// is empty or malformed.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
