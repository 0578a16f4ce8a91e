package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.MaxConcurrentJobs != 3 || cfg.JobTimeout != time.Hour || cfg.RetentionDays != 365 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.HashAlgorithms) != 2 || cfg.HashAlgorithms[0] != "sha256" {
		t.Fatalf("unexpected default algorithms: %v", cfg.HashAlgorithms)
	}
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := `
db_path: /var/lib/evidence/evidence.db
storage:
  backend: sqlite
  path: org-a
hash_algorithms: [sha512, blake2b-256]
max_concurrent_jobs: 8
job_timeout: 90m
scheduler_interval: 30s
retention_days: 0
redis:
  addr: 127.0.0.1:6379
live_response:
  memory_command:
    linux: [avml, /dev/stdout]
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "org-a" {
		t.Fatalf("storage not overridden: %+v", cfg.Storage)
	}
	if cfg.JobTimeout != 90*time.Minute || cfg.SchedulerInterval != 30*time.Second {
		t.Fatalf("durations not parsed: %v %v", cfg.JobTimeout, cfg.SchedulerInterval)
	}
	if cfg.RetentionDays != 0 || cfg.MaxConcurrentJobs != 8 {
		t.Fatalf("ints not overridden: %+v", cfg)
	}
	// 未出现在文件中的字段保持默认值。
	if cfg.Redis.Channel != "evidence-events" || cfg.Actor != "system" {
		t.Fatalf("defaults lost: %+v", cfg.Redis)
	}
	if got := cfg.LiveResponse.MemoryCommand["linux"]; len(got) != 2 || got[0] != "avml" {
		t.Fatalf("memory command = %v", got)
	}

	oc := cfg.Orchestrator()
	if oc.StorageBackend != "sqlite" || oc.MaxConcurrentJobs != 8 || len(oc.HashAlgorithms) != 2 {
		t.Fatalf("orchestrator config = %+v", oc)
	}
}

func TestLoadFile_RejectsUnknownBackend(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("storage:\n  backend: s3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(p); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
