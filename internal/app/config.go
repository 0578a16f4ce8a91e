package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"evidence-orchestrator/internal/services/orchestrator"
)

// 构建信息，由 -ldflags "-X evidence-orchestrator/internal/app.Version=..." 注入。
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)

// Config 是进程级配置，对应 YAML 配置文件。
type Config struct {
	DBPath            string        `yaml:"db_path"`
	Storage           StorageConfig `yaml:"storage"`
	Audit             AuditConfig   `yaml:"audit"`
	HashAlgorithms    []string      `yaml:"hash_algorithms"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	RetentionDays     int           `yaml:"retention_days"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	Actor             string        `yaml:"actor"`
	ListenAddr        string        `yaml:"listen_addr"`
	JobsDir           string        `yaml:"jobs_dir"`
	ExportDir         string        `yaml:"export_dir"`
	Cloud             CloudConfig   `yaml:"cloud"`
	Redis             RedisConfig   `yaml:"redis"`
	Log               LogConfig     `yaml:"log"`
	LiveResponse      LiveConfig    `yaml:"live_response"`
}

type StorageConfig struct {
	// Backend: local | sqlite
	Backend string `yaml:"backend"`
	// Root 是 local 后端的根目录。
	Root string `yaml:"root"`
	// Path 是所有证据键的前缀（例如按机构划分）。
	Path string `yaml:"path"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Sink: file | sqlite
	Sink string `yaml:"sink"`
	Path string `yaml:"path"`
}

type CloudConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LiveConfig 按平台（linux/darwin/windows）配置内存采集命令。
type LiveConfig struct {
	MemoryCommand map[string][]string `yaml:"memory_command"`
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath: "data/evidence.db",
		Storage: StorageConfig{
			Backend: "local",
			Root:    "data/evidence",
		},
		Audit: AuditConfig{
			Enabled: true,
			Sink:    "sqlite",
			Path:    "data/audit.jsonl",
		},
		HashAlgorithms:    []string{"sha256", "md5"},
		MaxConcurrentJobs: 3,
		JobTimeout:        time.Hour,
		RetentionDays:     365,
		SchedulerInterval: time.Minute,
		Actor:             "system",
		ListenAddr:        "127.0.0.1:8787",
		JobsDir:           "jobs",
		ExportDir:         "data/exports",
		Redis:             RedisConfig{Channel: "evidence-events"},
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

// LoadFile 读取 YAML 配置并覆盖默认值。path 为空时直接返回默认配置。
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 只检查取值范围；算法名称由编排器构造时校验。
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "sqlite":
	default:
		return fmt.Errorf("config: storage.backend must be local or sqlite, got %q", c.Storage.Backend)
	}
	if c.Audit.Enabled {
		switch c.Audit.Sink {
		case "file", "sqlite":
		default:
			return fmt.Errorf("config: audit.sink must be file or sqlite, got %q", c.Audit.Sink)
		}
	}
	if c.MaxConcurrentJobs < 0 {
		return fmt.Errorf("config: max_concurrent_jobs must not be negative")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("config: retention_days must not be negative")
	}
	if c.JobTimeout < 0 || c.SchedulerInterval < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	return nil
}

// Orchestrator 转换为编排器构造配置。
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		StorageBackend:    c.Storage.Backend,
		StoragePath:       c.Storage.Path,
		HashAlgorithms:    append([]string(nil), c.HashAlgorithms...),
		MaxConcurrentJobs: c.MaxConcurrentJobs,
		JobTimeout:        c.JobTimeout,
		RetentionDays:     c.RetentionDays,
		SchedulerInterval: c.SchedulerInterval,
		Actor:             c.Actor,
	}
}
