package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bootbaker/internal/target"
)

// DefaultSettingsPath is used when --settings is not given. A missing file
// at this path means built-in defaults.
const DefaultSettingsPath = "configs/bootbaker.yaml"

// Settings is the complete settings file structure.
type Settings struct {
	Paths struct {
		Root        string `yaml:"root"`
		SrcTop      string `yaml:"srctop"`
		FirmwareDir string `yaml:"firmware_dir"`
		EmulatorDir string `yaml:"emulator_dir"`
		ShareDir    string `yaml:"share_dir"`
	} `yaml:"paths"`

	Build struct {
		Workers        int    `yaml:"workers"`
		MakeArgs       string `yaml:"make_args"`
		URLBase        string `yaml:"url_base"`
		KernelOverride string `yaml:"kernel_override"`
	} `yaml:"build"`

	Test struct {
		Timeout    time.Duration `yaml:"timeout"`
		MaxWorkers int           `yaml:"max_workers"`
		QueueWait  time.Duration `yaml:"queue_wait"`
		Shell      string        `yaml:"shell"`
		Memory     string        `yaml:"memory"`
		BasePort   int           `yaml:"base_port"`
		Progress   bool          `yaml:"progress"`
	} `yaml:"test"`

	Fetch struct {
		Timeout         time.Duration `yaml:"timeout"`
		BreakerFailures uint32        `yaml:"breaker_failures"`
		BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"fetch"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"health"`

	Tracing struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"tracing"`

	Reports struct {
		Retention int `yaml:"retention"`
	} `yaml:"reports"`
}

func defaultSettings() *Settings {
	var s Settings
	s.Paths.Root = "/home/smk/stand-test-root"
	s.Paths.SrcTop = "/home/smk/freebsd-src"
	s.Paths.FirmwareDir = "/usr/local/share/qemu"
	s.Paths.EmulatorDir = "/usr/local/bin"
	s.Paths.ShareDir = "/usr/local/share"

	s.Build.Workers = 1
	s.Build.MakeArgs = "-j 100"
	s.Build.URLBase = target.DefaultURLBase

	s.Test.Timeout = 90 * time.Second
	s.Test.QueueWait = 2 * time.Second
	s.Test.Shell = "/bin/sh"
	s.Test.Memory = "512M"
	s.Test.BasePort = target.DefaultBasePort
	s.Test.Progress = true

	s.Fetch.Timeout = 10 * time.Minute
	s.Fetch.BreakerFailures = 3
	s.Fetch.BreakerCooldown = time.Minute

	s.Metrics.Addr = ":9090"
	s.Health.Addr = ":50051"
	s.Reports.Retention = 10
	return &s
}

// loadConfig reads path over the defaults. When explicit is false a missing
// file is not an error.
func loadConfig(path string, explicit bool) (*Settings, error) {
	cfg := defaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (s *Settings) validate() error {
	switch {
	case s.Paths.Root == "":
		return errors.New("paths.root must be set")
	case s.Test.Timeout <= 0:
		return fmt.Errorf("test.timeout must be positive, got %s", s.Test.Timeout)
	case s.Test.QueueWait <= 0:
		return fmt.Errorf("test.queue_wait must be positive, got %s", s.Test.QueueWait)
	case s.Fetch.Timeout <= 0:
		return fmt.Errorf("fetch.timeout must be positive, got %s", s.Fetch.Timeout)
	case s.Build.Workers < 0:
		return fmt.Errorf("build.workers must not be negative, got %d", s.Build.Workers)
	case s.Test.MaxWorkers < 0:
		return fmt.Errorf("test.max_workers must not be negative, got %d", s.Test.MaxWorkers)
	case s.Test.BasePort <= 0 || s.Test.BasePort > 65535:
		return fmt.Errorf("test.base_port out of range: %d", s.Test.BasePort)
	case s.Reports.Retention < 0:
		return fmt.Errorf("reports.retention must not be negative, got %d", s.Reports.Retention)
	}
	return nil
}

// parseLevel maps a --verbose value to a slog level.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want DEBUG, INFO, WARN or ERROR)", s)
}
