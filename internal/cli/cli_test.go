package cli

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bootbaker/internal/report"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "bootbaker", cmd.Use, "Root command should be 'bootbaker'")
	assert.Equal(t, Version, cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "list", "setup", "status"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	settingsFlag := cmd.PersistentFlags().Lookup("settings")
	require.NotNil(t, settingsFlag, "Should have --settings flag")
	assert.Equal(t, DefaultSettingsPath, settingsFlag.DefValue)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand(&rootOptions{})

	assert.Equal(t, "run", cmd.Name())
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
	for _, name := range []string{"config", "arch", "filesystem", "interface", "encryption", "build-only", "test-only", "src", "root", "strict"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
	assert.Equal(t, "c", cmd.Flags().Lookup("config").Shorthand)
	assert.Equal(t, "*", cmd.Flags().Lookup("arch").DefValue)
}

func TestRunModeFromFlags(t *testing.T) {
	assert.Equal(t, types.ModeAll, (&runOptions{}).mode())
	assert.Equal(t, types.ModeBuildOnly, (&runOptions{buildOnly: true}).mode())
	assert.Equal(t, types.ModeTestOnly, (&runOptions{testOnly: true}).mode())
}

func TestBuildOnlyAndTestOnlyConflict(t *testing.T) {
	_, err := execute(t, "run", "--build-only", "--test-only", "--root", t.TempDir())
	assert.Error(t, err)
}

// ============================================================================
// Settings
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "settings.yaml")
	configContent := `
paths:
  root: /srv/bootbaker
  srctop: /usr/src
build:
  workers: 4
  make_args: "-j 8 -s"
test:
  timeout: 60s
  max_workers: 2
  base_port: 5000
fetch:
  breaker_cooldown: 30s
metrics:
  enabled: true
reports:
  retention: 3
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := loadConfig(configPath, true)
	require.NoError(t, err)

	assert.Equal(t, "/srv/bootbaker", cfg.Paths.Root)
	assert.Equal(t, "/usr/src", cfg.Paths.SrcTop)
	assert.Equal(t, "/usr/local/share/qemu", cfg.Paths.FirmwareDir, "unset fields keep defaults")
	assert.Equal(t, 4, cfg.Build.Workers)
	assert.Equal(t, "-j 8 -s", cfg.Build.MakeArgs)
	assert.Equal(t, 60*time.Second, cfg.Test.Timeout)
	assert.Equal(t, 2, cfg.Test.MaxWorkers)
	assert.Equal(t, 5000, cfg.Test.BasePort)
	assert.Equal(t, "/bin/sh", cfg.Test.Shell)
	assert.Equal(t, 30*time.Second, cfg.Fetch.BreakerCooldown)
	assert.Equal(t, uint32(3), cfg.Fetch.BreakerFailures)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 3, cfg.Reports.Retention)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := loadConfig(missing, false)
	require.NoError(t, err, "a missing default file means defaults")
	assert.Equal(t, 90*time.Second, cfg.Test.Timeout)
	assert.Equal(t, 1, cfg.Build.Workers)

	_, err = loadConfig(missing, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("test: [unclosed"), 0o644))

	_, err := loadConfig(configPath, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"zero timeout", "test:\n  timeout: 0s\n", "test.timeout"},
		{"negative build workers", "build:\n  workers: -1\n", "build.workers"},
		{"negative test workers", "test:\n  max_workers: -2\n", "test.max_workers"},
		{"port out of range", "test:\n  base_port: 70000\n", "test.base_port"},
		{"bad duration", "fetch:\n  timeout: soon\n", "failed to parse config YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := loadConfig(path, true)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseLevel("chatty")
	assert.Error(t, err)
}

// ============================================================================
// Commands
// ============================================================================

func TestListShorthand(t *testing.T) {
	root := t.TempDir()
	out, err := execute(t, "list", "--root", root, "amd64:amd64-zfs-gpt-*")
	require.NoError(t, err)

	assert.Contains(t, out, "FreeBSD-13.2-amd64-zfs-gpt-geli")
	assert.Contains(t, out, "FreeBSD-13.2-amd64-zfs-gpt-none")
	assert.Contains(t, out, "4000")
	assert.Contains(t, out, "4001")
	assert.Contains(t, out, filepath.Join(root, "script", "amd64"))
	assert.Contains(t, out, "2 targets")
}

func TestListAxisFlags(t *testing.T) {
	out, err := execute(t, "list", "--root", t.TempDir(),
		"--arch", "riscv:riscv64", "--interface", "mbr")
	require.NoError(t, err)
	assert.Contains(t, out, "No targets matched.")
}

func TestListRecipeFile(t *testing.T) {
	dir := t.TempDir()
	recipes := filepath.Join(dir, "recipes.yaml")
	require.NoError(t, os.WriteFile(recipes, []byte(`
arm64:
  arch: arm64:aarch64
  regex_combination: ufs-gpt-none
legacy:
  arch: amd64:amd64
  version: "13.1"
  regex_combination:
    - zfs-mbr-none
`), 0o644))

	out, err := execute(t, "list", "--root", dir, "-c", recipes)
	require.NoError(t, err)
	assert.Contains(t, out, "FreeBSD-13.2-arm64-aarch64-ufs-gpt-none")
	assert.Contains(t, out, "FreeBSD-13.1-amd64-zfs-mbr-none")

	_, err = execute(t, "list", "--root", dir, "-c", recipes, "amd64:amd64-*-*-*")
	assert.Error(t, err, "recipe file and shorthand are exclusive")
}

func TestListMalformedShorthand(t *testing.T) {
	_, err := execute(t, "list", "--root", t.TempDir(), "amd64-zfs")
	assert.Error(t, err)
}

func TestExplicitMissingSettingsFails(t *testing.T) {
	_, err := execute(t, "list", "--settings", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestSetupCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	out, err := execute(t, "setup", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, root)

	for _, sub := range []string{"bios", "cache", "image", "script", "tree", "logs", "reports"} {
		assert.DirExists(t, filepath.Join(root, sub))
	}
}

func TestStatus(t *testing.T) {
	root := t.TempDir()

	out, err := execute(t, "status", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded")

	store := report.NewStore(filepath.Join(root, "reports"), 0)
	rep := report.Report{
		RunID:    report.NewRunID(),
		Mode:     types.ModeTestOnly,
		Targets:  2,
		Counters: types.CounterSnapshot{Passed: 1, TimedOut: 1},
		Outcomes: []types.TestOutcome{
			{Identifier: "FreeBSD-13.2-amd64-ufs-gpt-none", Status: types.StatusPassed},
			{Identifier: "FreeBSD-13.2-amd64-zfs-gpt-none", Status: types.StatusTimedOut,
				LogPath: "/w/logs/amd64/FreeBSD-13.2-amd64-zfs-gpt-none.txt", Reason: "killed after 1m30s"},
		},
	}
	_, err = store.Write(rep)
	require.NoError(t, err)

	out, err = execute(t, "status", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, rep.RunID)
	assert.Contains(t, out, "TIMED OUT")
	assert.Contains(t, out, "FreeBSD-13.2-amd64-zfs-gpt-none")
	assert.Contains(t, out, "killed after 1m30s")
	assert.NotContains(t, out, "All targets passed")
}

func TestExitErrorCode(t *testing.T) {
	var err error = &ExitError{Code: 2, Message: "1 failed"}
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, "1 failed", err.Error())
}
