package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/locator"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/supervisor"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	tests := []struct {
		name       string
		configYAML string
		expectErr  bool
		check      func(t *testing.T, config *Config)
	}{
		{
			name:       "empty_file_gets_defaults",
			configYAML: "",
			check: func(t *testing.T, config *Config) {
				assert.Equal(t, DefaultBinaryName, config.Assistant.BinaryName)
				assert.Equal(t, supervisor.DefaultConfig(), config.Supervisor)
				assert.Equal(t, 60*time.Second, config.Protocol.RequestTimeout)
				assert.Equal(t, 200, config.Diagnostics.MaxLines)
				assert.Equal(t, DefaultListen, config.Server.Listen)
				assert.Equal(t, "info", config.LogLevel)
				assert.Equal(t, "console", config.LogFormat)
				assert.Equal(t, "assistant.pid", filepath.Base(config.ProcessFilePath()))
			},
		},
		{
			name: "full_configuration",
			configYAML: `
assistant:
  binary_path: /opt/assistant/bin/assistant
  plugin_dir: /opt/plugin
  args: ["--output-format", "stream-json"]
  working_directory: /work
  environment:
    ASSISTANT_MODE: ide
  pid_file: none
supervisor:
  max_restarts: 3
  base_delay: 500ms
  max_delay: 8s
  stable_uptime: 1m
  graceful_timeout: 3s
protocol:
  request_timeout: 90s
  max_line_bytes: 1048576
diagnostics:
  max_lines: 50
server:
  listen: 0.0.0.0:9000
  ui_dir: ./ui
  grpc_health_port: 50060
log_level: debug
log_format: json
`,
			check: func(t *testing.T, config *Config) {
				assert.Equal(t, "/opt/assistant/bin/assistant", config.Assistant.BinaryPath)
				assert.Equal(t, []string{"--output-format", "stream-json"}, config.Assistant.Args)
				assert.Equal(t, "ide", config.Assistant.Environment["ASSISTANT_MODE"])
				assert.Equal(t, 3, config.Supervisor.MaxRestarts)
				assert.Equal(t, 500*time.Millisecond, config.Supervisor.BaseDelay)
				assert.Equal(t, 8*time.Second, config.Supervisor.MaxDelay)
				assert.Equal(t, time.Minute, config.Supervisor.StableUptime)
				assert.Equal(t, 2*time.Second, config.Supervisor.StartupGracePeriod)
				assert.Equal(t, 90*time.Second, config.Protocol.RequestTimeout)
				assert.Equal(t, 1048576, config.Protocol.MaxLineBytes)
				assert.Equal(t, 50, config.Diagnostics.MaxLines)
				assert.Equal(t, 64*1024, config.Diagnostics.MaxBytes)
				assert.Equal(t, 50060, config.Server.GRPCHealthPort)
				assert.Equal(t, "debug", config.LogLevel)
				assert.Empty(t, config.ProcessFilePath())
			},
		},
		{
			name:       "invalid_yaml",
			configYAML: "assistant: [unterminated",
			expectErr:  true,
		},
		{
			name:       "invalid_duration",
			configYAML: "supervisor:\n  base_delay: soon\n",
			expectErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.configYAML)

			config, err := LoadConfigFromFile(path)

			if tt.expectErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
				filename, ok := errors.ContextValue(err, "filename")
				assert.True(t, ok)
				assert.Equal(t, path, filename)
				return
			}
			require.NoError(t, err)
			require.NoError(t, ValidateConfig(config))
			tt.check(t, config)
		})
	}
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.True(t, errors.IsIOError(err))
}

func TestValidateConfig(t *testing.T) {
	assert.True(t, errors.IsValidationError(ValidateConfig(nil)))
	assert.NoError(t, ValidateConfig(Default()))

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"binary_name_is_path", func(c *Config) { c.Assistant.BinaryName = "bin/assistant" }},
		{"empty_environment_key", func(c *Config) { c.Assistant.Environment = map[string]string{"": "x"} }},
		{"environment_key_with_equals", func(c *Config) { c.Assistant.Environment = map[string]string{"A=B": "x"} }},
		{"max_delay_below_base", func(c *Config) { c.Supervisor.MaxDelay = time.Millisecond }},
		{"negative_request_timeout", func(c *Config) { c.Protocol.RequestTimeout = -time.Second }},
		{"negative_line_limit", func(c *Config) { c.Protocol.MaxLineBytes = -1 }},
		{"negative_diagnostics", func(c *Config) { c.Diagnostics.MaxLines = -1 }},
		{"port_out_of_range", func(c *Config) { c.Server.GRPCHealthPort = 70000 }},
		{"unknown_log_level", func(c *Config) { c.LogLevel = "verbose" }},
		{"unknown_log_format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)
			assert.True(t, errors.IsValidationError(ValidateConfig(config)))
		})
	}
}

func TestSessionConfig(t *testing.T) {
	config := Default()
	config.Assistant.BinaryPath = "/usr/local/bin/assistant"
	config.Assistant.PluginDir = "/plugins/assistant"
	config.Assistant.Args = []string{"--stdio"}
	config.Assistant.Environment = map[string]string{"A": "1"}

	sessionConfig := config.SessionConfig()

	assert.Equal(t, locator.Config{
		UserPath:   "/usr/local/bin/assistant",
		PluginDir:  "/plugins/assistant",
		BinaryName: DefaultBinaryName,
	}, sessionConfig.Launch.Binary)
	assert.Equal(t, []string{"--stdio"}, sessionConfig.Launch.Args)
	assert.Equal(t, config.Supervisor, sessionConfig.Supervisor)
	assert.Equal(t, config.Protocol, sessionConfig.Router)

	sessionConfig.Launch.Environment["A"] = "changed"
	sessionConfig.Launch.Args[0] = "changed"
	assert.Equal(t, "1", config.Assistant.Environment["A"])
	assert.Equal(t, "--stdio", config.Assistant.Args[0])
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log_level: info\n")

	reloaded := make(chan *Config, 4)
	watcher, err := NewWatcher(path, 20*time.Millisecond, func(config *Config) { reloaded <- config }, logging.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0644))

	select {
	case config := <-reloaded:
		assert.Equal(t, "debug", config.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration change not delivered")
	}
}

func TestWatcher_IgnoresInvalidAndUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log_level: info\n")

	reloaded := make(chan *Config, 4)
	watcher, err := NewWatcher(path, 20*time.Millisecond, func(config *Config) { reloaded <- config }, logging.NewNopLogger())
	require.NoError(t, err)
	defer watcher.Stop()
	go watcher.Run(context.Background())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("log_level: debug\n"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("log_level: shouting\n"), 0644))

	select {
	case config := <-reloaded:
		t.Fatalf("unexpected reload: %+v", config)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcher_RequiresHandler(t *testing.T) {
	_, err := NewWatcher("assistant.yaml", 0, nil, logging.NewNopLogger())

	assert.True(t, errors.IsValidationError(err))
}
