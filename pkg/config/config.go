package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-assistant/pkg/diagnostics"
	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/locator"
	"github.com/core-tools/hsu-assistant/pkg/processfile"
	"github.com/core-tools/hsu-assistant/pkg/router"
	"github.com/core-tools/hsu-assistant/pkg/session"
	"github.com/core-tools/hsu-assistant/pkg/supervisor"
)

const (
	DefaultBinaryName    = "assistant"
	DefaultListen        = "127.0.0.1:7821"
	DefaultHealthService = "hsu.assistant"
	DefaultLogLevel      = "info"

	PIDFileDisabled = "none"
)

// Config represents the top-level configuration file structure
type Config struct {
	Assistant   AssistantConfig    `yaml:"assistant"`
	Supervisor  supervisor.Config  `yaml:"supervisor"`
	Protocol    router.Config      `yaml:"protocol"`
	Diagnostics diagnostics.Config `yaml:"diagnostics"`
	Server      ServerConfig       `yaml:"server"`
	LogLevel    string             `yaml:"log_level,omitempty"`
	LogFormat   string             `yaml:"log_format,omitempty"` // "console" or "json"
}

// AssistantConfig describes the executable and how it is launched
type AssistantConfig struct {
	BinaryPath       string            `yaml:"binary_path,omitempty"` // user override, wins over everything
	BinaryName       string            `yaml:"binary_name,omitempty"`
	PluginDir        string            `yaml:"plugin_dir,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"`
	PIDFile          string            `yaml:"pid_file,omitempty"` // "none" disables orphan reaping
}

type ServerConfig struct {
	Listen         string `yaml:"listen,omitempty"`
	UIDir          string `yaml:"ui_dir,omitempty"`
	GRPCHealthPort int    `yaml:"grpc_health_port,omitempty"` // 0 disables the health listener
	HealthService  string `yaml:"health_service,omitempty"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	config := &Config{}
	_ = setConfigDefaults(config)
	return config
}

// LoadConfigFromFile loads host configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			return nil, domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// ParseConfig parses YAML and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}
	return &config, nil
}

// setConfigDefaults fills zero values. A zero max_restarts therefore means
// the default, not "never restart".
func setConfigDefaults(config *Config) error {
	if config.Assistant.BinaryName == "" {
		config.Assistant.BinaryName = DefaultBinaryName
	}
	if config.Assistant.PIDFile == "" {
		config.Assistant.PIDFile = processfile.DefaultPath(processfile.DefaultAppName, config.Assistant.BinaryName)
	}

	supervisorDefaults := supervisor.DefaultConfig()
	s := &config.Supervisor
	if s.MaxRestarts == 0 {
		s.MaxRestarts = supervisorDefaults.MaxRestarts
	}
	if s.BaseDelay == 0 {
		s.BaseDelay = supervisorDefaults.BaseDelay
	}
	if s.MaxDelay == 0 {
		s.MaxDelay = supervisorDefaults.MaxDelay
	}
	if s.StableUptime == 0 {
		s.StableUptime = supervisorDefaults.StableUptime
	}
	if s.StartupGracePeriod == 0 {
		s.StartupGracePeriod = supervisorDefaults.StartupGracePeriod
	}
	if s.GracefulTimeout == 0 {
		s.GracefulTimeout = supervisorDefaults.GracefulTimeout
	}
	if s.DrainTimeout == 0 {
		s.DrainTimeout = supervisorDefaults.DrainTimeout
	}
	if s.KillTimeout == 0 {
		s.KillTimeout = supervisorDefaults.KillTimeout
	}

	if config.Protocol.RequestTimeout == 0 {
		config.Protocol.RequestTimeout = router.DefaultConfig().RequestTimeout
	}
	if config.Protocol.MaxLineBytes == 0 {
		config.Protocol.MaxLineBytes = router.DefaultConfig().MaxLineBytes
	}

	if config.Diagnostics.MaxLines == 0 {
		config.Diagnostics.MaxLines = diagnostics.DefaultConfig().MaxLines
	}
	if config.Diagnostics.MaxBytes == 0 {
		config.Diagnostics.MaxBytes = diagnostics.DefaultConfig().MaxBytes
	}

	if config.Server.Listen == "" {
		config.Server.Listen = DefaultListen
	}
	if config.Server.HealthService == "" {
		config.Server.HealthService = DefaultHealthService
	}

	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.LogFormat == "" {
		config.LogFormat = "console"
	}
	return nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateAssistantConfig(&config.Assistant); err != nil {
		return errors.NewValidationError("invalid assistant configuration", err)
	}
	if err := supervisor.ValidateConfig(config.Supervisor); err != nil {
		return errors.NewValidationError("invalid supervisor configuration", err)
	}
	if config.Protocol.RequestTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("protocol.request_timeout cannot be negative: %v", config.Protocol.RequestTimeout), nil)
	}
	if config.Protocol.MaxLineBytes < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("protocol.max_line_bytes cannot be negative: %d", config.Protocol.MaxLineBytes), nil)
	}
	if config.Diagnostics.MaxLines < 0 || config.Diagnostics.MaxBytes < 0 {
		return errors.NewValidationError("diagnostics limits cannot be negative", nil).
			WithContext("max_lines", config.Diagnostics.MaxLines).
			WithContext("max_bytes", config.Diagnostics.MaxBytes)
	}
	if config.Server.GRPCHealthPort < 0 || config.Server.GRPCHealthPort > 65535 {
		return errors.NewValidationError(
			fmt.Sprintf("server.grpc_health_port out of range: %d", config.Server.GRPCHealthPort), nil)
	}
	if err := validateLogLevel(config.LogLevel); err != nil {
		return err
	}
	switch config.LogFormat {
	case "console", "json":
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported log_format: %s", config.LogFormat), nil).
			WithContext("supported_formats", "console, json")
	}
	return nil
}

func validateAssistantConfig(config *AssistantConfig) error {
	if config.BinaryPath == "" && config.BinaryName == "" {
		return errors.NewValidationError("either binary_path or binary_name is required", nil)
	}
	if strings.ContainsAny(config.BinaryName, `/\`) {
		return errors.NewValidationError("binary_name must be a file name, not a path", nil).
			WithContext("binary_name", config.BinaryName)
	}
	for key := range config.Environment {
		if key == "" || strings.Contains(key, "=") {
			return errors.NewValidationError(fmt.Sprintf("invalid environment variable name: %q", key), nil)
		}
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return errors.NewValidationError(fmt.Sprintf("unsupported log_level: %s", level), nil).
		WithContext("supported_levels", "debug, info, warn, error")
}

// ProcessFilePath is the PID file to use, or "" when disabled
func (c *Config) ProcessFilePath() string {
	if c.Assistant.PIDFile == PIDFileDisabled {
		return ""
	}
	return c.Assistant.PIDFile
}

// SessionConfig maps the file layout onto what a session consumes
func (c *Config) SessionConfig() session.Config {
	environment := make(map[string]string, len(c.Assistant.Environment))
	for key, value := range c.Assistant.Environment {
		environment[key] = value
	}
	return session.Config{
		Supervisor: c.Supervisor,
		Launch: supervisor.LaunchSpec{
			Binary: locator.Config{
				UserPath:   c.Assistant.BinaryPath,
				PluginDir:  c.Assistant.PluginDir,
				BinaryName: c.Assistant.BinaryName,
			},
			Args:             append([]string(nil), c.Assistant.Args...),
			WorkingDirectory: c.Assistant.WorkingDirectory,
			Environment:      environment,
		},
		Router:      c.Protocol,
		Diagnostics: c.Diagnostics,
	}
}
