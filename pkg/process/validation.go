package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-assistant/pkg/errors"
)

// ValidateExecutionConfig validates execution configuration
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if _, err := os.Stat(config.ExecutablePath); os.IsNotExist(err) {
		return errors.NewValidationError("executable not found: "+config.ExecutablePath, err)
	}

	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	return ValidateEnvironment(config.Environment)
}

// ValidateEnvironment checks KEY=VALUE formatting
func ValidateEnvironment(env []string) error {
	for _, kv := range env {
		if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") && strings.Count(kv, "=") < 2 {
			return errors.NewValidationError("invalid environment variable format: "+kv, nil)
		}
	}
	return nil
}
