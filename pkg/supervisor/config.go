package supervisor

import (
	"fmt"
	"time"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/locator"
)

// Config defines restart and termination mechanics
type Config struct {
	MaxRestarts        int           `yaml:"max_restarts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	StableUptime       time.Duration `yaml:"stable_uptime"`        // uptime that resets the attempt counter
	StartupGracePeriod time.Duration `yaml:"startup_grace_period"` // exits sooner than this after a manual start are not retried
	GracefulTimeout    time.Duration `yaml:"graceful_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	KillTimeout        time.Duration `yaml:"kill_timeout"` // wait for exit after the kill before Stop gives up
}

func DefaultConfig() Config {
	return Config{
		MaxRestarts:        5,
		BaseDelay:          time.Second,
		MaxDelay:           16 * time.Second,
		StableUptime:       30 * time.Second,
		StartupGracePeriod: 2 * time.Second,
		GracefulTimeout:    5 * time.Second,
		DrainTimeout:       2 * time.Second,
		KillTimeout:        5 * time.Second,
	}
}

// ValidateConfig validates restart configuration values
func ValidateConfig(config Config) error {
	if config.MaxRestarts < 0 {
		return errors.NewValidationError(fmt.Sprintf("max_restarts cannot be negative: %d", config.MaxRestarts), nil)
	}
	if config.BaseDelay < 0 {
		return errors.NewValidationError(fmt.Sprintf("base_delay cannot be negative: %v", config.BaseDelay), nil)
	}
	if config.MaxDelay < config.BaseDelay {
		return errors.NewValidationError(
			fmt.Sprintf("max_delay (%v) cannot be less than base_delay (%v)", config.MaxDelay, config.BaseDelay), nil)
	}
	if config.StableUptime < 0 {
		return errors.NewValidationError(fmt.Sprintf("stable_uptime cannot be negative: %v", config.StableUptime), nil)
	}
	if config.StartupGracePeriod < 0 {
		return errors.NewValidationError(fmt.Sprintf("startup_grace_period cannot be negative: %v", config.StartupGracePeriod), nil)
	}
	if config.GracefulTimeout < 0 {
		return errors.NewValidationError(fmt.Sprintf("graceful_timeout cannot be negative: %v", config.GracefulTimeout), nil)
	}
	if config.DrainTimeout < 0 {
		return errors.NewValidationError(fmt.Sprintf("drain_timeout cannot be negative: %v", config.DrainTimeout), nil)
	}
	if config.KillTimeout < 0 {
		return errors.NewValidationError(fmt.Sprintf("kill_timeout cannot be negative: %v", config.KillTimeout), nil)
	}
	return nil
}

// LaunchSpec is what the supervisor launches; it is re-read on every launch
type LaunchSpec struct {
	Binary           locator.Config
	Args             []string
	WorkingDirectory string
	Environment      map[string]string // user overlay, wins over inherited and protocol variables
}
