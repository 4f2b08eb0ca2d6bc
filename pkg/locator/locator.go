package locator

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

// Source records which resolution strategy produced a binary
type Source string

const (
	SourceUserConfigured Source = "user-configured"
	SourceBundled        Source = "bundled"
	SourceSystemPath     Source = "system-path"
)

// Platform is the fixed platform/architecture tag used for bundled binaries
type Platform string

const (
	PlatformMacArm64   Platform = "mac-arm64"
	PlatformMacX64     Platform = "mac-x64"
	PlatformLinuxArm64 Platform = "linux-arm64"
	PlatformLinuxX64   Platform = "linux-x64"
	PlatformWindowsX64 Platform = "windows-x64"
	PlatformUnknown    Platform = ""
)

// PlatformFor maps a GOOS/GOARCH pair onto the bundled platform tag.
// Unsupported combinations return PlatformUnknown.
func PlatformFor(goos, goarch string) Platform {
	switch goos + "/" + goarch {
	case "darwin/arm64":
		return PlatformMacArm64
	case "darwin/amd64":
		return PlatformMacX64
	case "linux/arm64":
		return PlatformLinuxArm64
	case "linux/amd64":
		return PlatformLinuxX64
	case "windows/amd64":
		return PlatformWindowsX64
	default:
		return PlatformUnknown
	}
}

// ResolvedBinary is an immutable resolution result
type ResolvedBinary struct {
	Path     string
	Source   Source
	Platform Platform
}

// Config is the per-call input of Resolve
type Config struct {
	UserPath   string // user-configured override, optional
	PluginDir  string // plugin installation directory, optional
	BinaryName string // executable base name without extension
}

// Locator resolves the assistant executable. It only reads the filesystem
// and environment, so a single Locator may be shared between goroutines.
type Locator struct {
	goos       string
	goarch     string
	getenv     func(string) string
	commonDirs []string
	logger     logging.Logger
}

type Option func(*Locator)

// WithPlatform overrides the detected GOOS/GOARCH
func WithPlatform(goos, goarch string) Option {
	return func(l *Locator) {
		l.goos = goos
		l.goarch = goarch
	}
}

// WithGetenv overrides the environment lookup used for PATH and HOME
func WithGetenv(getenv func(string) string) Option {
	return func(l *Locator) {
		l.getenv = getenv
	}
}

// WithCommonDirs replaces the fixed list of common installation directories
func WithCommonDirs(dirs []string) Option {
	return func(l *Locator) {
		l.commonDirs = dirs
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(l *Locator) {
		l.logger = logger
	}
}

func NewLocator(opts ...Option) *Locator {
	l := &Locator{
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
		getenv: os.Getenv,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.commonDirs == nil {
		l.commonDirs = defaultCommonDirs(l.goos, l.getenv)
	}
	return l
}

func defaultCommonDirs(goos string, getenv func(string) string) []string {
	home := getenv("HOME")
	if goos == "windows" {
		home = getenv("USERPROFILE")
	}

	var dirs []string
	if home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, "bin"),
		)
	}
	switch goos {
	case "windows":
		if appData := getenv("LOCALAPPDATA"); appData != "" {
			dirs = append(dirs, filepath.Join(appData, "Programs", "assistant"))
		}
	case "darwin":
		dirs = append(dirs, "/opt/homebrew/bin", "/usr/local/bin")
	default:
		dirs = append(dirs, "/usr/local/bin")
	}
	return dirs
}

// Resolve runs the strategies in order, first success wins:
// user-configured path, bundled binary, search path. When everything fails the
// returned BinaryNotFound error lists every attempted location.
func (l *Locator) Resolve(config Config) (ResolvedBinary, error) {
	platform := PlatformFor(l.goos, l.goarch)
	var attempted []string

	if config.UserPath != "" {
		attempted = append(attempted, config.UserPath)
		if l.isExecutable(config.UserPath) {
			l.logger.Debugf("Resolved user-configured binary, path: %s", config.UserPath)
			return ResolvedBinary{Path: absPath(config.UserPath), Source: SourceUserConfigured, Platform: platform}, nil
		}
		l.logger.Warnf("User-configured binary is not an executable file, path: %s", config.UserPath)
	}

	if config.BinaryName == "" {
		return ResolvedBinary{}, errors.NewValidationError("binary name is required", nil)
	}
	fileName := l.executableName(config.BinaryName)

	if config.PluginDir != "" && platform != PlatformUnknown {
		bundled := filepath.Join(config.PluginDir, "bin", string(platform), fileName)
		attempted = append(attempted, bundled)
		if l.isExecutable(bundled) {
			l.logger.Debugf("Resolved bundled binary, path: %s, platform: %s", bundled, platform)
			return ResolvedBinary{Path: absPath(bundled), Source: SourceBundled, Platform: platform}, nil
		}
	}

	for _, dir := range l.searchDirs() {
		candidate := filepath.Join(dir, fileName)
		attempted = append(attempted, candidate)
		if l.isExecutable(candidate) {
			l.logger.Debugf("Resolved binary from search path, path: %s", candidate)
			return ResolvedBinary{Path: absPath(candidate), Source: SourceSystemPath, Platform: platform}, nil
		}
	}

	l.logger.Errorf("Assistant binary not found, name: %s, attempted: %v", config.BinaryName, attempted)
	return ResolvedBinary{}, errors.NewBinaryNotFoundError(
		"assistant binary not found in: "+strings.Join(attempted, ", "), attempted).
		WithContext("binary_name", config.BinaryName).
		WithContext("platform", string(platform))
}

// searchDirs returns PATH entries followed by the common directories, deduplicated
func (l *Locator) searchDirs() []string {
	separator := ":"
	if l.goos == "windows" {
		separator = ";"
	}

	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if dir == "" || seen[dir] {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	if path := l.getenv("PATH"); path != "" {
		for _, dir := range strings.Split(path, separator) {
			add(dir)
		}
	}
	for _, dir := range l.commonDirs {
		add(dir)
	}
	return dirs
}

func (l *Locator) executableName(name string) string {
	if l.goos == "windows" && filepath.Ext(name) == "" {
		return name + ".exe"
	}
	return name
}

// isExecutable reports whether path is a regular file the host could execute.
// It never changes permissions.
func (l *Locator) isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if l.goos == "windows" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".exe", ".cmd", ".bat":
			return true
		}
		return false
	}
	return info.Mode()&0111 != 0
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
