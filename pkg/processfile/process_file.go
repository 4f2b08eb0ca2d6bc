// Package processfile records the PID of a running assistant so a host that
// died without stopping it can reap the orphan on its next start.
package processfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

const DefaultAppName = "hsu-assistant"

// DefaultReapTimeout bounds the wait between the termination signal and the kill
const DefaultReapTimeout = 5 * time.Second

const pollInterval = 50 * time.Millisecond

// File is a PID file holding "<pid>\n<executable>\n". The executable line is
// empty when the platform cannot report it.
type File struct {
	path   string
	logger logging.Logger
}

func New(path string, logger logging.Logger) *File {
	return &File{path: path, logger: logger}
}

func (f *File) Path() string { return f.path }

// Record is the parsed content of a PID file
type Record struct {
	PID        int
	Executable string
}

// DefaultPath returns <user runtime dir>/<app>/<instance>.pid
func DefaultPath(appName, instance string) string {
	if appName == "" {
		appName = DefaultAppName
	}
	return filepath.Join(userRuntimeDirectory(), appName, instance+".pid")
}

func userRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			return filepath.Join(userProfile, "AppData", "Local")
		}
		return os.TempDir()
	case "darwin":
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, "Library", "Application Support")
		}
		return os.TempDir()
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

// Write records pid, creating the directory if needed
func (f *File) Write(pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("pid_file", f.path)
	}

	executable, _ := executableOf(pid)
	content := fmt.Sprintf("%d\n%s\n", pid, executable)
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", f.path).WithContext("pid", pid)
	}

	f.logger.Debugf("PID file written, pid: %d, path: %s", pid, f.path)
	return nil
}

// Read parses the file. A missing file is a NotFound error.
func (f *File) Read() (Record, error) {
	content, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", f.path)
		}
		return Record{}, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", f.path)
	}

	lines := strings.SplitN(string(content), "\n", 3)
	pidText := strings.TrimSpace(lines[0])
	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return Record{}, errors.NewValidationError("invalid PID in PID file", err).
			WithContext("pid_file", f.path).WithContext("content", pidText)
	}

	record := Record{PID: pid}
	if len(lines) > 1 {
		record.Executable = strings.TrimSpace(lines[1])
	}
	return record, nil
}

// Remove deletes the file; a missing file is not an error
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", f.path)
	}
	return nil
}

// ReapOrphan terminates the process named by a leftover PID file and removes
// the file. It returns the reaped PID, or 0 when there was nothing to reap. A
// live process is only terminated when its executable matches the recorded
// one, so a reused PID is left alone.
func (f *File) ReapOrphan(ctx context.Context, timeout time.Duration) (int, error) {
	record, err := f.Read()
	if errors.IsNotFoundError(err) {
		return 0, nil
	}
	if err != nil {
		f.logger.Warnf("Discarding unreadable PID file, path: %s, error: %v", f.path, err)
		return 0, f.Remove()
	}

	running, err := IsProcessRunning(record.PID)
	if err != nil || !running {
		f.logger.Debugf("Removing stale PID file, pid: %d, path: %s", record.PID, f.path)
		return 0, f.Remove()
	}

	if !f.owns(record) {
		f.logger.Warnf("PID from file belongs to another program, leaving it running, pid: %d", record.PID)
		return 0, f.Remove()
	}

	f.logger.Infof("Reaping orphaned assistant, pid: %d, executable: %s", record.PID, record.Executable)
	if err := terminate(ctx, record.PID, timeout); err != nil {
		return 0, err
	}
	return record.PID, f.Remove()
}

func (f *File) owns(record Record) bool {
	if record.Executable == "" {
		return false
	}
	current, err := executableOf(record.PID)
	if err != nil {
		return false
	}
	return samePath(current, record.Executable)
}

func samePath(a, b string) bool {
	if resolved, err := filepath.EvalSymlinks(a); err == nil {
		a = resolved
	}
	if resolved, err := filepath.EvalSymlinks(b); err == nil {
		b = resolved
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

// terminate signals pid, waits up to timeout for it to go away, then kills it
func terminate(ctx context.Context, pid int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReapTimeout
	}
	if err := signalTerminate(pid); err != nil {
		return errors.NewProcessError("failed to signal orphaned process", err).WithContext("pid", pid)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.NewCancelledError("reaping orphaned process cancelled", ctx.Err()).WithContext("pid", pid)
		case <-deadline.C:
			if err := signalKill(pid); err != nil {
				return errors.NewProcessError("failed to kill orphaned process", err).WithContext("pid", pid)
			}
			return nil
		case <-ticker.C:
			if running, err := IsProcessRunning(pid); err == nil && !running {
				return nil
			}
		}
	}
}
