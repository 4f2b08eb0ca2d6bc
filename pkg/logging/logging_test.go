package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorded struct {
	level int
	line  string
}

func recordingFuncs(out *[]recorded) LogFuncs {
	at := func(level int) LogFunc {
		return func(format string, args ...interface{}) {
			*out = append(*out, recorded{level: level, line: fmt.Sprintf(format, args...)})
		}
	}
	return LogFuncs{
		Debugf: at(LogLevelDebug),
		Infof:  at(LogLevelInfo),
		Warnf:  at(LogLevelWarn),
		Errorf: at(LogLevelError),
	}
}

func TestLogger_RoutesByLevelWithPrefix(t *testing.T) {
	var lines []recorded
	logger := NewLogger("session: ", recordingFuncs(&lines))

	logger.Debugf("debug %d", 1)
	logger.Infof("info %s", "x")
	logger.Warnf("warn")
	logger.Errorf("error")
	logger.LogLevelf(LogLevelWarn, "level %s", "warn")

	assert.Equal(t, []recorded{
		{LogLevelDebug, "session: debug 1"},
		{LogLevelInfo, "session: info x"},
		{LogLevelWarn, "session: warn"},
		{LogLevelError, "session: error"},
		{LogLevelWarn, "session: level warn"},
	}, lines)
}

func TestWithPrefix_Nests(t *testing.T) {
	var lines []recorded
	parent := NewLogger("host: ", recordingFuncs(&lines))

	child := WithPrefix(parent, "router: ")
	child.Infof("attached, pid: %d", 42)

	assert.Equal(t, []recorded{{LogLevelInfo, "host: router: attached, pid: 42"}}, lines)
}

func TestNopLogger_DoesNotPanic(t *testing.T) {
	logger := NewNopLogger()
	assert.NotPanics(t, func() {
		logger.Infof("ignored %d", 1)
		logger.LogLevelf(LogLevelError, "ignored")
	})
}

func TestNewZapLogger(t *testing.T) {
	logger, sync := NewZapLogger(ZapConfig{Level: "bogus", Format: "json", Output: "stderr"})
	assert.NotNil(t, logger)
	assert.NotPanics(t, func() { logger.Infof("zap backed, value: %d", 7) })
	_ = sync()
}
