package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend used by the host binary
type ZapConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "console"
	Output string `yaml:"output"` // "stdout", "stderr"
	Caller bool   `yaml:"caller"`
}

// DefaultZapConfig logs info and above as console text to stderr, leaving
// stdout free for hosts that speak a protocol of their own.
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// NewZapLogger builds a Logger backed by zap's sugared logger. The returned
// sync func flushes buffered entries and should be deferred by the caller.
func NewZapLogger(config ZapConfig) (Logger, func() error) {
	zapLogger := createZapLogger(config)
	sugar := zapLogger.Sugar()

	return NewLogger("", LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}), zapLogger.Sync
}

func createZapLogger(config ZapConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var out zapcore.WriteSyncer
	switch config.Output {
	case "stdout":
		out = zapcore.Lock(os.Stdout)
	default:
		out = zapcore.Lock(os.Stderr)
	}

	opts := []zap.Option{}
	if config.Caller {
		// Skip the Logger wrapper frames so the caller points at our code
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	return zap.New(zapcore.NewCore(encoder, out, level), opts...)
}
