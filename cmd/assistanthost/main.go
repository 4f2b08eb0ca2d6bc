package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-assistant/pkg/bridge"
	"github.com/core-tools/hsu-assistant/pkg/config"
	"github.com/core-tools/hsu-assistant/pkg/health"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/processfile"
	"github.com/core-tools/hsu-assistant/pkg/session"
)

type flagOptions struct {
	Config         string   `long:"config" short:"c" description:"path to the YAML configuration file"`
	Listen         string   `long:"listen" description:"address of the UI bridge"`
	UIDir          string   `long:"ui-dir" description:"directory with the web UI assets"`
	Binary         string   `long:"binary" description:"path to the assistant executable"`
	LogLevel       string   `long:"log-level" description:"debug, info, warn or error"`
	GRPCHealthPort int      `long:"grpc-health-port" description:"port of the gRPC health service, 0 disables it"`
	AllowedOrigins []string `long:"allow-origin" description:"WebSocket origin allowed to connect, repeatable"`
	Connect        bool     `long:"connect" description:"connect to the assistant on startup"`
	Watch          bool     `long:"watch" description:"reload the configuration file when it changes"`
}

const shutdownTimeout = 15 * time.Second

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Configuration failed: %v\n", err)
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = cfg.LogLevel
	if cfg.LogFormat != "" {
		zapConfig.Format = cfg.LogFormat
	}
	logger, syncLogger := logging.NewZapLogger(zapConfig)
	defer func() { _ = syncLogger() }()

	if err := run(opts, cfg, logger); err != nil {
		logger.Errorf("Assistant host failed, error: %v", err)
		_ = syncLogger()
		os.Exit(1)
	}
}

func loadConfig(opts flagOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.LoadConfigFromFile(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyOverrides(cfg, opts)
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides lets command line flags win over the file
func applyOverrides(cfg *config.Config, opts flagOptions) {
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.UIDir != "" {
		cfg.Server.UIDir = opts.UIDir
	}
	if opts.Binary != "" {
		cfg.Assistant.BinaryPath = opts.Binary
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(opts.LogLevel)
	}
	if opts.GRPCHealthPort != 0 {
		cfg.Server.GRPCHealthPort = opts.GRPCHealthPort
	}
}

func run(opts flagOptions, cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("Starting assistant host, listen: %s, binary: %q, plugin_dir: %q",
		cfg.Server.Listen, cfg.Assistant.BinaryPath, cfg.Assistant.PluginDir)

	var sessionOptions []session.Option
	if path := cfg.ProcessFilePath(); path != "" {
		sessionOptions = append(sessionOptions,
			session.WithProcessFile(processfile.New(path, logging.WithPrefix(logger, "pidfile "))))
	}
	sess, err := session.New(cfg.SessionConfig(), logger, sessionOptions...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Errorf("Failed to close session, error: %v", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	ui := bridge.NewServer(bridge.Config{
		UIDir:          cfg.Server.UIDir,
		AllowedOrigins: opts.AllowedOrigins,
	}, sess, logging.WithPrefix(logger, "bridge "))
	if err := ui.Start(cfg.Server.Listen); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ui.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Failed to shut down UI bridge, error: %v", err)
		}
	}()

	if cfg.Server.GRPCHealthPort != 0 {
		healthLogger := logging.WithPrefix(logger, "health ")
		reporter := health.NewReporter(cfg.Server.HealthService, healthLogger)
		server, err := health.NewServer(fmt.Sprintf("127.0.0.1:%d", cfg.Server.GRPCHealthPort), reporter, healthLogger)
		if err != nil {
			return err
		}
		go func() {
			if err := server.Serve(); err != nil {
				healthLogger.Errorf("Health server stopped, error: %v", err)
			}
		}()
		defer server.Stop()

		changes, cancel := sess.ObserveState()
		defer cancel()
		go reporter.Follow(ctx, changes)
	}

	if opts.Watch && opts.Config != "" {
		watcher, err := config.NewWatcher(opts.Config, config.DefaultDebounce, func(next *config.Config) {
			applyOverrides(next, opts)
			if err := sess.UpdateConfig(next.SessionConfig()); err != nil {
				logger.Warnf("Ignoring reloaded configuration, error: %v", err)
			}
		}, logging.WithPrefix(logger, "config "))
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
	}

	if opts.Connect {
		if err := sess.Connect(ctx); err != nil {
			// the UI can still connect once the problem is fixed
			logger.Errorf("Initial connect failed, error: %v", err)
		}
	}

	logger.Infof("Assistant host is ready, session: %s", sess.ID())
	<-ctx.Done()
	logger.Infof("Assistant host shutting down")
	return nil
}
