package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-assistant/pkg/config"
	"github.com/core-tools/hsu-assistant/pkg/health"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

type flagOptions struct {
	Address  string `long:"address" description:"host:port of the gRPC health service"`
	Port     int    `long:"port" description:"port on localhost of the gRPC health service"`
	Service  string `long:"service" description:"health service name"`
	Attempts int    `long:"attempts" default:"10" description:"status attempts before giving up"`
	Interval int    `long:"interval-ms" default:"1000" description:"milliseconds between attempts"`
	Verbose  bool   `long:"verbose" short:"v" description:"log each attempt"`
}

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

	address := opts.Address
	if address == "" && opts.Port != 0 {
		address = fmt.Sprintf("127.0.0.1:%d", opts.Port)
	}
	if address == "" {
		fmt.Println("Address or port is required")
		os.Exit(1)
	}
	if opts.Service == "" {
		opts.Service = config.DefaultHealthService
	}

	zapConfig := logging.DefaultZapConfig()
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	logger, syncLogger := logging.NewZapLogger(zapConfig)
	defer func() { _ = syncLogger() }()

	connection, err := health.Dial(address)
	if err != nil {
		logger.Errorf("Failed to create connection, address: %s, error: %v", address, err)
		os.Exit(1)
	}
	defer func() { _ = connection.Close() }()

	gateway := health.NewGateway(connection, opts.Service, logger)

	retryOptions := health.RetryOptions{
		RetryAttempts: opts.Attempts,
		RetryInterval: time.Duration(opts.Interval) * time.Millisecond,
	}
	status, err := gateway.RetryStatus(context.Background(), retryOptions)
	if err != nil {
		logger.Errorf("Failed to get status, error: %v", err)
		_ = syncLogger()
		os.Exit(1)
	}

	fmt.Println(status)
	if status != "SERVING" {
		os.Exit(2)
	}
}
