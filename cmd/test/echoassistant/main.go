// Echoassistant is a stand-in assistant for manual runs of the host. Every
// message carrying a request_id is answered with stream deltas of its prompt
// followed by a result.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/tidwall/gjson"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/protocol"
)

type flagOptions struct {
	RunDuration int    `long:"run-duration" description:"Seconds to run before exiting (debug feature)"`
	ChunkSize   int    `long:"chunk-size" default:"8" description:"Bytes of prompt per stream delta"`
	DelayMS     int    `long:"delay-ms" description:"Milliseconds between deltas"`
	Stderr      string `long:"stderr" description:"Line written to stderr on startup"`
	ExitAfter   int    `long:"exit-after" description:"Exit after answering this many requests"`
	ExitCode    int    `long:"exit-code" default:"1" description:"Exit code used by --exit-after"`
	Malformed   bool   `long:"malformed" description:"Write a non-JSON line to stdout on startup"`
	Stdio       bool   `long:"stdio" description:"Accepted for compatibility with real assistants"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if opts.RunDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	if opts.Stderr != "" {
		fmt.Fprintln(os.Stderr, opts.Stderr)
	}
	if opts.Malformed {
		fmt.Fprintln(os.Stdout, "echo assistant: not json")
	}

	encoder := protocol.NewEncoder(os.Stdout)
	_ = encoder.Encode(map[string]interface{}{
		"type":    protocol.TypeSystem,
		"subtype": "init",
		"model":   "echo",
	})

	done := make(chan int, 1)
	go func() { done <- serve(opts, encoder) }()

	select {
	case code := <-done:
		os.Exit(code)
	case received := <-sig:
		fmt.Fprintf(os.Stderr, "Echo assistant received signal: %v\n", received)
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "Echo assistant timed out\n")
	}
}

// serve answers requests until stdin closes and returns the exit code
func serve(opts flagOptions, encoder *protocol.Encoder) int {
	decoder := protocol.NewDecoder(os.Stdin, 0)
	answered := 0
	for {
		raw, err := decoder.Decode()
		if err == io.EOF {
			return 0
		}
		if err != nil {
			if !errors.IsMalformedMessageError(err) {
				fmt.Fprintf(os.Stderr, "Echo assistant failed to read stdin: %v\n", err)
				return 1
			}
			_ = encoder.Encode(map[string]interface{}{
				"type":    protocol.TypeError,
				"code":    "invalid_request",
				"message": err.Error(),
			})
			continue
		}

		requestID := gjson.GetBytes(raw, protocol.FieldRequestID).String()
		if requestID == "" {
			continue
		}
		answer(opts, encoder, requestID, gjson.GetBytes(raw, "prompt").String())

		answered++
		if opts.ExitAfter > 0 && answered >= opts.ExitAfter {
			fmt.Fprintf(os.Stderr, "Echo assistant exiting after %d requests\n", answered)
			return opts.ExitCode
		}
	}
}

func answer(opts flagOptions, encoder *protocol.Encoder, requestID, prompt string) {
	started := time.Now()
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = len(prompt) + 1
	}

	index := 0
	for offset := 0; offset < len(prompt); offset += chunk {
		end := offset + chunk
		if end > len(prompt) {
			end = len(prompt)
		}
		_ = encoder.Encode(map[string]interface{}{
			"type":  protocol.TypeStreamDelta,
			"delta": prompt[offset:end],
			"index": index,
			"final": end == len(prompt),
		})
		index++
		if opts.DelayMS > 0 {
			time.Sleep(time.Duration(opts.DelayMS) * time.Millisecond)
		}
	}

	_ = encoder.Encode(map[string]interface{}{
		"type":        protocol.TypeResult,
		"request_id":  requestID,
		"result":      "echo: " + prompt,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}
