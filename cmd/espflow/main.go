// Package main implements espflow, a command line client for an event stream
// processing engine. It validates and exports project definitions, publishes
// files into windows, subscribes to windows, serves a local engine stand-in,
// and keeps projects in a NATS key-value bucket.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "espflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	root := newRootCommand(newApp(os.Stdout, os.Stderr))
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
