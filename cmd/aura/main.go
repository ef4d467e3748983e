package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hxrts/aura/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the operation ran and failed
//	2 = usage or setup error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	env := config.Load()
	setupLogging(stderr, env.LogLevel)

	switch args[1] {
	case "simulate":
		return runSimulateCmd(args[2:], env, stdout, stderr)
	case "prestate":
		return runPrestateCmd(args[2:], stdout, stderr)
	case "bind":
		return runBindCmd(args[2:], stdout, stderr)
	case "snapshot":
		return runSnapshotCmd(args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(args[2:], env, stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "aura %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func setupLogging(w io.Writer, level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLevel(level)})))
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: aura <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  simulate   Run threshold consensus over an in-memory network")
	_, _ = fmt.Fprintln(w, "  prestate   Hash authority commitments into a prestate")
	_, _ = fmt.Fprintln(w, "  bind       Bind an operation to a prestate hash")
	_, _ = fmt.Fprintln(w, "  snapshot   Inspect a journal snapshot file")
	_, _ = fmt.Fprintln(w, "  config     Validate a node configuration file")
	_, _ = fmt.Fprintln(w, "  version    Print the version")
}
