package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/config"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/types"
)

// runPrestateCmd implements `aura prestate`.
//
//	aura prestate --commit <authority>=<hex> [--commit ...] --context <hex>
//
// An authority is a UUID or a name. Prints the prestate hash.
func runPrestateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("prestate", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		commits    []string
		contextHex string
	)
	cmd.StringArrayVar(&commits, "commit", nil, "Authority commitment as <authority>=<hex> (repeatable)")
	cmd.StringVar(&contextHex, "context", "", "Context commitment (hex)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if len(commits) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: at least one --commit is required")
		return 2
	}

	var ctxCommitment types.Hash32
	if contextHex != "" {
		h, err := types.ParseHash32(contextHex)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --context: %v\n", err)
			return 2
		}
		ctxCommitment = h
	}

	entries := make([]prestate.AuthorityCommitment, 0, len(commits))
	for _, c := range commits {
		name, hexHash, ok := strings.Cut(c, "=")
		if !ok || name == "" {
			_, _ = fmt.Fprintf(stderr, "Error: --commit %q: want <authority>=<hex>\n", c)
			return 2
		}
		h, err := types.ParseHash32(hexHash)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --commit %q: %v\n", c, err)
			return 2
		}
		entries = append(entries, prestate.AuthorityCommitment{Authority: config.ParseAuthority(name), Commitment: h})
	}

	_, _ = fmt.Fprintln(stdout, prestate.New(entries, ctxCommitment).ComputeHash())
	return 0
}

// runBindCmd implements `aura bind`.
//
//	aura bind --prestate <hex> --op <operation>
//
// Prints the consensus id of the operation bound to the prestate.
func runBindCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("bind", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var prestateHex, op string
	cmd.StringVar(&prestateHex, "prestate", "", "Prestate hash (hex, REQUIRED)")
	cmd.StringVar(&op, "op", "", "Operation (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if prestateHex == "" || op == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --prestate and --op are required")
		return 2
	}
	h, err := types.ParseHash32(prestateHex)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --prestate: %v\n", err)
		return 2
	}
	opBytes, err := prestate.OperationBytes(op)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, prestate.BindOperationBytes(h, opBytes))
	return 0
}

type snapshotSummary struct {
	Hash          types.Hash32 `json:"hash"`
	FormatVersion string       `json:"format_version"`
	Facts         int          `json:"facts"`
	Commits       int          `json:"commits"`
	Evidence      string       `json:"evidence"`
}

// runSnapshotCmd implements `aura snapshot`.
//
// Decodes a journal snapshot, checks its consensus evidence and prints a
// summary as canonical JSON. Exits 1 when evidence is missing.
func runSnapshotCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("snapshot", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "", "Snapshot file (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}
	data, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	j, err := journal.DecodeSnapshot(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	h, err := j.Hash()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	sum := snapshotSummary{
		Hash:          h,
		FormatVersion: journal.FormatVersion,
		Facts:         j.Len(),
		Commits:       len(j.Commits()),
		Evidence:      "complete",
	}
	code := 0
	if err := j.VerifyEvidence(); err != nil {
		sum.Evidence = err.Error()
		code = 1
	}
	out, err := canonical.JSON(sum)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return code
}

// runConfigCmd implements `aura config`: validate a node file, apply the
// environment and print the effective configuration.
func runConfigCmd(args []string, env *config.Config, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("config", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", env.ConfigFile, "Node configuration file (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}
	node, err := config.LoadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	node.Override(env)
	out, err := canonical.JSON(node)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
