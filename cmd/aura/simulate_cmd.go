package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/hxrts/aura/pkg/canonical"
	"github.com/hxrts/aura/pkg/config"
	"github.com/hxrts/aura/pkg/observability"
	"github.com/hxrts/aura/pkg/runtime"
	"github.com/hxrts/aura/pkg/store"
)

// runSimulateCmd implements `aura simulate`.
//
// Builds one runtime per witness on an in-memory network, proposes --op
// from the first witness and prints the commit fact as canonical JSON.
// With --config the node file supplies the witness count, threshold,
// guard and transport settings, telemetry, and a storage backend the
// coordinator's journal is saved to.
func runSimulateCmd(args []string, env *config.Config, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		witnesses  uint16
		threshold  uint16
		op         string
		fastPath   bool
		seed       string
		deadline   time.Duration
		configFile string
	)
	cmd.Uint16Var(&witnesses, "witnesses", 3, "Number of witnesses")
	cmd.Uint16Var(&threshold, "threshold", 2, "Signatures required to commit")
	cmd.StringVar(&op, "op", "tick", "Operation to agree on")
	cmd.BoolVar(&fastPath, "fast-path", false, "Pre-share nonce commitments and commit in one round")
	cmd.StringVar(&seed, "seed", "aura-simulation", "Seed for keys, nonces and signers")
	cmd.DurationVar(&deadline, "deadline", 30*time.Second, "Wall-clock limit for the run")
	cmd.StringVar(&configFile, "config", env.ConfigFile, "Node configuration file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	cfg := runtime.SimulationConfig{
		Witnesses: witnesses,
		Threshold: threshold,
		Seed:      []byte(seed),
		FastPath:  fastPath,
	}

	var persist store.Store
	if configFile != "" {
		node, err := config.LoadFile(configFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		node.Override(env)
		if n := len(node.Consensus.Witnesses); n > 0 && !cmd.Changed("witnesses") {
			cfg.Witnesses = uint16(n) //nolint:gosec // bounded by the schema
		}
		if node.Consensus.Threshold > 0 && !cmd.Changed("threshold") {
			cfg.Threshold = node.Consensus.Threshold
		}
		cfg.FastPath = cfg.FastPath || node.Consensus.FastPath
		cfg.Timeout = node.ConsensusTimeout()
		cfg.RetainedEpochs = node.Consensus.RetainedEpochs
		cfg.Guard = node.GuardConfig()
		cfg.Inbox = node.InboxConfig()

		if node.Telemetry.Enabled {
			telemetry, err := observability.New(ctx, node.TelemetryConfig())
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
				return 2
			}
			defer func() { _ = telemetry.Shutdown(context.Background()) }()
			cfg.Telemetry = telemetry
		}

		persist, err = store.Open(ctx, node.StoreConfig())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: storage: %v\n", err)
			return 2
		}
		defer func() { _ = persist.Close() }()
	}

	sim, err := runtime.NewSimulation(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer sim.Close()

	if cfg.FastPath {
		if err := sim.Prime(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: prime fast path: %v\n", err)
			return 1
		}
	}
	commit, err := sim.Run(ctx, op)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: consensus failed: %v\n", err)
		return 1
	}

	if persist != nil {
		coord := sim.Coordinator()
		key := store.JournalKey(coord.Self())
		h, err := store.SaveJournal(ctx, persist, key, coord.Journal())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: save journal: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "journal %s saved as %s\n", h, key)
	}

	out, err := canonical.JSON(commit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
