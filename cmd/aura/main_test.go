package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/store"
	"github.com/hxrts/aura/pkg/types"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("AURA_CONFIG", "")
	t.Setenv("LOG_LEVEL", "ERROR")
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"aura"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeCommit(t *testing.T, out string) map[string]any {
	t.Helper()
	var commit map[string]any
	if err := json.Unmarshal([]byte(out), &commit); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, out)
	}
	return commit
}

func TestRunUsage(t *testing.T) {
	if code, _, _ := run(t); code != 2 {
		t.Errorf("no command: exit %d, want 2", code)
	}
	if code, _, stderr := run(t, "frobnicate"); code != 2 || !strings.Contains(stderr, "Unknown command") {
		t.Errorf("unknown command: exit %d, stderr %q", code, stderr)
	}
	if code, stdout, _ := run(t, "help"); code != 0 || !strings.Contains(stdout, "simulate") {
		t.Errorf("help: exit %d, stdout %q", code, stdout)
	}
}

func TestVersion(t *testing.T) {
	code, stdout, _ := run(t, "version")
	if code != 0 || stdout != "aura dev\n" {
		t.Errorf("version: exit %d, stdout %q", code, stdout)
	}
}

func TestSimulateCommits(t *testing.T) {
	code, stdout, stderr := run(t, "simulate", "--witnesses", "3", "--threshold", "2", "--op", "tick")
	if code != 0 {
		t.Fatalf("simulate: exit %d\n%s", code, stderr)
	}
	commit := decodeCommit(t, stdout)
	if commit["fast_path"] != false {
		t.Errorf("fast_path = %v, want false", commit["fast_path"])
	}
	if commit["threshold"] != float64(2) {
		t.Errorf("threshold = %v, want 2", commit["threshold"])
	}
	sig := commit["threshold_signature"].(map[string]any)
	if n := len(sig["signers"].([]any)); n != 2 {
		t.Errorf("signers = %d, want 2", n)
	}
}

func TestSimulateFastPath(t *testing.T) {
	code, stdout, stderr := run(t, "simulate", "--witnesses", "4", "--threshold", "3", "--fast-path")
	if code != 0 {
		t.Fatalf("simulate: exit %d\n%s", code, stderr)
	}
	if commit := decodeCommit(t, stdout); commit["fast_path"] != true {
		t.Errorf("fast_path = %v, want true", commit["fast_path"])
	}
}

func TestSimulateIsReproducible(t *testing.T) {
	_, a, _ := run(t, "simulate", "--seed", "fixed")
	_, b, _ := run(t, "simulate", "--seed", "fixed")
	ca, cb := decodeCommit(t, a), decodeCommit(t, b)
	if ca["consensus_id"] != cb["consensus_id"] {
		t.Errorf("consensus ids differ: %v vs %v", ca["consensus_id"], cb["consensus_id"])
	}
}

func TestSimulateRejectsBadThreshold(t *testing.T) {
	if code, _, _ := run(t, "simulate", "--witnesses", "2", "--threshold", "3"); code != 2 {
		t.Errorf("exit %d, want 2", code)
	}
	if code, _, _ := run(t, "simulate", "--no-such-flag"); code != 2 {
		t.Errorf("bad flag: exit %d, want 2", code)
	}
}

func TestSimulateWithConfigPersistsJournal(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "aura.db")
	cfgPath := filepath.Join(dir, "node.yaml")
	yaml := "authority: alice\n" +
		"consensus:\n  witnesses: [w1, w2, w3, w4]\n  threshold: 3\n" +
		"storage:\n  backend: sqlite\n  dsn: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := run(t, "simulate", "--config", cfgPath)
	if code != 0 {
		t.Fatalf("simulate: exit %d\n%s", code, stderr)
	}
	commit := decodeCommit(t, stdout)
	if commit["threshold"] != float64(3) {
		t.Errorf("threshold = %v, want 3 from config", commit["threshold"])
	}

	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Backend: store.BackendSQLite, DSN: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	keys, err := s.List(ctx, "journal/")
	if err != nil || len(keys) != 1 {
		t.Fatalf("journal keys = %v, err %v", keys, err)
	}
	data, err := s.Load(ctx, keys[0])
	if err != nil {
		t.Fatal(err)
	}

	snapPath := filepath.Join(dir, "journal.cbor")
	if err := os.WriteFile(snapPath, data, 0o600); err != nil {
		t.Fatal(err)
	}
	code, stdout, stderr = run(t, "snapshot", "--file", snapPath)
	if code != 0 {
		t.Fatalf("snapshot: exit %d\n%s%s", code, stdout, stderr)
	}
	var sum snapshotSummary
	if err := json.Unmarshal([]byte(stdout), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Commits != 1 || sum.Evidence != "complete" {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Hash != types.HashBytes(data) {
		t.Errorf("hash = %s, want %s", sum.Hash, types.HashBytes(data))
	}
}

func TestSnapshotRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cbor")
	if err := os.WriteFile(path, []byte("not cbor"), 0o600); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run(t, "snapshot", "--file", path); code != 2 {
		t.Errorf("exit %d, want 2", code)
	}
	if code, _, _ := run(t, "snapshot"); code != 2 {
		t.Errorf("missing --file: exit %d, want 2", code)
	}
}

func TestPrestateAndBind(t *testing.T) {
	h1 := types.HashBytes([]byte("state-1"))
	h2 := types.HashBytes([]byte("state-2"))
	ctxHash := types.HashBytes([]byte("context"))

	code, stdout, stderr := run(t, "prestate",
		"--commit", "alice="+h1.String(),
		"--commit", "bob="+h2.String(),
		"--context", ctxHash.String())
	if code != 0 {
		t.Fatalf("prestate: exit %d\n%s", code, stderr)
	}
	want := prestate.New([]prestate.AuthorityCommitment{
		{Authority: types.AuthorityIDFromString("bob"), Commitment: h2},
		{Authority: types.AuthorityIDFromString("alice"), Commitment: h1},
	}, ctxHash)
	got := strings.TrimSpace(stdout)
	if got != want.ComputeHash().String() {
		t.Fatalf("prestate = %s, want %s", got, want.ComputeHash())
	}

	code, stdout, stderr = run(t, "bind", "--prestate", got, "--op", "tick")
	if code != 0 {
		t.Fatalf("bind: exit %d\n%s", code, stderr)
	}
	id, err := want.BindOperation("tick")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(stdout) != id.String() {
		t.Errorf("bind = %s, want %s", strings.TrimSpace(stdout), id)
	}
}

func TestPrestateRejectsMalformedCommit(t *testing.T) {
	for _, arg := range []string{"alice", "=00", "alice=zz"} {
		if code, _, _ := run(t, "prestate", "--commit", arg); code != 2 {
			t.Errorf("--commit %q: exit %d, want 2", arg, code)
		}
	}
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("authority: alice\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AURA_AUTHORITY", "bob")
	code, stdout, stderr := run(t, "config", "--file", path)
	if code != 0 {
		t.Fatalf("config: exit %d\n%s", code, stderr)
	}
	if !strings.Contains(stdout, `"Authority":"bob"`) {
		t.Errorf("environment override missing: %s", stdout)
	}

	if err := os.WriteFile(path, []byte("bogus: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run(t, "config", "--file", path); code != 1 {
		t.Errorf("invalid file: exit %d, want 1", code)
	}
}
