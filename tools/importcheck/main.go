// Package main implements an import layering linter.
//
// The guard chain, the journal and the hashing layers must stay pure:
// no clocks, randomness, I/O or runtime packages. This tool scans the
// non-test Go files of each restricted package and reports forbidden
// imports.
//
// Usage:
//
//	go run ./tools/importcheck [--root <project-root>]
package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
)

const module = "github.com/hxrts/aura/pkg/"

// impure lists packages that read clocks, randomness, the network or
// the filesystem.
var impure = []string{
	"time", "os", "net", "math/rand", "crypto/rand", "log", "log/slog", "database/sql",
	module + "effects", module + "runtime", module + "store", module + "observability", module + "config",
}

// Rule forbids imports in one package directory. An entry matches the
// import path itself and every path below it.
type Rule struct {
	Dir       string
	Forbidden []string
}

// Violation is one forbidden import.
type Violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Rule)
}

// DefaultRules is the layering of the core packages.
func DefaultRules() []Rule {
	with := func(extra ...string) []string {
		return append(append([]string(nil), impure...), extra...)
	}
	return []Rule{
		{Dir: "pkg/types", Forbidden: with(module)},
		{Dir: "pkg/crypto/frost", Forbidden: with(module)},
		{Dir: "pkg/canonical", Forbidden: with(module + "journal", module + "guard", module + "consensus")},
		{Dir: "pkg/prestate", Forbidden: with(module + "journal", module + "guard", module + "consensus", module + "transport")},
		{Dir: "pkg/journal", Forbidden: with(module + "guard", module + "consensus", module + "transport")},
		{Dir: "pkg/guard", Forbidden: with("context", module + "consensus")},
	}
}

func matches(importPath, forbidden string) bool {
	if strings.HasSuffix(forbidden, "/") {
		return strings.HasPrefix(importPath, forbidden)
	}
	return importPath == forbidden || strings.HasPrefix(importPath, forbidden+"/")
}

// Check applies rules to the tree under root.
func Check(root string, rules []Rule) ([]Violation, error) {
	fset := token.NewFileSet()
	var out []Violation
	for _, r := range rules {
		dir := filepath.Join(root, r.Dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r.Dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			path := filepath.Join(dir, name)
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, forbidden := range r.Forbidden {
					if matches(importPath, forbidden) {
						rel, _ := filepath.Rel(root, path)
						out = append(out, Violation{
							File:   rel,
							Line:   fset.Position(imp.Pos()).Line,
							Import: importPath,
							Rule:   forbidden,
						})
					}
				}
			}
		}
	}
	return out, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("importcheck", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	root := flags.String("root", ".", "Project root directory")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	violations, err := Check(*root, DefaultRules())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "LAYERING VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d layering violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "layering check passed")
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
