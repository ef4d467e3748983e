package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryLayering(t *testing.T) {
	violations, err := Check(filepath.Join("..", ".."), DefaultRules())
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func writeFile(t *testing.T, path, src string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
}

func TestCheckReportsForbiddenImports(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "guard", "clock.go"),
		"package guard\n\nimport (\n\t\"time\"\n\t\"timeutil\"\n\t\"github.com/hxrts/aura/pkg/effects\"\n)\n")
	writeFile(t, filepath.Join(root, "pkg", "guard", "clock_test.go"),
		"package guard\n\nimport \"os\"\n")

	violations, err := Check(root, []Rule{{Dir: "pkg/guard", Forbidden: impure}})
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Equal(t, "time", violations[0].Import)
	assert.Equal(t, 4, violations[0].Line)
	assert.Equal(t, "github.com/hxrts/aura/pkg/effects", violations[1].Import)
}

func TestModulePrefixRule(t *testing.T) {
	assert.True(t, matches("github.com/hxrts/aura/pkg/journal", module))
	assert.False(t, matches("github.com/hxrts/aurax/pkg", module))
	assert.True(t, matches("net/http", "net"))
	assert.False(t, matches("netip", "net"))
}

func TestRunExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"--root", filepath.Join("..", "..")}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "passed")

	stdout.Reset()
	assert.Equal(t, 2, run([]string{"--root", t.TempDir()}, &stdout, &stderr))
}
