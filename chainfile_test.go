package pgmig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickup/pg-mig/registry"
)

func TestRenderChainFile(t *testing.T) {
	migDir := t.TempDir()
	for _, name := range []string{
		tvA + ".up.sql", tvA + ".dn.sql",
		tvB + ".up.sql", tvB + ".dn.sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(migDir, name), []byte("SELECT 1;"), 0o644))
	}
	reg, err := registry.Load(migDir)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(RenderChainFile(reg), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, reg.Digest(), lines[0])
	assert.Contains(t, lines[1], "0 -> "+tvA)
	assert.Contains(t, lines[2], tvA+" -> "+tvB)

	path := filepath.Join(t.TempDir(), "chain.txt")
	require.NoError(t, WriteChainFile(path, reg))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, RenderChainFile(reg), string(body))
}
