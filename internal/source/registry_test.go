package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRegistry(t *testing.T) {
	t.Setenv("DDR_TOKEN", "tok-123")
	path := writeRegistry(t, `
sources:
  - id: ddr-graphql
    kind: graphql
    endpoint: https://api.ddrarchive.org/graphql
    token: $DDR_TOKEN
    frequency: 24h
  - id: backfill
    kind: file
    path: /data/all_media_items.json
    pid_pattern: "^[0-9]{12}$"
    page_size: 500
`)
	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ddr-graphql", "backfill"}, reg.IDs())

	d, ok := reg.Get("ddr-graphql")
	require.True(t, ok)
	assert.Equal(t, "tok-123", d.Token)
	assert.Equal(t, 24*time.Hour, d.Frequency)

	d, ok = reg.Get("backfill")
	require.True(t, ok)
	re, err := d.Pattern()
	require.NoError(t, err)
	assert.True(t, re.MatchString("564310168393"))
	assert.Equal(t, 500, d.PageSize)

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestLoadRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing id", "sources:\n  - kind: file\n    path: x.json\n", "has no id"},
		{"duplicate", "sources:\n  - {id: a, kind: file, path: x}\n  - {id: a, kind: file, path: y}\n", "duplicate"},
		{"unknown kind", "sources:\n  - {id: a, kind: ftp}\n", "unknown kind"},
		{"graphql without endpoint", "sources:\n  - {id: a, kind: graphql}\n", "needs an endpoint"},
		{"bad pattern", "sources:\n  - {id: a, kind: file, path: x, pid_pattern: \"[\"}\n", "pid pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRegistry(writeRegistry(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(Definition{ID: "g", Kind: KindGraphQL, Endpoint: "http://localhost"}, ClientOptions{})
	require.NoError(t, err)
	assert.IsType(t, &GraphQLSource{}, s)

	_, err = Open(Definition{ID: "f", Kind: KindFile, Path: filepath.Join(t.TempDir(), "none.json")}, ClientOptions{})
	require.Error(t, err)
}
