package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicyFile(t, t.TempDir(), "regions.rego", frozenRegion)

	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "regions", p.Name)
	assert.Equal(t, "Blocks changes in frozen regions.", p.Description)
	assert.Equal(t, SeverityWarning, p.Severity)
	assert.True(t, p.Enabled)
	assert.Equal(t, path, p.Source)
}

func TestLoadFromFile_JSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{
			name:    "single policy",
			content: `{"name": "regions", "rego": "package regions", "severity": "error", "enabled": true}`,
			want:    []string{"regions"},
		},
		{
			name: "bundle",
			content: `{"name": "org", "version": "1.0.0", "policies": [
				{"name": "a", "rego": "package a", "enabled": true},
				{"name": "b", "rego": "package b", "enabled": true}
			]}`,
			want: []string{"a", "b"},
		},
		{name: "invalid json", content: `{not json`, wantErr: true},
		{name: "missing rego", content: `{"name": "empty"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(zerolog.Nop())
			path := writePolicyFile(t, t.TempDir(), "policy.json", tt.content)

			policies, err := loader.LoadFromPaths(context.Background(), []string{path})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var names []string
			for _, p := range policies {
				names = append(names, p.Name)
				assert.NotEmpty(t, p.Severity)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicyFile(t, dir, "regions.rego", frozenRegion)
	writePolicyFile(t, dir, "team/owners.rego", "package owners\n")
	writePolicyFile(t, dir, "README.md", "not a policy")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}

func TestLoadFromDirectory_BadFileFailsLoad(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicyFile(t, dir, "regions.rego", frozenRegion)
	writePolicyFile(t, dir, "broken.json", "{")

	_, err := loader.LoadFromPaths(context.Background(), []string{dir})
	assert.Error(t, err)
}

func TestLoadFromPath_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	_, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)

	txt := writePolicyFile(t, dir, "policy.txt", "package x")
	_, err = loader.LoadFromPaths(context.Background(), []string{txt})
	assert.Error(t, err)
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicyFile(t, t.TempDir(), "bundle.json",
		`{"name": "org", "version": "2.1.0", "policies": [{"name": "a", "rego": "package a"}]}`)

	bundle, err := loader.LoadBundle(path)
	require.NoError(t, err)
	assert.Equal(t, "org", bundle.Name)
	assert.Equal(t, "2.1.0", bundle.Version)
	assert.Len(t, bundle.Policies, 1)
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"single line", "# Frozen regions\npackage x", "Frozen regions"},
		{"multi line", "# Frozen regions\n# for prod\npackage x", "Frozen regions for prod"},
		{"metadata marker", "# METADATA\n# Owners\npackage x", "Owners"},
		{"none", "package x\n# late comment", "late comment"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractDescription(tt.content))
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicyFile(t, t.TempDir(), "regions.rego", frozenRegion)

	_, err := loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("# Changed\npackage regions\n"), 0o644))
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, "Blocks changes in frozen regions.", policies[0].Description, "served from cache")

	loader.ClearCache()
	policies, err = loader.LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, "Changed", policies[0].Description)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.delay = 20 * time.Millisecond
	dir := t.TempDir()
	writePolicyFile(t, dir, "regions.rego", frozenRegion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		counts []int
	)
	require.NoError(t, loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		counts = append(counts, len(policies))
		return nil
	}))
	defer func() { _ = loader.StopWatching() }()

	writePolicyFile(t, dir, "owners.rego", "package owners\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) > 0 && counts[len(counts)-1] == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatch_MissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	err := loader.Watch(context.Background(), []string{filepath.Join(t.TempDir(), "missing")},
		func([]Policy) error { return nil })
	assert.Error(t, err)
}
