package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
versions: [16, "17.0"]
db:
  dir: /var/lib/oupgrade
server:
  port: 8080
  cache_size: 0
apriori:
  csv_path: ./apriori.csv
`), 0o644))
	t.Setenv("OUPGRADE_SERVER_HOST", "0.0.0.0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"16.0", "17.0"}, cfg.Versions)
	assert.Equal(t, "/var/lib/oupgrade", cfg.DB.Dir)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 8, cfg.Server.CacheSize)
	assert.Equal(t, "./apriori.csv", cfg.Apriori.CSVPath)
	assert.Equal(t, "./data_sources", cfg.Sources.Dir, "unset keys keep defaults")
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("versions: [\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DB.Dir = "db"
	cfg.Sources.Dir = "src"
	cfg.Output.Dir = "out"

	assert.Equal(t, filepath.Join("db", "upgrade_17.0.db"), cfg.StorePath("17"))
	assert.Equal(t, filepath.Join("db", "apriori.db"), cfg.AprioriPath())
	assert.Equal(t, filepath.Join("src", "16.0"), cfg.SourceDir("16.0"))
	assert.Equal(t, filepath.Join("out", "18.0"), cfg.OutputDir("18"))
}

func TestVersions(t *testing.T) {
	tests := []struct {
		in    string
		norm  string
		valid bool
		major int
	}{
		{"17", "17.0", true, 17},
		{" 16.0 ", "16.0", true, 16},
		{"8.0", "8.0", true, 8},
		{"17.0.1", "17.0.1", false, 17},
		{"abc", "abc", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeVersion(tt.in)
			assert.Equal(t, tt.norm, got)
			assert.Equal(t, tt.valid, ValidVersion(got))
			major, err := Major(tt.in)
			if tt.major == 0 {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.major, major)
		})
	}
}

func TestYAML(t *testing.T) {
	data, err := Default().YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "url: https://github.com/OCA/OpenUpgrade.git")
	assert.Contains(t, string(data), "cors_allow: http://localhost:5000")
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Sources.Dir = filepath.Join(dir, "a", "src")
	cfg.DB.Dir = filepath.Join(dir, "b", "db")
	require.NoError(t, cfg.EnsureDirs())

	for _, d := range []string{cfg.Sources.Dir, cfg.DB.Dir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
