package discover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		path := filepath.Join(root, filepath.FromSlash(r))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
}

func relAll(t *testing.T, root string, paths []string) []string {
	t.Helper()
	out := []string{}
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		require.NoError(t, err)
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func TestFiles_Reports(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"sale/17.0.1.0/upgrade_analysis.txt",
		"base/17.0.1.3/deep/er/upgrade_analysis.txt",
		"base/17.0.1.3/upgrade_analysis_work.txt",
		"base/16.0.1.3/upgrade_analysis.txt",
		"mail/170.1/upgrade_analysis.txt",
		"17.0.1.0/upgrade_analysis.txt",
		".git/17.0/upgrade_analysis.txt",
	)

	files, err := Files(root, ReportPattern(17))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"17.0.1.0/upgrade_analysis.txt",
		"base/17.0.1.3/deep/er/upgrade_analysis.txt",
		"sale/17.0.1.0/upgrade_analysis.txt",
	}, relAll(t, root, files))
}

func TestFiles_Scripts(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"sale/17.0.1.0/pre-migration.py",
		"sale/17.0.1.0/post-migration.py",
		"account/17.0.1.2/pre-migration.py",
		"pre-migration.py",
	)

	files, err := Files(root, ScriptPattern("pre-migration.py"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"account/17.0.1.2/pre-migration.py",
		"sale/17.0.1.0/pre-migration.py",
	}, relAll(t, root, files))
}

func TestFiles_Errors(t *testing.T) {
	_, err := Files(filepath.Join(t.TempDir(), "missing"), ReportPattern(17))
	assert.Error(t, err)

	_, err = Files(t.TempDir(), "[")
	assert.Error(t, err)
}
