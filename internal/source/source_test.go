package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir_Fetch(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "17.0"), 0o755))
	d := Dir{Base: base}

	got, err := d.Fetch(context.Background(), "17")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "17.0"), got)

	_, err = d.Fetch(context.Background(), "16.0")
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestExtract_ScriptsLayout(t *testing.T) {
	tree := commitTree(t, map[string]string{
		"openupgrade_scripts/scripts/sale/17.0.1.0/pre-migration.py":          "pass\n",
		"openupgrade_scripts/scripts/sale/17.0.1.0/upgrade_analysis.txt":      "---Models in module 'sale'---\n",
		"openupgrade_scripts/scripts/base/17.0.1.3/upgrade_analysis_work.txt": "x\n",
		"openupgrade_scripts/apriori.py":                                      "renamed_modules = {}\n",
		"README.md":                                                           "readme\n",
	})
	dest := filepath.Join(t.TempDir(), "17.0")
	// Stale content is replaced.
	writeFile(t, dest, "stale/old.txt", "gone")

	n, err := Extract(tree, 17, dest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, "pass\n", readFile(t, dest, "sale/17.0.1.0/pre-migration.py"))
	assert.FileExists(t, filepath.Join(dest, "sale", "17.0.1.0", "upgrade_analysis.txt"))
	assert.FileExists(t, filepath.Join(dest, "base", "17.0.1.3", "upgrade_analysis_work.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "apriori.py"))
	assert.NoDirExists(t, filepath.Join(dest, "stale"))
}

func TestExtract_LegacyLayout(t *testing.T) {
	tree := commitTree(t, map[string]string{
		"addons/sale/migrations/13.0.1.1/pre-migration.py":         "pass\n",
		"addons/sale/migrations/13.0.1.1/openupgrade_analysis.txt": "a\n",
		"addons/sale/models/sale.py":                               "class X: pass\n",
		"odoo/addons/base/migrations/13.0.1.3/pre-migration.py":    "pass\n",
	})
	dest := filepath.Join(t.TempDir(), "13.0")

	n, err := Extract(tree, 13, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "pass\n", readFile(t, dest, "sale/13.0.1.1/pre-migration.py"))
	assert.NoDirExists(t, filepath.Join(dest, "base"))
}

func TestExtract_NoScriptsDir(t *testing.T) {
	tree := commitTree(t, map[string]string{"README.md": "x\n"})
	dest := filepath.Join(t.TempDir(), "18.0")

	n, err := Extract(tree, 18, dest)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, dest)
}

func TestGit_OpenInitializesMirror(t *testing.T) {
	g := NewGit("https://example.invalid/OpenUpgrade.git", filepath.Join(t.TempDir(), "mirror"), t.TempDir(), 0)

	repo, err := g.open()
	require.NoError(t, err)
	remote, err := repo.Remote(remoteName)
	require.NoError(t, err)
	assert.Equal(t, []string{g.URL}, remote.Config().URLs)

	// Reopening keeps the existing remote.
	_, err = g.open()
	require.NoError(t, err)
}

func TestGit_FetchCanceled(t *testing.T) {
	g := NewGit("https://example.invalid/OpenUpgrade.git", filepath.Join(t.TempDir(), "mirror"), t.TempDir(), 2)
	g.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Fetch(ctx, "17.0")
	require.Error(t, err)
}

// --- helpers ---

// commitTree commits files into a fresh repository and returns the tree.
func commitTree(t *testing.T, files map[string]string) *object.Tree {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)

	for rel, content := range files {
		writeFile(t, dir, rel, content)
		_, err := w.Add(rel)
		require.NoError(t, err)
	}
	hash, err := w.Commit("import", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	commit, err := repo.CommitObject(hash)
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)
	return tree
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}
