package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/dejo1307/oupgrade/internal/config"
)

const (
	remoteName = "origin"

	// scriptsDir holds <module>/<version>/ folders on branches 14.0 and later.
	scriptsDir = "openupgrade_scripts/scripts"

	// firstScriptsMajor is the first branch using scriptsDir.
	firstScriptsMajor = 14
)

// legacyMigration matches addons/<module>/migrations/<version>/<file> on
// branches before firstScriptsMajor.
var legacyMigration = regexp.MustCompile(`^addons/([^/]+)/migrations/([^/]+)/(.+)$`)

// Git fetches a version branch from the upstream repository into a local bare
// mirror and extracts its migration folders below DestBase.
type Git struct {
	URL      string
	RepoPath string // local bare mirror, created on first use
	DestBase string
	Retries  int
	Depth    int           // 0 fetches full history
	Backoff  time.Duration // wait before the first retry, doubled after each
	Progress io.Writer     // optional fetch progress sink
}

// NewGit creates a shallow fetching provider.
func NewGit(url, repoPath, destBase string, retries int) *Git {
	return &Git{
		URL:      url,
		RepoPath: repoPath,
		DestBase: destBase,
		Retries:  retries,
		Depth:    1,
		Backoff:  2 * time.Second,
	}
}

// Fetch shallow-fetches branch <version>, replaces <DestBase>/<version> with
// the branch's migration folders and returns that directory.
func (g *Git) Fetch(ctx context.Context, version string) (string, error) {
	version = config.NormalizeVersion(version)
	major, err := config.Major(version)
	if err != nil {
		return "", err
	}

	repo, err := g.open()
	if err != nil {
		return "", err
	}

	commit, err := g.fetchBranch(ctx, repo, version)
	if err != nil {
		return "", err
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", fmt.Errorf("reading tree of %s: %w", version, err)
	}

	dest := versionDir(g.DestBase, version)
	n, err := Extract(tree, major, dest)
	if err != nil {
		return "", err
	}
	log.Printf("[sync] extracted %d files for %s into %s", n, version, dest)
	return dest, nil
}

// open opens the local mirror, initializing it with the upstream remote when
// it does not exist yet.
func (g *Git) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(g.RepoPath)
	switch {
	case errors.Is(err, gogit.ErrRepositoryNotExists):
		log.Printf("[sync] initializing mirror at %s", g.RepoPath)
		if repo, err = gogit.PlainInit(g.RepoPath, true); err != nil {
			return nil, fmt.Errorf("initializing %s: %w", g.RepoPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("opening %s: %w", g.RepoPath, err)
	}

	if _, err := repo.Remote(remoteName); errors.Is(err, gogit.ErrRemoteNotFound) {
		if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
			Name: remoteName,
			URLs: []string{g.URL},
		}); err != nil {
			return nil, fmt.Errorf("adding remote %s: %w", g.URL, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading remote: %w", err)
	}
	return repo, nil
}

// fetchBranch fetches refs/heads/<branch> into refs/remotes/origin/<branch>,
// retrying transient failures, and returns the branch head commit.
func (g *Git) fetchBranch(ctx context.Context, repo *gogit.Repository, branch string) (*object.Commit, error) {
	spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remoteName, branch))
	opts := &gogit.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Depth:      g.Depth,
		Progress:   g.Progress,
		Force:      true,
	}

	backoff := g.Backoff
	var err error
	for attempt := 0; attempt <= g.Retries; attempt++ {
		if attempt > 0 {
			log.Printf("[sync] fetch of %s failed (%v), retrying in %s", branch, err, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		log.Printf("[sync] fetching branch %s from %s", branch, g.URL)
		err = repo.FetchContext(ctx, opts)
		if err == nil || errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			err = nil
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching branch %s: %w", branch, err)
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolving branch %s: %w", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", ref.Hash(), err)
	}
	return commit, nil
}

// Extract replaces dest with the migration folders of tree and returns the
// number of files written.
//
// From firstScriptsMajor on, the contents of openupgrade_scripts/scripts are
// copied as is. Older branches keep migrations inside each addon, and
// addons/<module>/migrations/<version>/... becomes <module>/<version>/....
func Extract(tree *object.Tree, major int, dest string) (int, error) {
	if err := os.RemoveAll(dest); err != nil {
		return 0, fmt.Errorf("clearing %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", dest, err)
	}

	var (
		files   *object.FileIter
		rewrite func(name string) (string, bool)
	)
	if major >= firstScriptsMajor {
		sub, err := tree.Tree(scriptsDir)
		if errors.Is(err, object.ErrDirectoryNotFound) {
			log.Printf("[sync] no %s in this branch", scriptsDir)
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", scriptsDir, err)
		}
		files = sub.Files()
		rewrite = func(name string) (string, bool) { return name, true }
	} else {
		files = tree.Files()
		rewrite = func(name string) (string, bool) {
			m := legacyMigration.FindStringSubmatch(name)
			if m == nil {
				return "", false
			}
			return m[1] + "/" + m[2] + "/" + m[3], true
		}
	}
	defer files.Close()

	var n int
	err := files.ForEach(func(f *object.File) error {
		if f.Mode == filemode.Symlink || f.Mode == filemode.Submodule {
			return nil
		}
		rel, ok := rewrite(f.Name)
		if !ok {
			return nil
		}
		if err := writeFile(dest, rel, f); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	if n == 0 {
		log.Printf("[sync] no migration files found for major version %d", major)
	}
	return n, nil
}

func writeFile(dest, rel string, f *object.File) error {
	path := filepath.Join(dest, filepath.FromSlash(rel))
	if !strings.HasPrefix(path, filepath.Clean(dest)+string(filepath.Separator)) {
		return fmt.Errorf("refusing to write %q outside %s", rel, dest)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", rel, err)
	}

	r, err := f.Reader()
	if err != nil {
		return fmt.Errorf("reading blob %s: %w", f.Name, err)
	}
	defer r.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return out.Close()
}

func versionDir(base, version string) string {
	return filepath.Join(base, config.NormalizeVersion(version))
}
