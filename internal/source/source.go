// Package source acquires the per-version tree of analysis reports and
// pre-migration snippets that parsing and rendering read from.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrSourceNotFound is returned when no source tree exists for a version.
var ErrSourceNotFound = errors.New("source tree not found")

// Provider makes the source tree of a version available on disk.
type Provider interface {
	// Fetch returns the root directory of the version's source tree.
	Fetch(ctx context.Context, version string) (string, error)
}

// Dir serves already-extracted trees below Base, one directory per version.
type Dir struct {
	Base string
}

// Fetch returns <Base>/<version>, or ErrSourceNotFound.
func (d Dir) Fetch(_ context.Context, version string) (string, error) {
	root := versionDir(d.Base, version)
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, root)
		}
		return "", fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, root)
	}
	return root, nil
}
