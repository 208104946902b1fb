// Package apriori imports and serves the module rename and merge tables that
// upstream publishes per version in apriori.py, optionally overlaid with an
// internal CSV of retired and relocated modules.
//
// apriori.py is never executed: its renamed_modules and merged_modules
// literals are read statically.
package apriori

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dejo1307/oupgrade/internal/config"
	"github.com/dejo1307/oupgrade/internal/extractors/script"
)

// ErrUnsupportedVersion is returned by URLFor for versions without apriori.py.
var ErrUnsupportedVersion = errors.New("version has no apriori table")

// URLFor returns the raw apriori.py location of a version. Branches up to
// 13.0 keep it inside openupgrade_records; later ones in openupgrade_scripts.
func URLFor(version string) (string, error) {
	version = config.NormalizeVersion(version)
	major, err := config.Major(version)
	if err != nil {
		return "", err
	}
	switch {
	case major <= 9:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	case major <= 13:
		return fmt.Sprintf("https://github.com/OCA/OpenUpgrade/raw/refs/heads/%s/odoo/addons/openupgrade_records/lib/apriori.py", version), nil
	}
	return fmt.Sprintf("https://github.com/oca/OpenUpgrade/raw/refs/heads/%s/openupgrade_scripts/apriori.py", version), nil
}

// Tables are the reference entries of one version.
type Tables struct {
	Version        string               `json:"version"`
	RenamedModules map[string]string    `json:"renamed_modules,omitempty"` // old -> new
	MergedModules  map[string]string    `json:"merged_modules,omitempty"`  // from -> to
	NotNeeded      map[string]NotNeeded `json:"not_needed,omitempty"`
	MovedModules   map[string]string    `json:"moved_modules,omitempty"` // module -> detail
}

// ModuleHistory is the reverse view of one module across versions.
type ModuleHistory struct {
	Module         string            `json:"module"`
	RenamedModules map[string]string `json:"renamed_modules,omitempty"` // version -> new name
	MergedModules  map[string]string `json:"merged_modules,omitempty"`  // version -> target
	NotNeeded      map[string]string `json:"not_needed,omitempty"`      // version -> "odoo"
	MovedModules   map[string]string `json:"moved_modules,omitempty"`   // version -> detail
}

func checkTable(table string) error {
	if _, ok := tableColumns[table]; table != "" && !ok {
		return fmt.Errorf("unknown table %q (want %s or %s)", table, TableRenamed, TableMerged)
	}
	return nil
}

// ForVersion returns the tables of version. A non-empty table restricts the
// result to renamed_modules or merged_modules. overlay may be nil.
func (s *Store) ForVersion(ctx context.Context, version, table string, overlay *Overlay) (*Tables, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	version = config.NormalizeVersion(version)
	t := &Tables{Version: version}

	var err error
	if table == "" || table == TableRenamed {
		if t.RenamedModules, err = s.pairs(ctx, TableRenamed, "old_name", "new_name", "version", version); err != nil {
			return nil, err
		}
	}
	if table == "" || table == TableMerged {
		if t.MergedModules, err = s.pairs(ctx, TableMerged, "from_name", "to_name", "version", version); err != nil {
			return nil, err
		}
	}
	overlay.applyVersion(t)
	return t, nil
}

// ForModule returns every version in which module was renamed or merged.
func (s *Store) ForModule(ctx context.Context, module, table string, overlay *Overlay) (*ModuleHistory, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	h := &ModuleHistory{Module: module}

	var err error
	if table == "" || table == TableRenamed {
		if h.RenamedModules, err = s.pairs(ctx, TableRenamed, "version", "new_name", "old_name", module); err != nil {
			return nil, err
		}
	}
	if table == "" || table == TableMerged {
		if h.MergedModules, err = s.pairs(ctx, TableMerged, "version", "to_name", "from_name", module); err != nil {
			return nil, err
		}
	}
	overlay.applyModule(h)
	return h, nil
}

// Importer rebuilds the store from upstream.
type Importer struct {
	Fetcher Fetcher
	Store   *Store
}

// ImportResult counts imported entries per version.
type ImportResult struct {
	Version string `json:"version"`
	Renamed int    `json:"renamed"`
	Merged  int    `json:"merged"`
}

// Import clears the store and loads the tables of every supported version.
// Unsupported versions are skipped; a failed download or unparsable table
// aborts the import.
func (im *Importer) Import(ctx context.Context, versions []string) ([]ImportResult, error) {
	if err := im.Store.Clear(ctx); err != nil {
		return nil, err
	}

	var results []ImportResult
	for _, v := range versions {
		v = config.NormalizeVersion(v)
		url, err := URLFor(v)
		if errors.Is(err, ErrUnsupportedVersion) {
			log.Printf("[apriori] skipping %s: %v", v, err)
			continue
		}
		if err != nil {
			return results, err
		}

		body, err := im.Fetcher.Get(ctx, url)
		if err != nil {
			return results, fmt.Errorf("downloading apriori for %s: %w", v, err)
		}
		dicts, err := script.Dicts(body)
		if err != nil {
			return results, fmt.Errorf("reading apriori for %s: %w", v, err)
		}

		renamed, merged := dicts[TableRenamed], dicts[TableMerged]
		if err := im.Store.Put(ctx, v, renamed, merged); err != nil {
			return results, err
		}
		log.Printf("[apriori] %s: %d renamed, %d merged modules", v, len(renamed), len(merged))
		results = append(results, ImportResult{Version: v, Renamed: len(renamed), Merged: len(merged)})
	}
	return results, nil
}

// Download saves the resource at url to path.
func (im *Importer) Download(ctx context.Context, url, path string) error {
	body, err := im.Fetcher.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	log.Printf("[apriori] saved %s (%d bytes)", path, len(body))
	return nil
}
