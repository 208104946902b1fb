// Package discover finds input files below a version source root.
package discover

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
)

// ReportPattern matches analysis reports of a major version, at any depth
// below a "<major>.*" directory.
func ReportPattern(major int) string {
	return fmt.Sprintf("**/%d.*/**upgrade_analysis.txt", major)
}

// ScriptPattern matches <module>/<version>/<name> snippets.
func ScriptPattern(name string) string {
	return "**/*/" + glob.QuoteMeta(name)
}

// Files walks root and returns the sorted absolute paths of regular files
// whose slash-separated path relative to root, with a leading "/", matches
// pattern. The leading "/" lets "**/" also match at the root.
func Files(root, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if g.Match("/" + filepath.ToSlash(rel)) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
