// Package migration renders the YAML-like artifacts consumed by the
// downstream migration tool: removed and renamed models and fields.
//
// The line formats are fixed by the consumer and written by hand rather than
// through a YAML encoder, whose quoting and flow style differ.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dejo1307/oupgrade/internal/changes"
	"github.com/dejo1307/oupgrade/internal/discover"
	"github.com/dejo1307/oupgrade/internal/extractors/script"
	"github.com/dejo1307/oupgrade/internal/metrics"
	"github.com/dejo1307/oupgrade/internal/renderers"
)

// Artifact names.
const (
	RemovedModelsFile = "removed_models.yaml"
	RemovedFieldsDir  = "removed_fields"
	RenamedModelsFile = "renamed_models.yaml"
	RenamedFieldsDir  = "renamed_fields"
)

// All returns the four migration renderers. m may be nil.
func All(m *metrics.Metrics) []renderers.Renderer {
	return []renderers.Renderer{
		RemovedModels{},
		RemovedFields{},
		RenamedModels{},
		NewRenamedFields(script.New(), m),
	}
}

func missingStore(name string, in *renderers.Input) bool {
	if in.Store != nil {
		return false
	}
	log.Printf("[%s] no change store for version %s; run 'oupgrade parse --versions %s' first",
		name, in.Version, in.Version)
	return true
}

// RemovedModels lists obsolete models.
type RemovedModels struct{}

func (RemovedModels) Name() string { return "removed_models" }

// Render writes one "- ['<model>', '']" line per distinct obsolete model.
func (r RemovedModels) Render(ctx context.Context, in *renderers.Input) ([]renderers.Artifact, error) {
	if missingStore(r.Name(), in) {
		return nil, nil
	}
	models, err := in.Store.ObsoleteModels(ctx)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, m := range models {
		fmt.Fprintf(&sb, "- ['%s', '']\n", m)
	}
	return []renderers.Artifact{{Name: RemovedModelsFile, Content: []byte(sb.String()), Entries: len(models)}}, nil
}

// RemovedFields lists deleted fields, one artifact per module.
type RemovedFields struct{}

func (RemovedFields) Name() string { return "removed_fields" }

// Render writes "- ['<model>', '<field>', '']" lines into <module>.yaml,
// sorted by model then field.
func (r RemovedFields) Render(ctx context.Context, in *renderers.Input) ([]renderers.Artifact, error) {
	if missingStore(r.Name(), in) {
		return nil, nil
	}
	refs, err := in.Store.DeletedFields(ctx)
	if err != nil {
		return nil, err
	}

	byModule := make(map[string][]changes.FieldRef)
	for _, f := range refs {
		byModule[f.Module] = append(byModule[f.Module], f)
	}

	var result []renderers.Artifact
	for _, module := range sortedKeys(byModule) {
		items := byModule[module]
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Model != items[j].Model {
				return items[i].Model < items[j].Model
			}
			return items[i].Field < items[j].Field
		})
		var sb strings.Builder
		for _, f := range items {
			fmt.Fprintf(&sb, "- ['%s', '%s', '']\n", f.Model, f.Field)
		}
		result = append(result, renderers.Artifact{
			Name:    filepath.Join(RemovedFieldsDir, module+".yaml"),
			Content: []byte(sb.String()),
			Entries: len(items),
		})
	}
	return result, nil
}

var (
	reRenamedTo   = regexp.MustCompile(`\brenamed\s+to\s+([\w\.]+)`)
	reRenamedFrom = regexp.MustCompile(`\brenamed\s+from\s+([\w\.]+)`)
)

// ErrAmbiguousRename flags an annotation naming both directions.
var ErrAmbiguousRename = errors.New("rename annotation has both 'renamed to' and 'renamed from'")

// ModelPair extracts the (old, new) pair from a model rename annotation.
// "renamed to X" makes model the old name; "renamed from X" makes it the new
// one. It returns false when neither phrase is present, and
// ErrAmbiguousRename when both are.
func ModelPair(model, info string) (changes.RenameModelPair, bool, error) {
	to := reRenamedTo.FindStringSubmatch(info)
	from := reRenamedFrom.FindStringSubmatch(info)
	switch {
	case to != nil && from != nil:
		return changes.RenameModelPair{}, false, fmt.Errorf("%w: %s (%s)", ErrAmbiguousRename, model, info)
	case to != nil:
		return changes.RenameModelPair{Old: model, New: to[1]}, true, nil
	case from != nil:
		return changes.RenameModelPair{Old: from[1], New: model}, true, nil
	}
	return changes.RenameModelPair{}, false, nil
}

// RenamedModels lists model renames from both annotation directions.
type RenamedModels struct{}

func (RenamedModels) Name() string { return "renamed_models" }

// Render writes one `- ["<old>", "<new>", None]` line per distinct pair,
// sorted by old then new name.
func (r RenamedModels) Render(ctx context.Context, in *renderers.Input) ([]renderers.Artifact, error) {
	if missingStore(r.Name(), in) {
		return nil, nil
	}
	infos, err := in.Store.ModelRenameInfos(ctx)
	if err != nil {
		return nil, err
	}

	pairs := make(map[changes.RenameModelPair]struct{})
	for _, ri := range infos {
		pair, ok, err := ModelPair(ri.Model, ri.Info)
		if err != nil {
			log.Printf("[%s] skipping: %v", r.Name(), err)
			continue
		}
		if ok {
			pairs[pair] = struct{}{}
		}
	}

	sorted := make([]changes.RenameModelPair, 0, len(pairs))
	for p := range pairs {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Old != sorted[j].Old {
			return sorted[i].Old < sorted[j].Old
		}
		return sorted[i].New < sorted[j].New
	})

	var sb strings.Builder
	for _, p := range sorted {
		fmt.Fprintf(&sb, "- [\"%s\", \"%s\", None]\n", p.Old, p.New)
	}
	return []renderers.Artifact{{Name: RenamedModelsFile, Content: []byte(sb.String()), Entries: len(sorted)}}, nil
}

// RenamedFields lists field renames declared in pre-migration snippets.
type RenamedFields struct {
	scanner *script.Scanner
	metrics *metrics.Metrics
}

// NewRenamedFields creates the renderer around a snippet scanner. m may be nil.
func NewRenamedFields(s *script.Scanner, m *metrics.Metrics) *RenamedFields {
	return &RenamedFields{scanner: s, metrics: m}
}

func (r *RenamedFields) Name() string { return "renamed_fields" }

// Render scans every <module>/<version>/pre-migration.py below the source
// root and writes "- ['<model>', '<old>', '<new>', '']" lines into
// <module>.yaml, sorted. Unreadable or unparsable snippets are logged and
// skipped.
func (r *RenamedFields) Render(ctx context.Context, in *renderers.Input) ([]renderers.Artifact, error) {
	if _, err := os.Stat(in.SourceDir); err != nil {
		log.Printf("[%s] source directory not found for version %s at %s; run 'oupgrade sync --versions %s' first",
			r.Name(), in.Version, in.SourceDir, in.Version)
		return nil, nil
	}

	files, err := discover.Files(in.SourceDir, discover.ScriptPattern(script.FileName))
	if err != nil {
		return nil, err
	}

	byModule := make(map[string][]changes.RenameTuple)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		module, ok := scriptModule(in.SourceDir, path)
		if !ok {
			continue
		}
		tuples, err := r.scanner.ScanFile(path)
		if err != nil {
			log.Printf("[%s] %v", r.Name(), err)
			r.metrics.ScriptError(errorKind(err))
			if errors.Is(err, script.ErrSyntax) {
				continue
			}
		}
		if len(tuples) > 0 {
			byModule[module] = append(byModule[module], tuples...)
		}
	}

	var result []renderers.Artifact
	for _, module := range sortedKeys(byModule) {
		entries := byModule[module]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Less(entries[j]) })
		var sb strings.Builder
		for _, t := range entries {
			fmt.Fprintf(&sb, "- ['%s', '%s', '%s', '']\n", t.Model, t.OldField, t.NewField)
		}
		result = append(result, renderers.Artifact{
			Name:    filepath.Join(RenamedFieldsDir, module+".yaml"),
			Content: []byte(sb.String()),
			Entries: len(entries),
		})
	}
	return result, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, script.ErrSyntax):
		return "syntax"
	case errors.Is(err, script.ErrUnsupportedShape):
		return "unsupported_shape"
	}
	return "read"
}

// scriptModule returns the grandparent directory name of a snippet, which
// must lie below root.
func scriptModule(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return "", false
	}
	return parts[len(parts)-3], true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
