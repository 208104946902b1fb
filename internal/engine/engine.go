package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dejo1307/oupgrade/internal/changes"
	"github.com/dejo1307/oupgrade/internal/config"
	"github.com/dejo1307/oupgrade/internal/discover"
	"github.com/dejo1307/oupgrade/internal/extractors/report"
	"github.com/dejo1307/oupgrade/internal/metrics"
	"github.com/dejo1307/oupgrade/internal/renderers"
	"github.com/dejo1307/oupgrade/internal/source"
)

// MetaFile is the run summary written next to the generated artifacts.
const MetaFile = "generate.meta.json"

// Engine orchestrates the per-version pipeline: sync -> parse -> generate.
type Engine struct {
	cfg       *config.Config
	fetcher   source.Provider
	sources   source.Dir
	renderers *renderers.Registry
	metrics   *metrics.Metrics
}

// New creates a new Engine. fetcher acquires source trees for Sync; m may be
// nil. Renderers must be registered after creation.
func New(cfg *config.Config, fetcher source.Provider, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		fetcher:   fetcher,
		sources:   source.Dir{Base: cfg.Sources.Dir},
		renderers: renderers.NewRegistry(),
		metrics:   m,
	}
}

// RegisterRenderer adds a renderer to the engine.
func (e *Engine) RegisterRenderer(rnd renderers.Renderer) {
	e.renderers.Register(rnd)
}

// Config returns the engine config.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Sync fetches the source tree of version and returns its root.
func (e *Engine) Sync(ctx context.Context, version string) (string, error) {
	version = config.NormalizeVersion(version)
	if e.fetcher == nil {
		return "", fmt.Errorf("no source provider configured")
	}
	start := time.Now()
	root, err := e.fetcher.Fetch(ctx, version)
	if err != nil {
		return "", fmt.Errorf("syncing %s: %w", version, err)
	}
	e.metrics.Synced(version, time.Since(start).Seconds())
	log.Printf("[engine] synced %s into %s in %s", version, root, time.Since(start).Round(time.Millisecond))
	return root, nil
}

// ParseResult summarizes one parse run.
type ParseResult struct {
	Version  string   `json:"version"`
	Store    string   `json:"store"`
	Reports  []string `json:"reports"`
	Records  int      `json:"records"`
	Duration string   `json:"duration"`
}

// Parse discovers every analysis report of version, parses them and replaces
// the version's change store with the result. Re-running on unchanged input
// leaves an identical store.
func (e *Engine) Parse(ctx context.Context, version string) (*ParseResult, error) {
	start := time.Now()
	version = config.NormalizeVersion(version)
	major, err := config.Major(version)
	if err != nil {
		return nil, err
	}

	root, err := e.sources.Fetch(ctx, version)
	if err != nil {
		if errors.Is(err, source.ErrSourceNotFound) {
			log.Printf("[engine] no source tree for %s; run 'oupgrade sync --versions %s' first", version, version)
		}
		return nil, err
	}

	files, err := discover.Files(root, discover.ReportPattern(major))
	if err != nil {
		return nil, err
	}
	log.Printf("[engine] found %d analysis reports for %s in %s", len(files), version, root)

	var all []changes.ChangeRecord
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := report.ParseFile(path)
		if err != nil {
			log.Printf("[engine] skipping %s: %v", path, err)
			continue
		}
		all = append(all, recs...)
	}

	store, err := changes.Create(e.cfg.StorePath(version))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	n, err := store.Replace(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("storing changes for %s: %w", version, err)
	}
	e.metrics.Parsed(version, len(files), n)

	res := &ParseResult{
		Version:  version,
		Store:    store.Path(),
		Reports:  relPaths(root, files),
		Records:  n,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	log.Printf("[engine] stored %s change records for %s (%s parsed lines) in %s",
		humanize.Comma(int64(n)), version, humanize.Comma(int64(len(all))), res.Duration)
	return res, nil
}

// RunMeta describes one generate run.
type RunMeta struct {
	Version     string               `json:"version"`
	GeneratedAt string               `json:"generated_at"`
	Duration    string               `json:"duration"`
	Renderers   []string             `json:"renderers"`
	Artifacts   []renderers.Artifact `json:"artifacts"`
}

// Generate runs every registered renderer for version and writes the
// artifacts below the version's output directory. A missing store or source
// tree is logged by the renderers and yields fewer artifacts, not an error.
func (e *Engine) Generate(ctx context.Context, version string) (*RunMeta, error) {
	start := time.Now()
	version = config.NormalizeVersion(version)

	store, err := changes.Open(e.cfg.StorePath(version))
	switch {
	case errors.Is(err, changes.ErrStoreNotFound):
		store = nil
	case err != nil:
		return nil, err
	default:
		defer store.Close()
	}

	in := &renderers.Input{
		Version:   version,
		Store:     store,
		SourceDir: e.cfg.SourceDir(version),
	}

	meta := &RunMeta{Version: version, Renderers: []string{}, Artifacts: []renderers.Artifact{}}
	for _, rnd := range e.renderers.All() {
		log.Printf("[engine] running renderer: %s", rnd.Name())
		artifacts, err := rnd.Render(ctx, in)
		if err != nil {
			log.Printf("[engine] renderer %s error: %v", rnd.Name(), err)
			continue
		}
		meta.Artifacts = append(meta.Artifacts, artifacts...)
		meta.Renderers = append(meta.Renderers, rnd.Name())
		e.metrics.Artifacts(rnd.Name(), len(artifacts))
	}

	outDir := e.cfg.OutputDir(version)
	if err := WriteArtifacts(outDir, meta.Artifacts); err != nil {
		return nil, err
	}

	meta.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	meta.Duration = time.Since(start).Round(time.Millisecond).String()
	if err := writeMeta(outDir, meta); err != nil {
		return nil, err
	}
	log.Printf("[engine] produced %d artifacts for %s using %d renderers in %s",
		len(meta.Artifacts), version, len(meta.Renderers), meta.Duration)
	return meta, nil
}

// WriteArtifacts writes artifacts below outDir, creating subdirectories as
// needed. Artifact names must stay inside outDir.
func WriteArtifacts(outDir string, artifacts []renderers.Artifact) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	for _, a := range artifacts {
		path := filepath.Join(outDir, a.Name)
		if !strings.HasPrefix(path, filepath.Clean(outDir)+string(filepath.Separator)) {
			return fmt.Errorf("artifact %q escapes %s", a.Name, outDir)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating dir for %s: %w", a.Name, err)
		}
		if err := os.WriteFile(path, a.Content, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", a.Name, err)
		}
		log.Printf("[engine] wrote %s (%s, %d entries)", path, humanize.Bytes(uint64(len(a.Content))), a.Entries)
	}
	return nil
}

func writeMeta(outDir string, meta *RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	path := filepath.Join(outDir, MetaFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", MetaFile, err)
	}
	return nil
}

func relPaths(root string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if rel, err := filepath.Rel(root, p); err == nil {
			p = filepath.ToSlash(rel)
		}
		out = append(out, p)
	}
	return out
}
