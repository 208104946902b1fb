package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dejo1307/oupgrade/internal/engine"
	"github.com/dejo1307/oupgrade/internal/metrics"
	"github.com/dejo1307/oupgrade/internal/renderers/migration"
	"github.com/dejo1307/oupgrade/internal/source"
)

// newEngine builds an engine with the git source provider and the migration
// renderers registered.
func (a *app) newEngine(quiet bool) *engine.Engine {
	cfg := a.cfg
	git := source.NewGit(cfg.Repo.URL, cfg.Repo.Path, cfg.Sources.Dir, cfg.Sync.Retries)
	if !quiet {
		git.Progress = os.Stderr
	}

	m := metrics.New()
	eng := engine.New(cfg, git, m)
	for _, r := range migration.All(m) {
		eng.RegisterRenderer(r)
	}
	return eng
}

func (a *app) syncCmd() *cobra.Command {
	var (
		versions []string
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the migration sources of each version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vs, err := a.resolveVersions(versions)
			if err != nil {
				return err
			}
			if err := a.cfg.EnsureDirs(); err != nil {
				return err
			}
			eng := a.newEngine(quiet)
			return forEachVersion(cmd.Context(), "sync", vs, func(ctx context.Context, v string) error {
				_, err := eng.Sync(ctx, v)
				return err
			})
		},
	}
	versionsFlag(cmd, &versions)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress git fetch progress")
	return cmd
}

func (a *app) parseCmd() *cobra.Command {
	var versions []string
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse the analysis reports of each version into its change store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vs, err := a.resolveVersions(versions)
			if err != nil {
				return err
			}
			if err := a.cfg.EnsureDirs(); err != nil {
				return err
			}
			eng := a.newEngine(true)
			return forEachVersion(cmd.Context(), "parse", vs, func(ctx context.Context, v string) error {
				res, err := eng.Parse(ctx, v)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s records from %d reports -> %s\n",
					res.Version, humanize.Comma(int64(res.Records)), len(res.Reports), res.Store)
				return nil
			})
		},
	}
	versionsFlag(cmd, &versions)
	return cmd
}

func (a *app) generateCmd() *cobra.Command {
	var versions []string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the removed and renamed model/field artifacts of each version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vs, err := a.resolveVersions(versions)
			if err != nil {
				return err
			}
			eng := a.newEngine(true)
			return forEachVersion(cmd.Context(), "generate", vs, func(ctx context.Context, v string) error {
				meta, err := eng.Generate(ctx, v)
				if err != nil {
					return err
				}
				printRunMeta(cmd, a.cfg.OutputDir(v), meta)
				return nil
			})
		},
	}
	versionsFlag(cmd, &versions)
	return cmd
}

// runCmd chains sync, parse and generate per version.
func (a *app) runCmd() *cobra.Command {
	var (
		versions []string
		skipSync bool
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync, parse and generate each version in turn",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vs, err := a.resolveVersions(versions)
			if err != nil {
				return err
			}
			if err := a.cfg.EnsureDirs(); err != nil {
				return err
			}
			eng := a.newEngine(quiet)
			return forEachVersion(cmd.Context(), "run", vs, func(ctx context.Context, v string) error {
				if !skipSync {
					if _, err := eng.Sync(ctx, v); err != nil {
						return err
					}
				}
				if _, err := eng.Parse(ctx, v); err != nil {
					return err
				}
				meta, err := eng.Generate(ctx, v)
				if err != nil {
					return err
				}
				printRunMeta(cmd, a.cfg.OutputDir(v), meta)
				return nil
			})
		},
	}
	versionsFlag(cmd, &versions)
	cmd.Flags().BoolVar(&skipSync, "skip-sync", false, "reuse the already extracted sources")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress git fetch progress")
	return cmd
}

func printRunMeta(cmd *cobra.Command, outDir string, meta *engine.RunMeta) {
	log.Printf("[main] %s: %d artifacts in %s", meta.Version, len(meta.Artifacts), meta.Duration)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s -> %s\n", meta.Version, outDir)
	for _, art := range meta.Artifacts {
		fmt.Fprintf(out, "  %s (%s entries)\n", art.Name, humanize.Comma(int64(art.Entries)))
	}
}
