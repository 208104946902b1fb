package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/dejo1307/oupgrade/internal/apriori"
	"github.com/dejo1307/oupgrade/internal/config"
)

func (a *app) aprioriCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apriori",
		Short: "Import and look up module rename and merge tables",
	}
	cmd.AddCommand(a.aprioriImportCmd(), a.aprioriLookupCmd())
	return cmd
}

func (a *app) aprioriImportCmd() *cobra.Command {
	var versions []string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Download apriori.py of each version and rebuild the reference store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vs := versions
			if len(vs) == 0 {
				vs = a.cfg.Apriori.Versions
			}
			if len(vs) == 0 {
				return errors.New("no versions given")
			}
			if err := a.cfg.EnsureDirs(); err != nil {
				return err
			}

			store, err := apriori.Create(a.cfg.AprioriPath())
			if err != nil {
				return err
			}
			defer store.Close()

			im := &apriori.Importer{Fetcher: apriori.CollyFetcher{}, Store: store}
			results, err := im.Import(cmd.Context(), vs)
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d renamed, %d merged\n", r.Version, r.Renamed, r.Merged)
			}
			if err != nil {
				return err
			}

			if a.cfg.Apriori.CSVURL != "" && a.cfg.Apriori.CSVPath != "" {
				if err := im.Download(cmd.Context(), a.cfg.Apriori.CSVURL, a.cfg.Apriori.CSVPath); err != nil {
					return err
				}
			} else {
				log.Printf("[main] no apriori csv_url/csv_path configured; overlay not refreshed")
			}
			return nil
		},
	}
	versionsFlag(cmd, &versions)
	return cmd
}

func (a *app) aprioriLookupCmd() *cobra.Command {
	var version, module, tableName string
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show renames and merges of a version, or the history of a module",
		Example: `  oupgrade apriori lookup --version 17.0
  oupgrade apriori lookup --module website_sale_stock --table merged_modules`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (version == "") == (module == "") {
				return errors.New("exactly one of --version or --module is required")
			}
			overlay, err := apriori.LoadOverlay(a.cfg.Apriori.CSVPath)
			if err != nil {
				return err
			}
			store, err := apriori.Open(a.cfg.AprioriPath())
			if err != nil {
				return err
			}
			defer store.Close()

			var result any
			if version != "" {
				version = config.NormalizeVersion(version)
				if !config.ValidVersion(version) {
					return fmt.Errorf("invalid version %q", version)
				}
				result, err = store.ForVersion(cmd.Context(), version, tableName, overlay)
			} else {
				result, err = store.ForModule(cmd.Context(), module, tableName, overlay)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version to list")
	cmd.Flags().StringVar(&module, "module", "", "module to trace across versions")
	cmd.Flags().StringVar(&tableName, "table", "", "restrict to renamed_modules or merged_modules")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
