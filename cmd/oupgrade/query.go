package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dejo1307/oupgrade/internal/changes"
	"github.com/dejo1307/oupgrade/internal/config"
)

func (a *app) queryCmd() *cobra.Command {
	var (
		version  string
		opts     changes.QueryOpts
		category string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the change store of one version",
		Example: `  oupgrade query --version 17.0 --module sale
  oupgrade query --version 17 --model res.partner --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			version = config.NormalizeVersion(version)
			if !config.ValidVersion(version) {
				return fmt.Errorf("invalid version %q", version)
			}
			opts.Category = changes.Category(category)

			store, err := changes.Open(a.cfg.StorePath(version))
			if err != nil {
				return fmt.Errorf("%w; run 'oupgrade parse --versions %s' first", err, version)
			}
			defer store.Close()

			recs, err := store.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			writeChangesTable(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "target version (required)")
	cmd.Flags().StringVar(&opts.Module, "module", "", "filter by module")
	cmd.Flags().StringVar(&opts.Model, "model", "", "filter by model or XML record model")
	cmd.Flags().StringVar(&opts.VersionPrefix, "minor", "", "filter by module version prefix, e.g. 17.0.1")
	cmd.Flags().StringVar(&category, "category", "", "filter by category: MODEL, FIELD or XML_RECORD")
	cmd.Flags().StringVar(&opts.ChangeType, "type", "", "filter by change type, e.g. DEL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

// writeChangesTable renders recs as a borderless table.
func writeChangesTable(w io.Writer, recs []changes.ChangeRecord) {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	tbl.AppendHeader(table.Row{"Version", "Module", "Category", "Type", "Model", "Field / XML ID", "Detail"})
	for _, r := range recs {
		model := changes.Deref(r.ModelName)
		target := changes.Deref(r.FieldName)
		detail := changes.Deref(r.Description)
		if r.Category == changes.CategoryXMLRecord {
			model = changes.Deref(r.RecordModel)
			target = changes.Deref(r.XMLID)
		}
		if info := r.Detail(changes.DetailRenameInfo); info != "" {
			detail = info
		}
		tbl.AppendRow(table.Row{r.Version, r.Module, string(r.Category), r.ChangeType, model, target, detail})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d items", len(recs))})

	fmt.Fprintln(w, tbl.Render())
}
