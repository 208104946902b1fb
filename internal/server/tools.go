package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/oupgrade/internal/changes"
)

// queryChangesArgs are the arguments for the query_changes tool.
type queryChangesArgs struct {
	Version      string `json:"version" jsonschema:"Target major version, e.g. 17.0"`
	Module       string `json:"module,omitempty" jsonschema:"Filter by module name"`
	Model        string `json:"model,omitempty" jsonschema:"Filter by model name or XML record model"`
	MinorVersion string `json:"minor_version,omitempty" jsonschema:"Filter by module version prefix, e.g. 17.0.1"`
	Category     string `json:"category,omitempty" jsonschema:"Filter by category: MODEL, FIELD or XML_RECORD"`
	ChangeType   string `json:"change_type,omitempty" jsonschema:"Filter by change type: NEW, DEL, MODIFIED, OBSOLETE or RENAMED"`
	Limit        int    `json:"limit,omitempty" jsonschema:"Maximum number of records to return (default 200)"`
}

// upgradeInfoArgs are the arguments for the upgrade_info tool.
type upgradeInfoArgs struct {
	Version string `json:"version,omitempty" jsonschema:"Restrict to one major version"`
}

// aprioriLookupArgs are the arguments for the apriori_lookup tool.
type aprioriLookupArgs struct {
	Version string `json:"version,omitempty" jsonschema:"List renamed and merged modules of this version"`
	Module  string `json:"module,omitempty" jsonschema:"List every version in which this module was renamed or merged"`
	Table   string `json:"table,omitempty" jsonschema:"Restrict to renamed_modules or merged_modules"`
}

const defaultQueryLimit = 200

// registerTools adds MCP tools for querying the change stores.
func (s *Server) registerTools() {
	// Tool: query_changes
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "query_changes",
		Description: "Query upgrade changes (models, fields and XML records) recorded for a target version. Returns matching change records as JSON, newest module version first.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args queryChangesArgs) (*mcp.CallToolResult, any, error) {
		if args.Version == "" {
			return errorResult("version is required"), nil, nil
		}
		recs, err := s.queryChanges(ctx, args.Version, changes.QueryOpts{
			Module:        args.Module,
			Model:         args.Model,
			VersionPrefix: args.MinorVersion,
			Category:      changes.Category(args.Category),
			ChangeType:    args.ChangeType,
		})
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}

		limit := args.Limit
		if limit <= 0 {
			limit = defaultQueryLimit
		}
		total := len(recs)
		if total > limit {
			recs = recs[:limit]
		}
		return jsonResult(fmt.Sprintf("%d of %d matching changes", len(recs), total), recs)
	})

	// Tool: upgrade_info
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "upgrade_info",
		Description: "Summarize, per available version, the modules with recorded changes and the models each one touches.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args upgradeInfoArgs) (*mcp.CallToolResult, any, error) {
		info, err := s.upgradeInfo(ctx, args.Version)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		if len(info) == 0 {
			return errorResult("No change stores available. Run 'oupgrade parse' first."), nil, nil
		}
		return jsonResult(fmt.Sprintf("%d versions", len(info)), info)
	})

	// Tool: apriori_lookup
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "apriori_lookup",
		Description: "Look up module renames and merges, either for a version or across versions for one module.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args aprioriLookupArgs) (*mcp.CallToolResult, any, error) {
		result, err := s.aprioriLookup(ctx, args.Version, args.Module, args.Table)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		return jsonResult("apriori", result)
	})
}

func jsonResult(summary string, v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal results: %v", err)), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary + "\n\n" + string(data)},
		},
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
