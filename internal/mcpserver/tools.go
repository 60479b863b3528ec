package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drasi-project/mcp-reaction/internal/store"
)

// toolInputSchema is identical for every query tool: an optional filter
// object and an optional positive result limit.
var toolInputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "filter": {
      "type": "object",
      "description": "Equality filter applied to each result row, case-insensitive on value comparison."
    },
    "limit": {
      "type": "integer",
      "minimum": 1,
      "description": "Maximum number of results to return."
    }
  },
  "additionalProperties": false
}`)

// toolName returns the MCP tool name for a query: get_{queryId}_results.
func toolName(queryID string) string {
	return fmt.Sprintf("get_%s_results", queryID)
}

// queryIDFromToolName reverses toolName, for dispatching tools/call.
func queryIDFromToolName(name string) (string, bool) {
	const prefix, suffix = "get_", "_results"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	return name[len(prefix) : len(name)-len(suffix)], true
}

func toolDefinitionFor(meta store.QueryMetadata) ToolDefinition {
	desc := meta.Description
	if desc == "" {
		desc = fmt.Sprintf("Return materialised results for query %q", meta.QueryID)
	}
	return ToolDefinition{
		Name:        toolName(meta.QueryID),
		Description: desc,
		InputSchema: toolInputSchema,
	}
}

type toolCallArgs struct {
	Filter map[string]any `json:"filter,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// toolResult is the JSON payload returned inside the single text content
// block of a tools/call response.
type toolResult struct {
	QueryID     string           `json:"queryId"`
	Description string           `json:"description,omitempty"`
	ResultCount int              `json:"resultCount"`
	TotalCount  int              `json:"totalCount"`
	Results     []map[string]any `json:"results"`
}

// runQueryTool implements get_{queryId}_results: enumerate entries,
// case-insensitively equality-filter, then truncate to limit. totalCount
// always reflects the pre-filter, pre-limit size.
func runQueryTool(st *store.Store, queryID string, args toolCallArgs) (*ToolsCallResult, error) {
	rows, err := st.ListQueryEntryRows(queryID)
	if err != nil {
		return nil, err
	}

	meta, _ := st.GetQueryMetadata(queryID)

	results := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		results = append(results, row.Data)
	}
	totalCount := len(results)

	if len(args.Filter) > 0 {
		filtered := make([]map[string]any, 0, len(results))
		for _, row := range results {
			if rowMatchesFilter(row, args.Filter) {
				filtered = append(filtered, row)
			}
		}
		results = filtered
	}

	if args.Limit > 0 && len(results) > args.Limit {
		results = results[:args.Limit]
	}

	return JSONResult(toolResult{
		QueryID:     queryID,
		Description: meta.Description,
		ResultCount: len(results),
		TotalCount:  totalCount,
		Results:     results,
	})
}

func rowMatchesFilter(row map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok {
			return false
		}
		if !strings.EqualFold(store.Stringify(want), store.Stringify(got)) {
			return false
		}
	}
	return true
}
