package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentic-research/tracemerge/api"
	"github.com/agentic-research/tracemerge/internal/trace"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve merge tools to agents over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }() // flush errors are logged by the flusher
		return server.ServeStdio(e.mcpServer())
	},
}

func (e *engine) mcpServer() *server.MCPServer {
	s := server.NewMCPServer("tracemerge", "0.1.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("merge_trace",
		mcp.WithDescription("Merge a GPS trace into the road map. Returns the run counters."),
		mcp.WithString("geojson", mcp.Required(),
			mcp.Description("GeoJSON LineString, Feature or FeatureCollection, coordinates as [lon, lat]")),
		mcp.WithString("id", mcp.Description("Trace id; generated when empty")),
	), e.toolMergeTrace)

	s.AddTool(mcp.NewTool("map_stats",
		mcp.WithDescription("Count tiles, nodes, edges and crossings of the map"),
	), e.toolMapStats)

	s.AddTool(mcp.NewTool("list_protocols",
		mcp.WithDescription("List recent merge runs, newest first"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	), e.toolListProtocols)
	return s
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (e *engine) toolMergeTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("geojson")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("id", "")
	if id == "" {
		id = uuid.NewString()
	}
	traces, err := trace.ParseGeoJSON(id, []byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]api.MergeResponse, 0, len(traces))
	for _, tr := range traces {
		res, err := e.merger.Merge(ctx, tr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trace %s: %v", tr.ID, err)), nil
		}
		out = append(out, res.Response())
	}
	return toolJSON(out)
}

func (e *engine) toolMapStats(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := e.store.Stats()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolJSON(statsOf(st))
}

func (e *engine) toolListProtocols(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if e.proto == nil {
		return mcp.NewToolResultError("protocol recording is off; start with --protocol"), nil
	}
	runs, err := e.proto.List(req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolJSON(runs)
}
