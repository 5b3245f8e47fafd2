package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/orchestrator"
)

// mcpSessionKey identifies the shared session used by MCP clients that do
// not supply their own external key.
const mcpSessionKey = "mcp"

// NewMCPServer creates an MCP server exposing the orchestrator's operations.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"scrape-orchestrator",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("Web data extraction: submit requests, poll job status, analyze page structure, inspect learned patterns."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_extraction",
			mcp.WithDescription("Submit a natural-language extraction request. Returns the classified intent and the queued job."),
			mcp.WithString("text", mcp.Description("What to extract, including the target URL or search terms"), mcp.Required()),
			mcp.WithString("session_key", mcp.Description("Client session key; requests sharing a key share learned context")),
		),
		mcpSubmitExtraction(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Get the current status, progress, and event history of a job."),
			mcp.WithString("job_id", mcp.Description("Job ID returned by submit_extraction or analyze_page"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_page",
			mcp.WithDescription("Fetch a page and detect its repeating structure, returning schemas and extraction rules."),
			mcp.WithString("url", mcp.Description("Absolute URL of the page to analyze"), mcp.Required()),
		),
		mcpAnalyzePage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tools",
			mcp.WithDescription("List the registered extraction tools with their capabilities, served job types, and example inputs."),
		),
		mcpListTools(deps),
	)

	s.AddTool(
		mcp.NewTool("list_patterns",
			mcp.WithDescription("List learned request patterns, optionally filtered by context tag."),
			mcp.WithString("tag", mcp.Description("Context tag filter")),
		),
		mcpListPatterns(deps),
	)

	return s
}

func mcpSubmitExtraction(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		key := req.GetString("session_key", mcpSessionKey)

		dec, err := deps.Orch.Handle(ctx, orchestrator.Request{
			ExternalKey: key,
			Text:        text,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("request failed: %v", err)), nil
		}

		resp := SubmitResponse{
			SessionID:          dec.Session.ID,
			PrimaryIntent:      dec.Intent.PrimaryIntent,
			Confidence:         dec.Intent.Confidence,
			NeedsClarification: dec.Intent.NeedsClarification,
			Reasoning:          dec.Intent.Reasoning,
			Job:                dec.Job,
		}
		if dec.Selection != nil {
			resp.Strategy = string(dec.Selection.Strategy)
			resp.Tool = dec.Selection.PrimaryTool
		}
		if dec.Match != nil {
			resp.PatternID = dec.Match.Pattern.ID
		}
		return mcpJSON(resp)
	}
}

func mcpJobStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		status, err := deps.Orch.JobStatus(ctx, jobID)
		if err != nil {
			return mcpError(fmt.Sprintf("job not found: %s", jobID)), nil
		}
		return mcpJSON(status)
	}
}

func mcpAnalyzePage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		sess, err := deps.Sessions.GetOrCreate(ctx, mcpSessionKey, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("session unavailable: %v", err)), nil
		}
		job, err := deps.Sched.Submit(ctx, sess.ID, model.JobTypeAnalyze, url, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpListTools(deps Deps) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Registry.Describe())
	}
}

func mcpListPatterns(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		patterns, err := deps.Orch.ListPatterns(ctx, req.GetString("tag", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return mcpJSON(patterns)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
