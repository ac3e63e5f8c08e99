package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/ingest"
	"github.com/kalambet/erpflow/internal/storage"
	"github.com/kalambet/erpflow/internal/workflow"
)

// maxMCPWait bounds submit_workflow with wait=true.
const maxMCPWait = 10 * time.Minute

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Workflows Workflows
	Index     Index
	Graph     Graph
	Jobs      Jobs
}

// NewMCPServer creates an MCP server with the erpflow tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"erpflow",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("erpflow designs ERP customizations: submit a goal, then read the requirements, architecture and schema it produces."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_workflow",
			mcp.WithDescription("Start a design workflow for a business goal. Returns the workflow id, or the final status when wait is true."),
			mcp.WithString("goal", mcp.Description("Business goal in plain language"), mcp.Required()),
			mcp.WithString("template", mcp.Description("Optional workflow template name")),
			mcp.WithBoolean("wait", mcp.Description("Block until the workflow finishes")),
		),
		mcpSubmitWorkflow(deps),
	)

	s.AddTool(
		mcp.NewTool("workflow_status",
			mcp.WithDescription("Report a workflow's state and the outcome of each stage."),
			mcp.WithString("id", mcp.Description("Workflow id"), mcp.Required()),
		),
		mcpWorkflowStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_deliverables",
			mcp.WithDescription("Return the artifacts produced so far, keyed by artifact type."),
			mcp.WithString("id", mcp.Description("Workflow id"), mcp.Required()),
		),
		mcpGetDeliverables(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_workflow",
			mcp.WithDescription("Request cancellation of a running workflow."),
			mcp.WithString("id", mcp.Description("Workflow id"), mcp.Required()),
		),
		mcpCancelWorkflow(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantic search over indexed ERP documents and ingested notes."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("query_knowledge_graph",
			mcp.WithDescription("Walk the ERP relationship graph from an entity such as \"Customer::ACME\" or \"DocType::Sales Order\". Without start, returns graph statistics."),
			mcp.WithString("start", mcp.Description("Start entity id")),
			mcp.WithString("relation", mcp.Description("Only follow this relation (instance_of, links_to, has_child_table)")),
			mcp.WithNumber("hops", mcp.Description("Maximum hops (default 2, max 5)")),
		),
		mcpQueryGraph(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Queue a text for indexing so later workflows can use it as context."),
			mcp.WithString("content", mcp.Description("Text to index"), mcp.Required()),
			mcp.WithString("source_type", mcp.Description("Free-form source label (default mcp)")),
			mcp.WithString("entity_id", mcp.Description("Graph entity the text describes")),
		),
		mcpAddDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"erpflow://graph/stats",
			"Graph Statistics",
			mcp.WithResourceDescription("Node counts by type and edge counts by relation"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceGraphStats(deps),
	)

	return s
}

func mcpSubmitWorkflow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		goal, err := req.RequireString("goal")
		if err != nil {
			return mcpError("goal is required"), nil
		}
		opts := workflow.Options{Template: req.GetString("template", "")}

		id, err := deps.Workflows.Submit(ctx, goal, opts)
		if err != nil {
			if id != "" {
				return mcpError(fmt.Sprintf("workflow %s failed: %v", id, err)), nil
			}
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		if !req.GetBool("wait", false) {
			return mcpText(fmt.Sprintf("Workflow %s started", id)), nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, maxMCPWait)
		defer cancel()
		rep, err := deps.Workflows.Wait(waitCtx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("workflow %s still running: %v", id, err)), nil
		}
		return mcpJSON(rep)
	}
}

func mcpWorkflowStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		rep, err := deps.Workflows.Status(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(rep)
	}
}

func mcpGetDeliverables(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		out, err := deps.Workflows.Deliverables(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(out)
	}
}

func mcpCancelWorkflow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Workflows.Cancel(id); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Cancellation requested for %s", id)), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.Index.Query(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type hitResult struct {
			ID         string  `json:"id"`
			SourceType string  `json:"source_type"`
			EntityID   string  `json:"entity_id,omitempty"`
			Content    string  `json:"content"`
			Score      float32 `json:"score"`
		}
		results := make([]hitResult, len(hits))
		for i, h := range hits {
			results[i] = hitResult{ID: h.ID, SourceType: h.SourceType, EntityID: h.EntityID, Content: h.Content, Score: h.Score}
		}
		return mcpJSON(results)
	}
}

func mcpQueryGraph(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := req.GetString("start", "")
		if start == "" {
			st, err := deps.Graph.Statistics(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("graph statistics failed: %v", err)), nil
			}
			return mcpJSON(st)
		}

		var relations []string
		if rel := req.GetString("relation", ""); rel != "" {
			relations = []string{rel}
		}
		hops := req.GetInt("hops", 2)
		if hops < 0 || hops > 5 {
			hops = 2
		}
		visits, err := graph.Collect(deps.Graph.Traverse(ctx, start, relations, hops, graph.WithIncoming()))
		if err != nil {
			return mcpError(fmt.Sprintf("traversal failed: %v", err)), nil
		}
		if len(visits) == 0 {
			return mcpText(fmt.Sprintf("No entity %q in the graph", start)), nil
		}
		return mcpJSON(visits)
	}
}

func mcpAddDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		id := uuid.New().String()
		payload, err := json.Marshal(ingest.DocumentPayload{
			ID:         id,
			SourceType: req.GetString("source_type", "mcp"),
			Content:    content,
			EntityID:   req.GetString("entity_id", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal payload: %v", err)), nil
		}
		if err := deps.Jobs.EnqueueJob(storage.Job{
			ID:          uuid.New().String(),
			Type:        storage.JobIngestDocument,
			PayloadJSON: string(payload),
		}); err != nil {
			return mcpError(fmt.Sprintf("failed to queue document: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued document %s", id)), nil
	}
}

func mcpResourceGraphStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Graph.Statistics(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get graph statistics: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal statistics: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
