package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/storage"
	"github.com/kalambet/erpflow/internal/workflow"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := setup(t, nil)
	return MCPDeps{
		Workflows: env.workflows,
		Index:     env.index,
		Graph:     env.graph,
		Jobs:      env.store,
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return result
}

// --- tests ---

func TestMCPTool_SubmitAndInspect(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	result := callTool(t, mcpSubmitWorkflow(deps), "submit_workflow", map[string]interface{}{
		"goal": "Design customer onboarding",
	})
	if result.IsError || toolText(t, result) != "Workflow wf-1 started" {
		t.Fatalf("submit = %s", toolText(t, result))
	}

	env.workflows.deliverables["wf-1"]["requirements_spec"] = "# Requirements"

	result = callTool(t, mcpWorkflowStatus(deps), "workflow_status", map[string]interface{}{"id": "wf-1"})
	var rep workflow.StatusReport
	if err := json.Unmarshal([]byte(toolText(t, result)), &rep); err != nil || rep.ID != "wf-1" {
		t.Fatalf("status = %s (%v)", toolText(t, result), err)
	}

	result = callTool(t, mcpGetDeliverables(deps), "get_deliverables", map[string]interface{}{"id": "wf-1"})
	if !strings.Contains(toolText(t, result), "requirements_spec") {
		t.Errorf("deliverables = %s", toolText(t, result))
	}

	result = callTool(t, mcpCancelWorkflow(deps), "cancel_workflow", map[string]interface{}{"id": "wf-1"})
	if result.IsError || len(env.workflows.cancelled) != 1 {
		t.Errorf("cancel = %s", toolText(t, result))
	}
}

func TestMCPTool_SubmitWait(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpSubmitWorkflow(deps), "submit_workflow", map[string]interface{}{
		"goal": "Design customer onboarding",
		"wait": true,
	})
	var rep workflow.StatusReport
	if err := json.Unmarshal([]byte(toolText(t, result)), &rep); err != nil || rep.State != workflow.StateCompleted {
		t.Errorf("wait result = %s", toolText(t, result))
	}
}

func TestMCPTool_Errors(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	if r := callTool(t, mcpSubmitWorkflow(deps), "submit_workflow", map[string]interface{}{}); !r.IsError {
		t.Error("missing goal accepted")
	}
	env.workflows.submitErr = errs.Input("plan", "goal is empty")
	env.workflows.failedID = "wf-x"
	r := callTool(t, mcpSubmitWorkflow(deps), "submit_workflow", map[string]interface{}{"goal": "?"})
	if !r.IsError || !strings.Contains(toolText(t, r), "wf-x") {
		t.Errorf("failed submit = %s", toolText(t, r))
	}

	for name, h := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"workflow_status":  mcpWorkflowStatus(deps),
		"get_deliverables": mcpGetDeliverables(deps),
		"cancel_workflow":  mcpCancelWorkflow(deps),
	} {
		if r := callTool(t, h, name, map[string]interface{}{"id": "missing"}); !r.IsError {
			t.Errorf("%s accepted unknown id", name)
		}
		if r := callTool(t, h, name, map[string]interface{}{}); !r.IsError {
			t.Errorf("%s accepted missing id", name)
		}
	}
}

func TestMCPTool_SearchDocuments(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	ctx := context.Background()
	env.index.Put(ctx, retrieval.Document{ID: "Customer::ACME", SourceType: "Customer", Content: "customer ACME", EntityID: "Customer::ACME"})
	env.index.Put(ctx, retrieval.Document{ID: "Item::BOLT", SourceType: "Item", Content: "bolt"})

	result := callTool(t, mcpSearchDocuments(deps), "search_documents", map[string]interface{}{
		"query": "customer",
		"limit": 1,
	})
	var hits []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(hits) != 1 || hits[0]["entity_id"] != "Customer::ACME" {
		t.Errorf("hits = %v", hits)
	}

	empty := setup(t, nil)
	deps.Index = empty.index
	result = callTool(t, mcpSearchDocuments(deps), "search_documents", map[string]interface{}{"query": "anything"})
	if toolText(t, result) != "[]" {
		t.Errorf("empty index = %s", toolText(t, result))
	}
}

func TestMCPTool_QueryKnowledgeGraph(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	ctx := context.Background()
	env.graph.PutEntity(ctx, graph.Node{ID: "DocType::Customer", Type: "DocType"})
	env.graph.PutEntity(ctx, graph.Node{ID: "Customer::ACME", Type: "Customer"})
	env.graph.PutRelationship(ctx, graph.Edge{Source: "Customer::ACME", Target: "DocType::Customer", Relation: graph.RelInstanceOf})

	result := callTool(t, mcpQueryGraph(deps), "query_knowledge_graph", map[string]interface{}{})
	var st graph.Stats
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil || st.Nodes != 2 {
		t.Errorf("stats = %s", toolText(t, result))
	}

	result = callTool(t, mcpQueryGraph(deps), "query_knowledge_graph", map[string]interface{}{
		"start":    "DocType::Customer",
		"relation": graph.RelInstanceOf,
	})
	var visits []graph.Visit
	if err := json.Unmarshal([]byte(toolText(t, result)), &visits); err != nil {
		t.Fatalf("parse: %v (%s)", err, toolText(t, result))
	}
	if len(visits) != 2 || visits[1].Node.ID != "Customer::ACME" || !visits[1].Incoming {
		t.Errorf("visits = %+v", visits)
	}

	result = callTool(t, mcpQueryGraph(deps), "query_knowledge_graph", map[string]interface{}{"start": "Customer::NOBODY"})
	if !strings.HasPrefix(toolText(t, result), "No entity") {
		t.Errorf("unknown start = %s", toolText(t, result))
	}
}

func TestMCPTool_AddDocument(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	result := callTool(t, mcpAddDocument(deps), "add_document", map[string]interface{}{
		"content":   "Rush orders ship same day",
		"entity_id": "DocType::Sales Order",
	})
	if result.IsError {
		t.Fatalf("add_document: %s", toolText(t, result))
	}
	p := claimPayload(t, env.store)
	if p.SourceType != "mcp" || p.EntityID != "DocType::Sales Order" || !strings.Contains(toolText(t, result), p.ID) {
		t.Errorf("payload = %+v, result = %s", p, toolText(t, result))
	}
}

func TestMCPResource_GraphStats(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.graph.PutEntity(context.Background(), graph.Node{ID: "Item::BOLT", Type: "Item"})

	contents, err := mcpResourceGraphStats(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "erpflow://graph/stats"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || !strings.Contains(tc.Text, `"Item":1`) {
		t.Errorf("contents = %+v", contents)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	addHandler := mcpAddDocument(deps)
	searchHandler := mcpSearchDocuments(deps)

	var wg sync.WaitGroup
	failures := make(chan string, 20)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := addHandler(context.Background(), makeCallToolRequest("add_document", map[string]interface{}{"content": "concurrent content"}))
			if err != nil || r.IsError {
				failures <- "add_document failed"
			}
		}()
		go func() {
			defer wg.Done()
			r, err := searchHandler(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{"query": "test"}))
			if err != nil || r.IsError {
				failures <- "search_documents failed"
			}
		}()
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Error(f)
	}

	var n int
	env.store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ?`, storage.JobIngestDocument).Scan(&n)
	if n != 5 {
		t.Errorf("queued %d documents, want 5", n)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps, "test")
	tools := s.ListTools()
	for _, name := range []string{"submit_workflow", "workflow_status", "get_deliverables", "cancel_workflow", "search_documents", "query_knowledge_graph", "add_document"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}
