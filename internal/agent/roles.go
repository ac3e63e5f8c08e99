package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/erpflow/internal/engine"
)

// doctypeKeywords seeds DocType recommendations from the goal wording.
var doctypeKeywords = []struct {
	keyword  string
	doctypes []string
}{
	{"customer", []string{"Customer", "Contact", "Address"}},
	{"quot", []string{"Quotation", "Customer"}},
	{"order", []string{"Sales Order", "Purchase Order"}},
	{"invoic", []string{"Sales Invoice", "Purchase Invoice"}},
	{"inventory", []string{"Item", "Stock Entry", "Warehouse"}},
	{"stock", []string{"Item", "Stock Entry", "Warehouse"}},
	{"supplier", []string{"Supplier", "Purchase Order"}},
	{"payment", []string{"Payment Entry"}},
}

// RecommendDocTypes returns the DocTypes suggested by goal keywords, sorted.
func RecommendDocTypes(goal string) []string {
	g := strings.ToLower(goal)
	set := map[string]bool{}
	for _, kw := range doctypeKeywords {
		if strings.Contains(g, kw.keyword) {
			for _, d := range kw.doctypes {
				set[d] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// knownFields lists the core fields the schema designer starts from.
var knownFields = map[string][]string{
	"Customer":      {"customer_name (Data, required)", "customer_type (Select: Company/Individual)", "customer_group (Link: Customer Group)", "territory (Link: Territory)"},
	"Item":          {"item_code (Data, unique)", "item_name (Data)", "item_group (Link: Item Group)", "stock_uom (Link: UOM)"},
	"Sales Order":   {"customer (Link: Customer)", "transaction_date (Date)", "items (Table: Sales Order Item)"},
	"Sales Invoice": {"customer (Link: Customer)", "posting_date (Date)", "items (Table: Sales Invoice Item)"},
	"Quotation":     {"party_name (Dynamic Link)", "valid_till (Date)", "items (Table: Quotation Item)"},
}

// KnownLinks maps child DocTypes to the DocTypes their link fields point at.
var KnownLinks = []struct {
	From, Field, To string
}{
	{"Sales Order", "customer", "Customer"},
	{"Sales Order Item", "item_code", "Item"},
	{"Sales Invoice", "customer", "Customer"},
	{"Sales Invoice Item", "item_code", "Item"},
	{"Item", "item_group", "Item Group"},
	{"Customer", "territory", "Territory"},
}

type requirementsResult struct {
	Summary        string   `json:"summary"`
	FunctionalReqs []string `json:"functional_requirements"`
	TechnicalSpecs []string `json:"technical_specs"`
	DocTypes       []string `json:"doctypes"`
	Workflows      []string `json:"workflows"`
}

func requirementsSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"summary":                 {Type: "string", Description: "One paragraph restating the business need"},
			"functional_requirements": {Type: "array", Description: "What the system must do"},
			"technical_specs":         {Type: "array", Description: "Technical constraints and integrations"},
			"doctypes":                {Type: "array", Description: "ERPNext DocTypes involved"},
			"workflows":               {Type: "array", Description: "Approval or document workflows worth configuring"},
		},
		Required: []string{"summary", "functional_requirements", "technical_specs", "doctypes", "workflows"},
	}
}

const requirementsSystem = `You are a business analyst for ERPNext implementations. Analyze the goal and produce structured requirements. Your output must be ONLY a single valid JSON object that conforms to the provided schema.

Rules:
- Prefer standard ERPNext DocTypes over custom ones.
- Use the retrieved context to stay consistent with the existing system.`

func requirementsPrompt(in Input) []engine.Message {
	extra := ""
	if seeded := RecommendDocTypes(in.Goal); len(seeded) > 0 {
		extra = "Candidate DocTypes: " + strings.Join(seeded, ", ")
	}
	return baseMessages(requirementsSystem, in, extra)
}

// requirementsFinish renders the structured result and merges the keyword
// seeded DocTypes into the model's list.
func requirementsFinish(in Input, raw string) (string, error) {
	var r requirementsResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return "", fmt.Errorf("decoding requirements: %w", err)
	}

	set := map[string]bool{}
	for _, d := range append(r.DocTypes, RecommendDocTypes(in.Goal)...) {
		if d = strings.TrimSpace(d); d != "" {
			set[d] = true
		}
	}
	doctypes := make([]string, 0, len(set))
	for d := range set {
		doctypes = append(doctypes, d)
	}
	sort.Strings(doctypes)

	var sb strings.Builder
	sb.WriteString("# Requirements\n\n")
	sb.WriteString(strings.TrimSpace(r.Summary))
	sb.WriteString("\n")
	writeList(&sb, "Functional Requirements", r.FunctionalReqs)
	writeList(&sb, "Technical Specifications", r.TechnicalSpecs)
	writeList(&sb, "Recommended DocTypes", doctypes)
	writeList(&sb, "Workflow Suggestions", r.Workflows)
	return sb.String(), nil
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n## %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", strings.TrimSpace(it))
	}
}

const architectureSystem = `You are an ERPNext solution architect. Design the system architecture for the goal: modules, custom apps, integration points and scalability considerations. Answer in Markdown.`

func architecturePrompt(in Input) []engine.Message {
	var notes []string
	g := strings.ToLower(in.Goal)
	if strings.Contains(g, "api") || strings.Contains(g, "integrat") {
		notes = append(notes, "The goal mentions external integration: cover REST endpoints, webhooks and authentication.")
	}
	if strings.Contains(g, "scale") || strings.Contains(g, "high volume") {
		notes = append(notes, "Address background jobs, caching and database indexing.")
	}
	return baseMessages(architectureSystem, in, strings.Join(notes, "\n"))
}

const schemaSystem = `You are an ERPNext database designer. Produce DocType definitions with fields, field types and Link fields between DocTypes. Answer in Markdown with one section per DocType.`

func schemaPrompt(in Input) []engine.Message {
	var sb strings.Builder
	doctypes := RecommendDocTypes(in.Goal)
	for _, d := range doctypes {
		fields, ok := knownFields[d]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "Baseline fields for %s:\n", d)
		for _, f := range fields {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	wanted := map[string]bool{}
	for _, d := range doctypes {
		wanted[d] = true
	}
	for _, l := range KnownLinks {
		if wanted[l.From] || wanted[l.To] {
			fmt.Fprintf(&sb, "Link: %s.%s -> %s\n", l.From, l.Field, l.To)
		}
	}
	return baseMessages(schemaSystem, in, sb.String())
}

const documentationSystem = `You are a technical writer. Write end-user and administrator documentation for the designed ERPNext solution in Markdown.`

const diagramSystem = `You produce diagrams. Output a single Mermaid erDiagram describing the DocTypes and their links. Output only the diagram source.`

func plainPrompt(system string) Prompter {
	return func(in Input) []engine.Message { return baseMessages(system, in, "") }
}

// diagramFinish strips Markdown fences models like to wrap diagrams in.
func diagramFinish(_ Input, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```mermaid")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "erDiagram") {
		return "", fmt.Errorf("response is not a Mermaid erDiagram")
	}
	return s, nil
}

// BuiltinSpecs returns the specs of the built-in roles.
func BuiltinSpecs() []Spec {
	return []Spec{
		{ID: "requirements-analyzer", Role: RoleRequirements, ArtifactType: ArtifactRequirements,
			Capabilities: []string{"requirements", "analysis", "specification", "business needs"}, Core: true},
		{ID: "erpnext-architect", Role: RoleArchitecture, ArtifactType: ArtifactArchitecture,
			Capabilities: []string{"architecture", "design", "system", "integration"}, Upstream: []string{RoleRequirements}, Core: true, Optional: true},
		{ID: "db-architect", Role: RoleSchema, ArtifactType: ArtifactSchema,
			Capabilities: []string{"database", "doctype", "schema", "fields", "relationships"}, Upstream: []string{RoleArchitecture}, Core: true, Optional: true},
		{ID: "doc-writer", Role: RoleDocumentation, ArtifactType: ArtifactDocumentation,
			Capabilities: []string{"documentation", "document", "manual", "guide"}, Upstream: []string{RoleArchitecture}, Optional: true},
		{ID: "diagrammer", Role: RoleDiagram, ArtifactType: ArtifactDiagram,
			Capabilities: []string{"diagram", "entity relationship", "visuali"}, Upstream: []string{RoleSchema}, Optional: true},
	}
}

// RegisterBuiltins registers every built-in role on r. modelFor picks the
// model each role generates with.
func RegisterBuiltins(r *Registry, chat Chatter, modelFor func(role string) string) error {
	for _, spec := range BuiltinSpecs() {
		model := modelFor(spec.Role)
		var a *ModelAgent
		switch spec.Role {
		case RoleRequirements:
			a = NewModelAgent(spec, chat, model, requirementsPrompt, requirementsSchema(), requirementsFinish)
		case RoleArchitecture:
			a = NewModelAgent(spec, chat, model, architecturePrompt, nil, nil)
		case RoleSchema:
			a = NewModelAgent(spec, chat, model, schemaPrompt, nil, nil)
		case RoleDocumentation:
			a = NewModelAgent(spec, chat, model, plainPrompt(documentationSystem), nil, nil)
		case RoleDiagram:
			a = NewModelAgent(spec, chat, model, plainPrompt(diagramSystem), nil, diagramFinish)
		}
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// ModelRequirements lists the models the registered agents generate with,
// for engine.EnsureReady. Agents without a model are skipped.
func (r *Registry) ModelRequirements() []engine.Requirement {
	var reqs []engine.Requirement
	for _, spec := range r.Specs() {
		a, _ := r.ForRole(spec.Role)
		if m, ok := a.(interface{ Model() string }); ok {
			reqs = append(reqs, engine.Requirement{Model: m.Model(), Users: []string{spec.ID}})
		}
	}
	return engine.MergeRequirements(reqs...)
}
