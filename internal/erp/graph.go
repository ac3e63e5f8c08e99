package erp

import (
	"sort"
	"strconv"

	"github.com/kalambet/erpflow/internal/graph"
)

// knownRelationships links doctypes whose relation is implied by ERPNext's
// standard flows rather than a Link field on the parent.
var knownRelationships = map[string][]string{
	"Customer":       {"Sales Order", "Sales Invoice", "Quotation", "Opportunity"},
	"Supplier":       {"Purchase Order", "Purchase Invoice", "Request for Quotation"},
	"Item":           {"Sales Order Item", "Purchase Order Item", "Stock Entry"},
	"Project":        {"Task", "Timesheet", "Project Update"},
	"Employee":       {"Task", "Timesheet", "Leave Application", "Expense Claim"},
	"Sales Order":    {"Sales Invoice", "Delivery Note", "Sales Order Item"},
	"Purchase Order": {"Purchase Invoice", "Purchase Receipt", "Purchase Order Item"},
}

// childLinks are the link fields followed inside child table rows.
var childLinks = map[string]string{
	"item_code": "Item",
	"warehouse": "Warehouse",
	"customer":  "Customer",
	"supplier":  "Supplier",
}

// documentAttributes are copied onto document nodes when present.
var documentAttributes = []string{
	"status", "docstatus", "creation", "modified", "customer", "supplier",
	"company", "item_code", "project",
}

// schemaGraph returns the DocType node for meta with its links_to and
// has_child_table edges.
func schemaGraph(meta Meta) (graph.Node, []graph.Edge) {
	id := DocTypeID(meta.Name)
	node := graph.Node{
		ID:   id,
		Type: "DocType",
		Attributes: map[string]string{
			"name":           meta.Name,
			"field_count":    strconv.Itoa(len(meta.Fields)),
			"is_submittable": strconv.FormatBool(meta.IsSubmittable == 1),
			"is_custom":      strconv.FormatBool(meta.Custom == 1),
		},
	}
	if meta.Module != "" {
		node.Attributes["module"] = meta.Module
	}
	if meta.IsTable == 1 {
		node.Attributes["is_table"] = "true"
	}

	seen := map[string]bool{}
	var edges []graph.Edge
	add := func(target, rel string) {
		e := graph.Edge{Source: id, Target: DocTypeID(target), Relation: rel, Weight: 1}
		if target == "" || seen[e.Key()] {
			return
		}
		seen[e.Key()] = true
		edges = append(edges, e)
	}
	for _, f := range meta.Fields {
		switch f.Type {
		case "Link":
			add(f.Options, graph.RelLinksTo)
		case "Table", "Table MultiSelect":
			add(f.Options, graph.RelHasChildTable)
		}
	}
	for _, target := range knownRelationships[meta.Name] {
		add(target, graph.RelLinksTo)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return node, edges
}

// documentGraph returns the node for one record, its instance_of edge and a
// links_to edge per non-empty Link field, including links found in child
// table rows.
func documentGraph(meta Meta, doc Document) (graph.Node, []graph.Edge) {
	id := DocumentID(meta.Name, doc.Name())
	node := graph.Node{
		ID:         id,
		Type:       meta.Name,
		Attributes: map[string]string{"doctype": meta.Name, "name": doc.Name()},
	}
	for _, a := range documentAttributes {
		if v := doc.String(a); v != "" {
			node.Attributes[a] = v
		}
	}

	seen := map[string]bool{}
	edges := []graph.Edge{{Source: id, Target: DocTypeID(meta.Name), Relation: graph.RelInstanceOf, Weight: 1}}
	link := func(doctype, name string) {
		if doctype == "" || name == "" {
			return
		}
		e := graph.Edge{Source: id, Target: DocumentID(doctype, name), Relation: graph.RelLinksTo, Weight: 1}
		if e.Target == id || seen[e.Key()] {
			return
		}
		seen[e.Key()] = true
		edges = append(edges, e)
	}

	for _, f := range meta.Fields {
		switch f.Type {
		case "Link":
			link(f.Options, doc.String(f.Name))
		case "Table":
			rows, _ := doc[f.Name].([]any)
			for _, r := range rows {
				row, ok := r.(map[string]any)
				if !ok {
					continue
				}
				for field, target := range childLinks {
					link(target, Document(row).String(field))
				}
			}
		}
	}
	sort.Slice(edges[1:], func(i, j int) bool { return edges[i+1].Key() < edges[j+1].Key() })
	return node, edges
}
