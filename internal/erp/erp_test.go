package erp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/storage"
)

var salesOrderMeta = Meta{
	Name:          "Sales Order",
	Module:        "Selling",
	IsSubmittable: 1,
	Fields: []Field{
		{Name: "customer", Type: "Link", Options: "Customer"},
		{Name: "company", Type: "Link", Options: "Company"},
		{Name: "items", Type: "Table", Options: "Sales Order Item"},
		{Name: "remarks", Type: "Text Editor"},
	},
}

var customerMeta = Meta{
	Name:   "Customer",
	Fields: []Field{{Name: "territory", Type: "Link", Options: "Territory"}},
}

func fakeERP(t *testing.T) *httptest.Server {
	t.Helper()
	metas := map[string]Meta{"Sales Order": salesOrderMeta, "Customer": customerMeta}
	docs := map[string][]Document{
		"Sales Order": {{
			"name": "SO-0001", "customer": "ACME", "company": "Widgets Ltd",
			"status": "To Deliver", "docstatus": float64(1),
			"remarks": "<p>Rush <b>order</b></p>",
			"items":   []any{map[string]any{"item_code": "BOLT-10"}, map[string]any{"item_code": "NUT-10"}},
		}},
		"Customer": {{"name": "ACME", "customer_name": "Acme Corp", "territory": "EU", "docstatus": float64(0)}},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token key:secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/api/resource/")
		if path == "DocType" {
			if r.URL.Query().Get("filters") != `[["istable","=",0]]` {
				http.Error(w, "child tables not filtered", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"name": "Customer"}, {"name": "Sales Order"}}})
			return
		}
		if dt, ok := strings.CutPrefix(path, "DocType/"); ok {
			m, found := metas[dt]
			if !found {
				http.Error(w, "no such doctype", http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"data": m})
			return
		}
		if r.URL.Query().Get("fields") != `["*"]` {
			http.Error(w, "fields missing", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": docs[path]})
	}))
}

func TestClient_Documents(t *testing.T) {
	srv := fakeERP(t)
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key:secret")
	docs, err := c.Documents(context.Background(), "Sales Order", 20)
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Name() != "SO-0001" {
		t.Fatalf("docs = %v", docs)
	}

	meta, err := c.Meta(context.Background(), "Customer")
	if err != nil || len(meta.Fields) != 1 {
		t.Fatalf("Meta = %+v, %v", meta, err)
	}

	_, err = NewClient(srv.URL, "wrong").Documents(context.Background(), "Customer", 1)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 StatusError", err)
	}
	if IsTransient(err) {
		t.Error("403 classified as transient")
	}
	if !IsTransient(&StatusError{Code: http.StatusServiceUnavailable}) {
		t.Error("503 not transient")
	}
}

func TestExtractText(t *testing.T) {
	doc := Document{
		"name": "SO-0001", "customer_name": "Acme Corp",
		"description": "<div>Two <i>pallets</i><script>x()</script></div>",
		"status":      "Draft", "docstatus": float64(2),
	}
	want := "Name: SO-0001 | customer_name: Acme Corp | description: Two pallets | Status: Draft | Document Status: Cancelled"
	if got := ExtractText(doc); got != want {
		t.Errorf("ExtractText =\n%q\nwant\n%q", got, want)
	}
	if got := ExtractText(Document{}); got != "" {
		t.Errorf("empty doc = %q", got)
	}
}

func TestStripHTML(t *testing.T) {
	cases := map[string]string{
		"plain text":                         "plain text",
		"<p>a</p><p>b</p>":                   "a b",
		"<style>p{}</style>Visible  <br>end": "Visible end",
	}
	for in, want := range cases {
		if got := StripHTML(in); got != want {
			t.Errorf("StripHTML(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPDFText_RejectsNonPDF(t *testing.T) {
	if IsPDF([]byte("hello")) {
		t.Error("IsPDF(hello)")
	}
	if _, err := PDFText([]byte("not a pdf")); err == nil {
		t.Error("PDFText accepted garbage")
	}
}

func TestSchemaGraph(t *testing.T) {
	node, edges := schemaGraph(salesOrderMeta)
	if node.ID != "DocType::Sales Order" || node.Attributes["is_submittable"] != "true" {
		t.Errorf("node = %+v", node)
	}
	var got []string
	for _, e := range edges {
		got = append(got, e.Relation+" "+e.Target)
	}
	want := []string{
		"has_child_table DocType::Sales Order Item",
		"links_to DocType::Company",
		"links_to DocType::Customer",
		"links_to DocType::Delivery Note",
		"links_to DocType::Sales Invoice",
		"links_to DocType::Sales Order Item",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("edges =\n%v\nwant\n%v", got, want)
	}
}

func TestDocumentGraph(t *testing.T) {
	doc := Document{
		"name": "SO-1", "customer": "ACME", "status": "Draft", "docstatus": float64(0),
		"items": []any{map[string]any{"item_code": "BOLT"}, map[string]any{"item_code": "BOLT"}, "junk"},
	}
	node, edges := documentGraph(salesOrderMeta, doc)
	if node.ID != "Sales Order::SO-1" || node.Type != "Sales Order" || node.Attributes["docstatus"] != "0" {
		t.Errorf("node = %+v", node)
	}
	var got []string
	for _, e := range edges {
		got = append(got, e.Relation+" "+e.Target)
	}
	want := []string{
		"instance_of DocType::Sales Order",
		"links_to Customer::ACME",
		"links_to Item::BOLT",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("edges = %v, want %v", got, want)
	}
}

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{0, 1}, nil }

func (constEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0, 1}
	}
	return out, nil
}

type countingReporter struct {
	docs int
	err  error
}

func (r *countingReporter) SyncFinished(n int, err error) { r.docs, r.err = n, err }

func TestSyncer_Sync(t *testing.T) {
	srv := fakeERP(t)
	defer srv.Close()

	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer s.Close()
	index := retrieval.NewIndex(s.DB(), constEmbedder{})
	g := graph.NewStore(s.DB())
	rep := &countingReporter{}

	syncer := NewSyncer(NewClient(srv.URL, "key:secret"), index, g, SyncerOptions{
		DocTypes: []string{"Customer", "Sales Order", "Ghost"},
		Reporter: rep,
	})
	ctx := context.Background()
	res, err := syncer.Sync(ctx, nil)
	if err == nil || !strings.Contains(err.Error(), "Ghost") {
		t.Fatalf("err = %v, want failure for Ghost", err)
	}
	if res.DocTypes != 2 || res.Documents != 2 || !reflect.DeepEqual(res.Failed, []string{"Ghost"}) {
		t.Errorf("result = %+v", res)
	}
	if rep.docs != 2 || rep.err == nil {
		t.Errorf("reporter = %+v", rep)
	}

	doc, err := index.Get(ctx, "Sales Order::SO-0001")
	if err != nil {
		t.Fatalf("index.Get: %v", err)
	}
	if !strings.Contains(doc.Content, "remarks: Rush order") || doc.EntityID != doc.ID {
		t.Errorf("indexed = %+v", doc)
	}

	visits, err := graph.Collect(g.Traverse(ctx, "Customer::ACME", []string{graph.RelLinksTo}, 1, graph.WithIncoming()))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, v := range visits {
		ids = append(ids, v.Node.ID)
	}
	if !reflect.DeepEqual(ids, []string{"Customer::ACME", "Sales Order::SO-0001", "Territory::EU"}) {
		t.Errorf("neighbors of ACME = %v", ids)
	}

	// A second pass rewrites the same keys.
	before, _ := g.Statistics(ctx)
	if _, err := syncer.Sync(ctx, []string{"Customer", "Sales Order"}); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	after, _ := g.Statistics(ctx)
	if before.Nodes != after.Nodes || before.Edges != after.Edges {
		t.Errorf("stats changed across identical passes: %+v -> %+v", before, after)
	}
	if n, _ := index.Count(ctx); n != 2 {
		t.Errorf("index count = %d, want 2", n)
	}
}

func TestSyncer_RunAllDiscoversDocTypes(t *testing.T) {
	srv := fakeERP(t)
	defer srv.Close()

	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer s.Close()
	index := retrieval.NewIndex(s.DB(), constEmbedder{})
	syncer := NewSyncer(NewClient(srv.URL, "key:secret"), index, graph.NewStore(s.DB()), SyncerOptions{
		DocTypes: []string{"Ghost"},
	})

	res, err := syncer.Run(context.Background(), SyncPayload{All: true, DocTypes: []string{"Ghost"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DocTypes != 2 || res.Documents != 2 || len(res.Failed) != 0 {
		t.Errorf("result = %+v, want both discovered doctypes synced", res)
	}

	res, err = syncer.Run(context.Background(), SyncPayload{})
	if err == nil || !reflect.DeepEqual(res.Failed, []string{"Ghost"}) {
		t.Errorf("configured pass = %+v, %v; want Ghost to fail", res, err)
	}
}

func TestClient_DocTypesUnauthorized(t *testing.T) {
	srv := fakeERP(t)
	defer srv.Close()

	_, err := NewClient(srv.URL, "wrong").DocTypes(context.Background(), 10)
	if err == nil || IsTransient(err) {
		t.Errorf("err = %v, want a permanent failure", err)
	}
}

func TestClient_Configured(t *testing.T) {
	for _, tc := range []struct {
		c    *Client
		want bool
	}{
		{NewClient("https://erp.example.com", "key:secret"), true},
		{NewClient("https://erp.example.com", ""), true},
		{NewClient("", "key:secret"), false},
		{NewClient("/", ""), false},
		{nil, false},
	} {
		if got := tc.c.Configured(); got != tc.want {
			t.Errorf("Configured(%+v) = %v, want %v", tc.c, got, tc.want)
		}
	}
}

func TestEnqueueSync_SkipsWhenPending(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	queued, err := EnqueueSync(s, SyncPayload{DocTypes: []string{"Item"}})
	if err != nil || !queued {
		t.Fatalf("first enqueue = %v, %v", queued, err)
	}
	queued, err = EnqueueSync(s, SyncPayload{All: true})
	if err != nil || queued {
		t.Fatalf("second enqueue = %v, %v; want skipped", queued, err)
	}

	job, err := s.ClaimNextJob([]string{storage.JobERPSync})
	if err != nil || job == nil {
		t.Fatalf("claim = %v, %v", job, err)
	}
	var p SyncPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil || !reflect.DeepEqual(p.DocTypes, []string{"Item"}) {
		t.Errorf("payload = %s", job.PayloadJSON)
	}
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	sched := NewScheduler(s)
	if err := sched.Start("every now and then"); err == nil {
		t.Error("bad schedule accepted")
	}
	if err := sched.Start("@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sched.Stop().Done()
}
