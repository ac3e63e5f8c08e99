package graph

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewStore(s.DB())
}

func mustNode(t *testing.T, g *Store, id, typ string) {
	t.Helper()
	if _, err := g.PutEntity(context.Background(), Node{ID: id, Type: typ}); err != nil {
		t.Fatalf("PutEntity %s: %v", id, err)
	}
}

func mustEdge(t *testing.T, g *Store, src, dst, rel string) {
	t.Helper()
	if _, err := g.PutRelationship(context.Background(), Edge{Source: src, Target: dst, Relation: rel}); err != nil {
		t.Fatalf("PutRelationship %s->%s: %v", src, dst, err)
	}
}

func ids(visits []Visit) string {
	var out []string
	for _, v := range visits {
		out = append(out, v.Node.ID)
	}
	return strings.Join(out, ",")
}

func TestUpsertEntity_Versioning(t *testing.T) {
	g := newTestStore(t)
	ctx := context.Background()

	n, err := g.UpsertEntity(ctx, Node{ID: "Customer::ACME", Type: "Customer", Attributes: map[string]string{"territory": "EU"}})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if n.Version != 1 {
		t.Errorf("Version = %d, want 1", n.Version)
	}

	n.Attributes = map[string]string{"territory": "US"}
	n, err = g.UpsertEntity(ctx, n)
	if err != nil {
		t.Fatalf("UpsertEntity overwrite: %v", err)
	}
	got, err := g.GetEntity(ctx, "Customer::ACME")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Version != 2 || got.Attributes["territory"] != "US" {
		t.Errorf("got %+v", got)
	}

	_, err = g.UpsertEntity(ctx, Node{ID: "Customer::ACME", Type: "Customer", Version: 1})
	if !errs.Is(err, errs.WriteConflict) {
		t.Fatalf("stale write err = %v, want WriteConflict", err)
	}
	_, err = g.UpsertEntity(ctx, Node{ID: "Customer::ACME", Type: "Customer"})
	if !errs.Is(err, errs.WriteConflict) {
		t.Fatalf("insert over existing err = %v, want WriteConflict", err)
	}
	if _, err := g.UpsertEntity(ctx, Node{ID: "x"}); !errs.Is(err, errs.InputError) {
		t.Errorf("missing type err = %v, want InputError", err)
	}
}

func TestUpsertRelationship_OverwritesWeightNoDuplicates(t *testing.T) {
	g := newTestStore(t)
	ctx := context.Background()

	e, err := g.UpsertRelationship(ctx, Edge{Source: "a", Target: "b", Relation: RelLinksTo, Weight: 0.5})
	if err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}
	e.Weight = 0.9
	if _, err := g.UpsertRelationship(ctx, e); err != nil {
		t.Fatalf("UpsertRelationship overwrite: %v", err)
	}
	if _, err := g.PutRelationship(ctx, Edge{Source: "a", Target: "b", Relation: RelLinksTo, Weight: 0.7}); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}

	stored, err := g.getEdge(ctx, "a", "b", RelLinksTo)
	if err != nil {
		t.Fatalf("getEdge: %v", err)
	}
	if stored.Weight != 0.7 || stored.Version != 3 {
		t.Errorf("stored = %+v, want weight 0.7 version 3", stored)
	}

	stats, err := g.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Edges != 1 {
		t.Errorf("Edges = %d, want 1", stats.Edges)
	}

	_, err = g.UpsertRelationship(ctx, Edge{Source: "a", Target: "b", Relation: RelLinksTo, Version: 1})
	if !errs.Is(err, errs.WriteConflict) {
		t.Errorf("stale edge write err = %v, want WriteConflict", err)
	}
}

func TestUpsertRelationship_KeepsExplicitZeroWeight(t *testing.T) {
	g := newTestStore(t)
	ctx := context.Background()

	e, err := g.UpsertRelationship(ctx, Edge{Source: "a", Target: "b", Relation: RelLinksTo, Weight: 0})
	if err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}
	if e.Weight != 0 {
		t.Errorf("returned weight = %v, want 0", e.Weight)
	}
	stored, err := g.getEdge(ctx, "a", "b", RelLinksTo)
	if err != nil {
		t.Fatalf("getEdge: %v", err)
	}
	if stored.Weight != 0 {
		t.Errorf("stored weight = %v, want 0", stored.Weight)
	}

	// Lowering a weight to zero overwrites it too.
	if _, err := g.PutRelationship(ctx, Edge{Source: "a", Target: "c", Relation: RelLinksTo, Weight: 2}); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}
	if _, err := g.PutRelationship(ctx, Edge{Source: "a", Target: "c", Relation: RelLinksTo, Weight: 0}); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}
	if stored, _ := g.getEdge(ctx, "a", "c", RelLinksTo); stored.Weight != 0 {
		t.Errorf("overwritten weight = %v, want 0", stored.Weight)
	}
}

func TestReadFrom_SeesCommittedWrites(t *testing.T) {
	s, err := storage.Open(filepath.Join(t.TempDir(), "erpflow.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	g := NewStore(s.DB()).ReadFrom(s.ReadDB())
	ctx := context.Background()

	mustNode(t, g, "Customer::ACME", "Customer")
	mustNode(t, g, "DocType::Customer", "DocType")
	mustEdge(t, g, "Customer::ACME", "DocType::Customer", RelInstanceOf)

	n, err := g.GetEntity(ctx, "Customer::ACME")
	if err != nil || n.Type != "Customer" {
		t.Fatalf("GetEntity = %+v, %v", n, err)
	}
	visits, err := Collect(g.Traverse(ctx, "Customer::ACME", nil, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(visits); got != "Customer::ACME,DocType::Customer" {
		t.Errorf("traversal = %s", got)
	}
	stats, err := g.Statistics(ctx)
	if err != nil || stats.Nodes != 2 || stats.Edges != 1 {
		t.Errorf("stats = %+v, %v", stats, err)
	}
}

func TestTraverse_CycleTerminates(t *testing.T) {
	g := newTestStore(t)
	for _, id := range []string{"A", "B", "C"} {
		mustNode(t, g, id, "Doc")
	}
	mustEdge(t, g, "A", "B", RelLinksTo)
	mustEdge(t, g, "B", "C", RelLinksTo)
	mustEdge(t, g, "C", "A", RelLinksTo)

	visits, err := Collect(g.Traverse(context.Background(), "A", nil, 5))
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if got := ids(visits); got != "A,B,C" {
		t.Errorf("visited %s, want A,B,C", got)
	}
	for i, v := range visits {
		if v.Hop != i {
			t.Errorf("visit %s hop = %d, want %d", v.Node.ID, v.Hop, i)
		}
	}
	if visits[1].Via.Relation != RelLinksTo || visits[1].Via.Source != "A" {
		t.Errorf("B reached via %+v", visits[1].Via)
	}
}

func TestTraverse_HopLimitFilterAndOrder(t *testing.T) {
	g := newTestStore(t)
	mustNode(t, g, "SO-1", "Sales Order")
	mustNode(t, g, "Customer::ACME", "Customer")
	mustNode(t, g, "Item::Widget", "Item")
	mustNode(t, g, "DocType::Sales Order", "DocType")
	mustNode(t, g, "Territory::EU", "Territory")

	mustEdge(t, g, "SO-1", "Item::Widget", RelLinksTo)
	mustEdge(t, g, "SO-1", "Customer::ACME", RelLinksTo)
	mustEdge(t, g, "SO-1", "DocType::Sales Order", RelInstanceOf)
	mustEdge(t, g, "Customer::ACME", "Territory::EU", RelLinksTo)

	visits, err := Collect(g.Traverse(context.Background(), "SO-1", nil, 1))
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	// instance_of sorts before links_to; within links_to by target id.
	if got := ids(visits); got != "SO-1,DocType::Sales Order,Customer::ACME,Item::Widget" {
		t.Errorf("order = %s", got)
	}

	visits, err = Collect(g.Traverse(context.Background(), "SO-1", []string{RelLinksTo}, 2))
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if got := ids(visits); got != "SO-1,Customer::ACME,Item::Widget,Territory::EU" {
		t.Errorf("filtered = %s", got)
	}
	if visits[3].Hop != 2 {
		t.Errorf("Territory hop = %d, want 2", visits[3].Hop)
	}
}

func TestTraverse_Incoming(t *testing.T) {
	g := newTestStore(t)
	mustNode(t, g, "Customer::ACME", "Customer")
	mustNode(t, g, "SO-1", "Sales Order")
	mustEdge(t, g, "SO-1", "Customer::ACME", RelLinksTo)

	visits, err := Collect(g.Traverse(context.Background(), "Customer::ACME", nil, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(visits) != 1 {
		t.Errorf("outgoing-only traversal visited %s", ids(visits))
	}

	visits, err = Collect(g.Traverse(context.Background(), "Customer::ACME", nil, 1, WithIncoming()))
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(visits); got != "Customer::ACME,SO-1" || !visits[1].Incoming {
		t.Errorf("visits = %s (%+v)", got, visits)
	}
}

func TestTraverse_MissingStartAndDanglingEdge(t *testing.T) {
	g := newTestStore(t)
	visits, err := Collect(g.Traverse(context.Background(), "nope", nil, 3))
	if err != nil || len(visits) != 0 {
		t.Errorf("missing start: %v, %v", visits, err)
	}

	mustNode(t, g, "A", "Doc")
	mustEdge(t, g, "A", "Ghost", RelLinksTo)
	visits, err = Collect(g.Traverse(context.Background(), "A", nil, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(visits); got != "A,Ghost" || visits[1].Node.Type != "" {
		t.Errorf("visits = %+v", visits)
	}
}

func TestTraverse_NotRestartableAndCancelled(t *testing.T) {
	g := newTestStore(t)
	mustNode(t, g, "A", "Doc")
	mustNode(t, g, "B", "Doc")
	mustEdge(t, g, "A", "B", RelLinksTo)

	tr := g.Traverse(context.Background(), "A", nil, 1)
	for tr.Next() {
	}
	if tr.Next() {
		t.Error("exhausted traversal yielded again")
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr = g.Traverse(ctx, "A", nil, 1)
	if !tr.Next() {
		t.Fatal("expected start visit")
	}
	cancel()
	if tr.Next() {
		t.Error("Next after cancel returned true")
	}
	if !errors.Is(tr.Err(), context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", tr.Err())
	}
}

func TestStatistics(t *testing.T) {
	g := newTestStore(t)
	mustNode(t, g, "DocType::Customer", "DocType")
	mustNode(t, g, "DocType::Sales Order", "DocType")
	mustNode(t, g, "Customer::ACME", "Customer")
	mustEdge(t, g, "Customer::ACME", "DocType::Customer", RelInstanceOf)
	mustEdge(t, g, "DocType::Sales Order", "DocType::Customer", RelLinksTo)

	st, err := g.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.Nodes != 3 || st.NodesByType["DocType"] != 2 || st.NodesByType["Customer"] != 1 {
		t.Errorf("node stats = %+v", st)
	}
	if st.Edges != 2 || st.EdgesByRelation[RelInstanceOf] != 1 || st.EdgesByRelation[RelLinksTo] != 1 {
		t.Errorf("edge stats = %+v", st)
	}
}

func TestPutEntity_ConcurrentWriters(t *testing.T) {
	g := newTestStore(t)
	g.putRetries = 100
	g.retryInitial = time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.PutEntity(context.Background(), Node{ID: "hot", Type: "Item"}); err != nil {
				t.Errorf("PutEntity: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := g.GetEntity(context.Background(), "hot")
	if err != nil {
		t.Fatal(err)
	}
	if n.Version != 6 {
		t.Errorf("Version = %d, want 6", n.Version)
	}
}
