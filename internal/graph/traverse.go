package graph

import (
	"context"
	"errors"

	"github.com/kalambet/erpflow/internal/storage"
)

// Visit is one node reached by a traversal. Via is the edge that reached it
// and is zero for the start node (Hop 0).
type Visit struct {
	Node     Node `json:"node"`
	Hop      int  `json:"hop"`
	Via      Edge `json:"via"`
	Incoming bool `json:"incoming,omitempty"`
}

type step struct {
	via      Edge
	other    string
	incoming bool
}

// TraverseOption adjusts a traversal.
type TraverseOption func(*Traversal)

// WithIncoming makes the traversal follow edges in both directions.
func WithIncoming() TraverseOption {
	return func(t *Traversal) { t.both = true }
}

// Traversal is a lazy breadth-first cursor over the graph. Each node is
// yielded at most once, at the smallest hop it is reachable at. It cannot be
// restarted; start a new Traverse instead.
//
//	t := g.Traverse(ctx, "Customer::ACME", nil, 2)
//	defer t.Close()
//	for t.Next() {
//		v := t.Visit()
//	}
//	if err := t.Err(); err != nil { ... }
type Traversal struct {
	ctx       context.Context
	store     *Store
	start     string
	relations []string
	maxHops   int
	both      bool

	started bool
	done    bool
	queue   []Visit
	visited map[string]bool
	cur     Visit
	err     error
}

// Traverse returns a cursor over nodes reachable from start through edges
// whose relation is in relations (all relations when empty), up to maxHops
// edges away. A start id absent from the graph yields nothing.
func (s *Store) Traverse(ctx context.Context, start string, relations []string, maxHops int, opts ...TraverseOption) *Traversal {
	if maxHops < 0 {
		maxHops = 0
	}
	t := &Traversal{
		ctx:       ctx,
		store:     s,
		start:     start,
		relations: relations,
		maxHops:   maxHops,
		visited:   map[string]bool{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Next advances to the next visit. It returns false when the traversal is
// exhausted, closed, or failed; check Err to tell them apart.
func (t *Traversal) Next() bool {
	if t.done {
		return false
	}
	if err := t.ctx.Err(); err != nil {
		return t.fail(err)
	}

	if !t.started {
		t.started = true
		n, err := t.store.GetEntity(t.ctx, t.start)
		if errors.Is(err, storage.ErrNotFound) {
			t.done = true
			return false
		}
		if err != nil {
			return t.fail(err)
		}
		t.visited[n.ID] = true
		t.queue = append(t.queue, Visit{Node: n})
	}

	if len(t.queue) == 0 {
		t.done = true
		return false
	}
	v := t.queue[0]
	t.queue = t.queue[1:]

	if v.Hop < t.maxHops {
		if err := t.expand(v); err != nil {
			return t.fail(err)
		}
	}
	t.cur = v
	return true
}

func (t *Traversal) expand(from Visit) error {
	steps, err := t.store.neighbors(t.ctx, from.Node.ID, t.relations, t.both)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if t.visited[st.other] {
			continue
		}
		t.visited[st.other] = true

		n, err := t.store.GetEntity(t.ctx, st.other)
		if errors.Is(err, storage.ErrNotFound) {
			// Edge to a node not yet synced; keep the id so callers can still follow it.
			n = Node{ID: st.other}
		} else if err != nil {
			return err
		}
		t.queue = append(t.queue, Visit{Node: n, Hop: from.Hop + 1, Via: st.via, Incoming: st.incoming})
	}
	return nil
}

func (t *Traversal) fail(err error) bool {
	t.err = err
	t.done = true
	t.queue = nil
	return false
}

// Visit returns the current visit. Only valid after Next returned true.
func (t *Traversal) Visit() Visit { return t.cur }

// Err returns the error that stopped the traversal, if any.
func (t *Traversal) Err() error { return t.err }

// Close stops the traversal and releases its queue.
func (t *Traversal) Close() error {
	t.done = true
	t.queue = nil
	t.visited = nil
	return nil
}

// Collect drains t and closes it.
func Collect(t *Traversal) ([]Visit, error) {
	defer t.Close()
	var out []Visit
	for t.Next() {
		out = append(out, t.Visit())
	}
	return out, t.Err()
}
