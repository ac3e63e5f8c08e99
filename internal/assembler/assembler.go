// Package assembler builds the bounded, deterministic context bundle handed
// to each agent: semantic index hits for the goal, expanded through the
// relationship graph.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/retrieval"
)

// Defaults used when Params leaves a field at zero.
const (
	DefaultK          = 5
	DefaultHopDepth   = 2
	DefaultByteBudget = 16 * 1024
)

// Item kinds.
const (
	KindDocument = "document"
	KindEntity   = "entity"
)

// Params bounds one assembly.
type Params struct {
	K          int      // index hits to start from
	HopDepth   int      // graph hops explored around each hit's entity
	ByteBudget int      // upper bound on the rendered size of all items
	Relations  []string // graph relations to follow; empty follows all
}

func (p Params) withDefaults() Params {
	if p.K <= 0 {
		p.K = DefaultK
	}
	if p.HopDepth < 0 {
		p.HopDepth = 0
	} else if p.HopDepth == 0 {
		p.HopDepth = DefaultHopDepth
	}
	if p.ByteBudget <= 0 {
		p.ByteBudget = DefaultByteBudget
	}
	return p
}

// Item is one entry of a bundle. Hop is 0 for direct index hits.
type Item struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Hop        int     `json:"hop"`
	Score      float32 `json:"score,omitempty"`
	SourceType string  `json:"source_type"`
	Relation   string  `json:"relation,omitempty"`
	Text       string  `json:"text"`
}

// Bundle is the immutable context snapshot for a stage.
type Bundle struct {
	Goal      string `json:"goal"`
	Items     []Item `json:"items"`
	Bytes     int    `json:"bytes"`
	Truncated bool   `json:"truncated"`
}

// IDs returns the ids of every document and entity in the bundle, in order.
// A stage records them as its input snapshot.
func (b Bundle) IDs() []string {
	out := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		out = append(out, it.ID)
	}
	return out
}

// Render produces the text passed to agents.
func (b Bundle) Render() string {
	if len(b.Items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[Retrieved Context]\n")
	for _, it := range b.Items {
		sb.WriteString(formatItem(it))
	}
	return sb.String()
}

// EstimatedTokens is a rough token count using 4 chars per token.
func (b Bundle) EstimatedTokens() int {
	return (b.Bytes + 3) / 4
}

func formatItem(it Item) string {
	switch it.Kind {
	case KindDocument:
		return fmt.Sprintf("(document %s, %s, score %.2f)\n%s\n\n", it.ID, it.SourceType, it.Score, it.Text)
	default:
		return fmt.Sprintf("(entity %s, %s, hop %d via %s)\n%s\n\n", it.ID, it.SourceType, it.Hop, it.Relation, it.Text)
	}
}

// Searcher is the slice of the retrieval index the assembler reads.
type Searcher interface {
	Query(ctx context.Context, text string, k int) ([]retrieval.Hit, error)
}

// Walker is the slice of the relationship graph the assembler reads.
type Walker interface {
	Traverse(ctx context.Context, start string, relations []string, maxHops int, opts ...graph.TraverseOption) *graph.Traversal
}

// Assembler merges index hits with their graph neighborhoods. It only reads
// from the stores.
type Assembler struct {
	index  Searcher
	graph  Walker
	logger *slog.Logger
}

// New creates an Assembler. g may be nil, in which case bundles hold index
// hits only.
func New(index Searcher, g Walker) *Assembler {
	return &Assembler{index: index, graph: g, logger: slog.Default()}
}

// Assemble returns the context bundle for goal. Items are ordered direct hits
// first (rank order), then entities one hop away, then deeper hops; an id
// appears once. Items are appended until the next one would exceed the byte
// budget, and everything after it is dropped. Identical store contents give
// identical bundles.
func (a *Assembler) Assemble(ctx context.Context, goal string, p Params) (Bundle, error) {
	if strings.TrimSpace(goal) == "" {
		return Bundle{}, errs.Input("assemble", "goal is empty")
	}
	p = p.withDefaults()

	hits, err := a.index.Query(ctx, goal, p.K)
	if err != nil {
		return Bundle{}, fmt.Errorf("querying index: %w", err)
	}

	candidates := make([]Item, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, Item{
			ID:         h.ID,
			Kind:       KindDocument,
			Score:      h.Score,
			SourceType: h.SourceType,
			Text:       h.Content,
		})
	}

	if a.graph != nil {
		tiers, err := a.expand(ctx, hits, p)
		if err != nil {
			return Bundle{}, err
		}
		for _, tier := range tiers {
			candidates = append(candidates, tier...)
		}
	}

	b := Bundle{Goal: goal}
	seen := make(map[string]bool, len(candidates))
	for _, it := range candidates {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true

		size := len(formatItem(it))
		if b.Bytes+size > p.ByteBudget {
			b.Truncated = true
			break
		}
		b.Items = append(b.Items, it)
		b.Bytes += size
	}

	a.logger.Debug("context assembled",
		"goal_len", len(goal), "hits", len(hits), "items", len(b.Items),
		"bytes", b.Bytes, "truncated", b.Truncated)
	return b, nil
}

// expand traverses from every hit's entity and groups visits by hop:
// tiers[0] holds all 1-hop entities in hit rank order, tiers[1] the 2-hop ones.
func (a *Assembler) expand(ctx context.Context, hits []retrieval.Hit, p Params) ([][]Item, error) {
	tiers := make([][]Item, p.HopDepth)
	for _, h := range hits {
		if h.EntityID == "" {
			continue
		}
		visits, err := graph.Collect(a.graph.Traverse(ctx, h.EntityID, p.Relations, p.HopDepth, graph.WithIncoming()))
		if err != nil {
			return nil, fmt.Errorf("traversing from %s: %w", h.EntityID, err)
		}
		for _, v := range visits {
			if v.Hop == 0 {
				continue
			}
			tiers[v.Hop-1] = append(tiers[v.Hop-1], Item{
				ID:         v.Node.ID,
				Kind:       KindEntity,
				Hop:        v.Hop,
				SourceType: v.Node.Type,
				Relation:   v.Via.Relation,
				Text:       describeNode(v.Node),
			})
		}
	}
	return tiers, nil
}

// describeNode renders attributes in key order.
func describeNode(n graph.Node) string {
	if len(n.Attributes) == 0 {
		return n.ID
	}
	keys := make([]string, 0, len(n.Attributes))
	for k := range n.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(n.Attributes[k])
	}
	return sb.String()
}
