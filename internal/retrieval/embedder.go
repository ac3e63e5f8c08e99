package retrieval

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/erpflow/internal/errs"
)

// ModelEmbedder is the slice of the model backend the index needs.
type ModelEmbedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder binds a backend to one embedding model and checks that every
// vector it hands the index has the same dimension.
type Embedder struct {
	backend  ModelEmbedder
	model    string
	parallel int

	mu  sync.Mutex
	dim int
}

// NewEmbedder creates an Embedder for model. parallel bounds the requests in
// flight during EmbedBatch; values below 1 mean one at a time.
func NewEmbedder(backend ModelEmbedder, model string, parallel int) *Embedder {
	if parallel < 1 {
		parallel = 1
	}
	return &Embedder{backend: backend, model: model, parallel: parallel}
}

// Model is the embedding model name recorded alongside the index.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.backend.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.model, err)
	}
	if err := e.checkDim(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// checkDim rejects empty vectors and vectors whose dimension differs from
// the first one this Embedder produced.
func (e *Embedder) checkDim(vec []float32) error {
	if len(vec) == 0 {
		return errs.Unavailable("embed "+e.model, fmt.Errorf("empty vector"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = len(vec)
		return nil
	}
	if len(vec) != e.dim {
		return errs.Unavailable("embed "+e.model, fmt.Errorf("vector has %d dimensions, expected %d", len(vec), e.dim))
	}
	return nil
}

// EmbedBatch returns one vector per text, in order. Identical texts are
// embedded once. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	slot := make(map[string]int, len(texts))
	var unique []string
	for _, t := range texts {
		if _, ok := slot[t]; !ok {
			slot[t] = len(unique)
			unique = append(unique, t)
		}
	}

	vecs := make([][]float32, len(unique))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, text := range unique {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	for i, t := range texts {
		results[i] = vecs[slot[t]]
	}
	return results, nil
}
