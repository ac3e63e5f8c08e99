// Package retrieval is the semantic document index: documents are embedded on
// write and ranked by cosine similarity on read.
package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/storage"
)

// indexedAtLayout is fixed width so stored timestamps compare lexically.
const indexedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Document is one indexed text. Version is the optimistic-concurrency token:
// callers pass the version they read (0 for a new id) and receive the
// committed one back.
type Document struct {
	ID          string    `json:"id"`
	SourceType  string    `json:"source_type"`
	Content     string    `json:"content"`
	EntityID    string    `json:"entity_id,omitempty"`
	Embedding   []float32 `json:"-"`
	ContentHash string    `json:"content_hash"`
	Version     int64     `json:"version"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Hit is a ranked query result.
type Hit struct {
	Document
	Score float32 `json:"score"`
}

// TextEmbedder produces embeddings. *Embedder satisfies it.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index stores documents with their embeddings in the documents table.
type Index struct {
	db       *sql.DB
	reader   *sql.DB
	embedder TextEmbedder
	now      func() time.Time
	logger   *slog.Logger

	// Put retry policy on WriteConflict.
	putRetries   uint64
	retryInitial time.Duration
}

// NewIndex wraps an existing *sql.DB whose documents table was created by
// storage migrations.
func NewIndex(db *sql.DB, embedder TextEmbedder) *Index {
	return &Index{
		db:           db,
		reader:       db,
		embedder:     embedder,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
		putRetries:   5,
		retryInitial: 50 * time.Millisecond,
	}
}

// ReadFrom routes Get, Query and Count to a read-only pool on the same
// database (storage.Store.ReadDB).
func (ix *Index) ReadFrom(reader *sql.DB) *Index {
	ix.reader = reader
	return ix
}

// Upsert writes doc under its id. doc.Version must equal the stored version
// (0 when the id is new), otherwise a WriteConflict is returned. The
// embedding is recomputed only when the content hash changed; an unchanged
// document keeps its vector while IndexedAt and Version still advance.
func (ix *Index) Upsert(ctx context.Context, doc Document) (Document, error) {
	const op = "index.upsert"
	if strings.TrimSpace(doc.ID) == "" {
		return Document{}, errs.Input(op, "document id is required")
	}
	if strings.TrimSpace(doc.Content) == "" {
		return Document{}, errs.Input(op, "document %s has empty content", doc.ID)
	}

	current, err := ix.Get(ctx, doc.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Document{}, err
	}
	if doc.Version != current.Version {
		return Document{}, errs.Conflict(op, doc.ID, doc.Version, current.Version)
	}

	hash := ContentHash(doc.Content)
	embedding := current.Embedding
	if !exists || hash != current.ContentHash {
		embedding, err = ix.embed(ctx, op, doc.Content)
		if err != nil {
			return Document{}, err
		}
	}

	out := doc
	out.Embedding = embedding
	out.ContentHash = hash
	out.Version = current.Version + 1
	out.IndexedAt = ix.now()

	if exists {
		res, err := ix.db.ExecContext(ctx, `
			UPDATE documents SET source_type = ?, content = ?, entity_id = ?, embedding = ?,
				content_hash = ?, version = ?, indexed_at = ?
			WHERE id = ? AND version = ?`,
			out.SourceType, out.Content, out.EntityID, encodeFloat32s(out.Embedding),
			out.ContentHash, out.Version, out.IndexedAt.UTC().Format(indexedAtLayout),
			out.ID, current.Version)
		if err != nil {
			return Document{}, fmt.Errorf("updating document %s: %w", doc.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Document{}, err
		} else if n == 0 {
			return Document{}, errs.Conflict(op, doc.ID, doc.Version, -1)
		}
	} else {
		res, err := ix.db.ExecContext(ctx, `
			INSERT INTO documents (id, source_type, content, entity_id, embedding, content_hash, version, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			out.ID, out.SourceType, out.Content, out.EntityID, encodeFloat32s(out.Embedding),
			out.ContentHash, out.Version, out.IndexedAt.UTC().Format(indexedAtLayout))
		if err != nil {
			return Document{}, fmt.Errorf("inserting document %s: %w", doc.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Document{}, err
		} else if n == 0 {
			return Document{}, errs.Conflict(op, doc.ID, 0, -1)
		}
	}
	return out, nil
}

// Put upserts doc at whatever version is current, re-reading and retrying
// with exponential backoff while concurrent writers win the race.
func (ix *Index) Put(ctx context.Context, doc Document) (Document, error) {
	var out Document
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ix.retryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, ix.putRetries), ctx)
	err := backoff.Retry(func() error {
		cur, err := ix.Get(ctx, doc.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			doc.Version = 0
		case err != nil:
			return backoff.Permanent(err)
		default:
			doc.Version = cur.Version
		}
		out, err = ix.Upsert(ctx, doc)
		if errs.Is(err, errs.WriteConflict) {
			ix.logger.Debug("document write conflict, retrying", "id", doc.ID)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
	return out, err
}

// Get returns the stored document, or storage.ErrNotFound.
func (ix *Index) Get(ctx context.Context, id string) (Document, error) {
	var d Document
	var blob []byte
	var indexedAt string
	err := ix.reader.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.SourceType, &d.Content, &d.EntityID, &blob, &d.ContentHash, &d.Version, &indexedAt)
	if err == sql.ErrNoRows {
		return Document{}, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document %s: %w", id, err)
	}
	if d.Embedding, err = decodeFloat32s(blob); err != nil {
		return Document{}, fmt.Errorf("decoding embedding for %s: %w", id, err)
	}
	if d.IndexedAt, err = time.Parse(indexedAtLayout, indexedAt); err != nil {
		return Document{}, fmt.Errorf("parsing indexed_at for %s: %w", id, err)
	}
	return d, nil
}

const documentColumns = `id, source_type, content, entity_id, embedding, content_hash, version, indexed_at`

// Delete removes a document. Deleting an unknown id returns storage.ErrNotFound.
func (ix *Index) Delete(ctx context.Context, id string) error {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// candidate is a scanned row with its score. Only rows that make it into
// the top k keep their own copy of the embedding.
type candidate struct {
	doc       Document
	score     float32
	indexedAt string // fixed-width UTC, sorts lexically
}

// better reports whether a ranks ahead of b: higher score, then more recently
// indexed, then smaller id.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.indexedAt != b.indexedAt {
		return a.indexedAt > b.indexedAt
	}
	return a.doc.ID < b.doc.ID
}

// worstFirst is a heap whose root is the lowest-ranked candidate kept so far.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

// Query returns the k documents most similar to text. Fewer than k are
// returned when the corpus is smaller. Hits are built from the same scan
// they were scored on, so content and score always belong to one version.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	const op = "index.query"
	if strings.TrimSpace(text) == "" {
		return nil, errs.Input(op, "query text is empty")
	}
	if k <= 0 {
		return nil, nil
	}

	vec, err := ix.embed(ctx, op, text)
	if err != nil {
		return nil, err
	}
	qNorm := norm(vec)
	if qNorm == 0 {
		return nil, nil
	}

	rows, err := ix.reader.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	h := &worstFirst{}
	var buf []float32
	for rows.Next() {
		var c candidate
		var blob []byte
		d := &c.doc
		if err := rows.Scan(&d.ID, &d.SourceType, &d.Content, &d.EntityID, &blob, &d.ContentHash, &d.Version, &c.indexedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if buf, err = decodeFloat32sInto(buf, blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", d.ID, err)
		}
		c.score = cosine(vec, buf, qNorm)
		if h.Len() == k && !better(c, (*h)[0]) {
			continue
		}
		d.Embedding = append([]float32(nil), buf...)
		if d.IndexedAt, err = time.Parse(indexedAtLayout, c.indexedAt); err != nil {
			return nil, fmt.Errorf("parsing indexed_at for %s: %w", d.ID, err)
		}
		if h.Len() < k {
			heap.Push(h, c)
		} else {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		hits[i] = Hit{Document: c.doc, Score: c.score}
	}
	return hits, nil
}

// Reembed recomputes every embedding in batches, e.g. after the embedding
// model changed. Documents modified concurrently are left to their writer.
func (ix *Index) Reembed(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	type pending struct {
		id      string
		content string
		version int64
	}

	updated := 0
	after := ""
	for {
		rows, err := ix.db.QueryContext(ctx, `
			SELECT id, content, version FROM documents WHERE id > ? ORDER BY id LIMIT ?`, after, batchSize)
		if err != nil {
			return updated, fmt.Errorf("listing documents: %w", err)
		}
		var batch []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.content, &p.version); err != nil {
				rows.Close()
				return updated, err
			}
			batch = append(batch, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return updated, err
		}
		if len(batch) == 0 {
			return updated, nil
		}

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.content
		}
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return updated, errs.Unavailable("index.reembed", err)
		}

		now := ix.now().UTC().Format(indexedAtLayout)
		for i, p := range batch {
			res, err := ix.db.ExecContext(ctx, `
				UPDATE documents SET embedding = ?, version = version + 1, indexed_at = ?
				WHERE id = ? AND version = ?`, encodeFloat32s(vecs[i]), now, p.id, p.version)
			if err != nil {
				return updated, fmt.Errorf("updating embedding for %s: %w", p.id, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				updated++
			}
		}
		after = batch[len(batch)-1].id
	}
}

// ModelMarks persists the name of the model the stored embeddings came from.
// *storage.Store satisfies it.
type ModelMarks interface {
	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

const embedModelKey = "retrieval.embed_model"

// EnsureModel re-embeds the corpus when model differs from the one recorded
// in marks, then records model. A corpus indexed before any model was
// recorded is re-embedded too. Returns the number of documents updated.
func (ix *Index) EnsureModel(ctx context.Context, marks ModelMarks, model string) (int, error) {
	prev, err := marks.Setting(ctx, embedModelKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		prev = ""
	case err != nil:
		return 0, fmt.Errorf("reading embedding model: %w", err)
	case prev == model:
		return 0, nil
	}

	n := 0
	count, err := ix.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		ix.logger.Info("embedding model changed, re-embedding corpus", "from", prev, "to", model, "documents", count)
		if n, err = ix.Reembed(ctx, 0); err != nil {
			return n, err
		}
	}
	if err := marks.SetSetting(ctx, embedModelKey, model); err != nil {
		return n, fmt.Errorf("recording embedding model: %w", err)
	}
	return n, nil
}

func (ix *Index) embed(ctx context.Context, op, text string) ([]float32, error) {
	vec, err := ix.embedder.Embed(ctx, text)
	if err == nil {
		return vec, nil
	}
	if errs.Is(err, errs.RetrievalUnavailable) || errs.Is(err, errs.CancellationRequested) {
		return nil, err
	}
	return nil, errs.Unavailable(op, err)
}
