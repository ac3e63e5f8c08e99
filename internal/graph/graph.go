// Package graph is the typed, directed entity-relationship graph built from
// ERP data. Nodes are keyed by id and edges by (source, target, relation);
// both carry a version used for optimistic concurrency.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/storage"
)

// Relation names produced by the ERP graph builder.
const (
	RelInstanceOf    = "instance_of"
	RelLinksTo       = "links_to"
	RelHasChildTable = "has_child_table"
)

type Node struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Version    int64             `json:"version"`
}

type Edge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
	Version  int64   `json:"version"`
}

// Key identifies the edge for versioning and conflict messages.
func (e Edge) Key() string {
	return e.Source + "|" + e.Relation + "|" + e.Target
}

// Stats summarizes the graph.
type Stats struct {
	Nodes           int            `json:"nodes"`
	Edges           int            `json:"edges"`
	NodesByType     map[string]int `json:"nodes_by_type"`
	EdgesByRelation map[string]int `json:"edges_by_relation"`
}

// Store persists the graph in the graph_nodes and graph_edges tables.
type Store struct {
	db     *sql.DB
	reader *sql.DB
	now    func() time.Time
	logger *slog.Logger

	putRetries   uint64
	retryInitial time.Duration
}

// NewStore wraps an existing *sql.DB migrated by the storage package.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:           db,
		reader:       db,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
		putRetries:   5,
		retryInitial: 50 * time.Millisecond,
	}
}

// ReadFrom routes GetEntity, traversal and Statistics to a read-only pool on
// the same database.
func (s *Store) ReadFrom(reader *sql.DB) *Store {
	s.reader = reader
	return s
}

// UpsertEntity writes n with overwrite semantics. n.Version must match the
// stored version (0 for a new id).
func (s *Store) UpsertEntity(ctx context.Context, n Node) (Node, error) {
	const op = "graph.upsert_entity"
	if strings.TrimSpace(n.ID) == "" || strings.TrimSpace(n.Type) == "" {
		return Node{}, errs.Input(op, "node id and type are required")
	}
	attrs, err := json.Marshal(n.Attributes)
	if err != nil {
		return Node{}, fmt.Errorf("encoding attributes of %s: %w", n.ID, err)
	}
	if n.Attributes == nil {
		attrs = []byte("{}")
	}

	now := s.now().Format(time.RFC3339Nano)
	var res sql.Result
	if n.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO graph_nodes (id, type, attributes_json, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(id) DO NOTHING`, n.ID, n.Type, string(attrs), now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE graph_nodes SET type = ?, attributes_json = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`, n.Type, string(attrs), now, n.ID, n.Version)
	}
	if err != nil {
		return Node{}, fmt.Errorf("writing node %s: %w", n.ID, err)
	}
	if err := s.checkWritten(ctx, res, op, n.ID, n.Version, func() (int64, error) {
		cur, err := s.GetEntity(ctx, n.ID)
		return cur.Version, err
	}); err != nil {
		return Node{}, err
	}
	n.Version++
	return n, nil
}

// UpsertRelationship writes e, overwriting the weight of an existing edge
// with the same key. The weight is stored as given, zero included.
// e.Version must match the stored version (0 for new).
func (s *Store) UpsertRelationship(ctx context.Context, e Edge) (Edge, error) {
	const op = "graph.upsert_relationship"
	if e.Source == "" || e.Target == "" || e.Relation == "" {
		return Edge{}, errs.Input(op, "edge source, target and relation are required")
	}

	now := s.now().Format(time.RFC3339Nano)
	var res sql.Result
	var err error
	if e.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO graph_edges (source, target, relation, weight, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(source, target, relation) DO NOTHING`, e.Source, e.Target, e.Relation, e.Weight, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE graph_edges SET weight = ?, version = version + 1, updated_at = ?
			WHERE source = ? AND target = ? AND relation = ? AND version = ?`,
			e.Weight, now, e.Source, e.Target, e.Relation, e.Version)
	}
	if err != nil {
		return Edge{}, fmt.Errorf("writing edge %s: %w", e.Key(), err)
	}
	if err := s.checkWritten(ctx, res, op, e.Key(), e.Version, func() (int64, error) {
		cur, err := s.getEdge(ctx, e.Source, e.Target, e.Relation)
		return cur.Version, err
	}); err != nil {
		return Edge{}, err
	}
	e.Version++
	return e, nil
}

// checkWritten turns a zero-row write into a WriteConflict carrying the
// version actually stored.
func (s *Store) checkWritten(ctx context.Context, res sql.Result, op, key string, want int64, current func() (int64, error)) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	got, err := current()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return errs.Conflict(op, key, want, got)
}

// PutEntity upserts n at whatever version is current, retrying on conflict.
func (s *Store) PutEntity(ctx context.Context, n Node) (Node, error) {
	var out Node
	err := s.retryConflicts(ctx, func() error {
		cur, err := s.GetEntity(ctx, n.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		n.Version = cur.Version
		out, err = s.UpsertEntity(ctx, n)
		return err
	})
	return out, err
}

// PutRelationship upserts e at whatever version is current, retrying on conflict.
func (s *Store) PutRelationship(ctx context.Context, e Edge) (Edge, error) {
	var out Edge
	err := s.retryConflicts(ctx, func() error {
		cur, err := s.getEdge(ctx, e.Source, e.Target, e.Relation)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		e.Version = cur.Version
		out, err = s.UpsertRelationship(ctx, e)
		return err
	})
	return out, err
}

func (s *Store) retryConflicts(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.putRetries), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if errs.Is(err, errs.WriteConflict) {
			s.logger.Debug("graph write conflict, retrying", "error", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}

// GetEntity returns the node, or storage.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, id string) (Node, error) {
	var n Node
	var attrs string
	err := s.reader.QueryRowContext(ctx, `
		SELECT id, type, attributes_json, version FROM graph_nodes WHERE id = ?`, id,
	).Scan(&n.ID, &n.Type, &attrs, &n.Version)
	if err == sql.ErrNoRows {
		return Node{}, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return Node{}, fmt.Errorf("loading node %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(attrs), &n.Attributes); err != nil {
		return Node{}, fmt.Errorf("decoding attributes of %s: %w", id, err)
	}
	return n, nil
}

func (s *Store) getEdge(ctx context.Context, source, target, relation string) (Edge, error) {
	e := Edge{Source: source, Target: target, Relation: relation}
	err := s.db.QueryRowContext(ctx, `
		SELECT weight, version FROM graph_edges WHERE source = ? AND target = ? AND relation = ?`,
		source, target, relation,
	).Scan(&e.Weight, &e.Version)
	if err == sql.ErrNoRows {
		return Edge{}, fmt.Errorf("edge %s: %w", e.Key(), storage.ErrNotFound)
	}
	if err != nil {
		return Edge{}, fmt.Errorf("loading edge %s: %w", e.Key(), err)
	}
	return e, nil
}

// neighbors returns edges touching id ordered by (relation, other endpoint).
// Incoming edges are included only when both is set, and sort after
// outgoing edges with the same relation and endpoint.
func (s *Store) neighbors(ctx context.Context, id string, relations []string, both bool) ([]step, error) {
	filter, args := relationFilter(relations)
	q := `SELECT source, target, relation, weight, version, target AS other, 0 AS incoming
		FROM graph_edges WHERE source = ?` + filter
	qargs := append([]any{id}, args...)
	if both {
		q += ` UNION ALL SELECT source, target, relation, weight, version, source AS other, 1 AS incoming
		FROM graph_edges WHERE target = ?` + filter
		qargs = append(append(qargs, id), args...)
	}
	q += ` ORDER BY relation, other, incoming`

	rows, err := s.reader.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("loading neighbors of %s: %w", id, err)
	}
	defer rows.Close()

	var out []step
	for rows.Next() {
		var st step
		var incoming int
		if err := rows.Scan(&st.via.Source, &st.via.Target, &st.via.Relation, &st.via.Weight, &st.via.Version, &st.other, &incoming); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		st.incoming = incoming == 1
		out = append(out, st)
	}
	return out, rows.Err()
}

func relationFilter(relations []string) (string, []any) {
	if len(relations) == 0 {
		return "", nil
	}
	args := make([]any, len(relations))
	for i, r := range relations {
		args[i] = r
	}
	return ` AND relation IN (?` + strings.Repeat(",?", len(relations)-1) + `)`, args
}

// Statistics returns node counts by type and edge counts by relation.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	st := Stats{NodesByType: map[string]int{}, EdgesByRelation: map[string]int{}}

	count := func(q string, into map[string]int, total *int) error {
		rows, err := s.reader.QueryContext(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			var n int
			if err := rows.Scan(&k, &n); err != nil {
				return err
			}
			into[k] = n
			*total += n
		}
		return rows.Err()
	}

	if err := count(`SELECT type, COUNT(*) FROM graph_nodes GROUP BY type`, st.NodesByType, &st.Nodes); err != nil {
		return Stats{}, fmt.Errorf("counting nodes: %w", err)
	}
	if err := count(`SELECT relation, COUNT(*) FROM graph_edges GROUP BY relation`, st.EdgesByRelation, &st.Edges); err != nil {
		return Stats{}, fmt.Errorf("counting edges: %w", err)
	}
	return st, nil
}
