package repo

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	RunBatch(ctx context.Context, stmts []Statement) error
	Close(ctx context.Context) error
}

// Statement is one parameterized Cypher query in a Batch.
type Statement struct {
	Cypher string
	Params map[string]any
}

var propName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Neo4jRepo is a generic Neo4j-backed repository over nodes with one label.
type Neo4jRepo[T any, ID comparable] struct {
	driver     neo4j.DriverWithContext
	database   string
	label      string
	idKey      string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
	newSession func(ctx context.Context, write bool) runner // for testing
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// WithDatabase selects a named database instead of the server default.
func WithDatabase[T any, ID comparable](db string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.database = db }
}

// NewNeo4jRepo creates a Neo4j-backed repository. fromRecord receives records
// whose first column is the node bound as n.
func NewNeo4jRepo[T any, ID comparable](
	driver neo4j.DriverWithContext,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		driver:     driver,
		label:      label,
		idKey:      "id",
		toMap:      toMap,
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) RunBatch(ctx context.Context, stmts []Statement) error {
	_, err := a.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			if _, err := tx.Run(ctx, st.Cypher, st.Params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (r *Neo4jRepo[T, ID]) session(ctx context.Context, write bool) runner {
	if r.newSession != nil {
		return r.newSession(ctx, write)
	}
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	return &neo4jSessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: r.database,
	})}
}

// Query runs a read query and hands every record to each.
func (r *Neo4jRepo[T, ID]) Query(ctx context.Context, cypher string, params map[string]any, each func(*neo4j.Record) error) error {
	return r.run(ctx, false, cypher, params, each)
}

// Exec runs a write query, handing any returned records to each (may be nil).
func (r *Neo4jRepo[T, ID]) Exec(ctx context.Context, cypher string, params map[string]any, each func(*neo4j.Record) error) error {
	return r.run(ctx, true, cypher, params, each)
}

// Batch runs all statements in one write transaction.
func (r *Neo4jRepo[T, ID]) Batch(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	sess := r.session(ctx, true)
	defer sess.Close(ctx)
	if err := sess.RunBatch(ctx, stmts); err != nil {
		return fmt.Errorf("%s: batch: %w", r.label, err)
	}
	return nil
}

func (r *Neo4jRepo[T, ID]) run(ctx context.Context, write bool, cypher string, params map[string]any, each func(*neo4j.Record) error) error {
	sess := r.session(ctx, write)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return fmt.Errorf("%s: %w", r.label, err)
	}
	for res.Next(ctx) {
		if each == nil {
			continue
		}
		if err := each(res.Record()); err != nil {
			return err
		}
	}
	return res.Err()
}

// first runs cypher and decodes the first record, or ErrNotFound.
func (r *Neo4jRepo[T, ID]) first(ctx context.Context, write bool, cypher string, params map[string]any) (T, error) {
	var (
		out   T
		found bool
	)
	err := r.run(ctx, write, cypher, params, func(rec *neo4j.Record) error {
		if found {
			return nil
		}
		v, err := r.fromRecord(rec)
		if err != nil {
			return err
		}
		out, found = v, true
		return nil
	})
	if err != nil {
		return out, err
	}
	if !found {
		return out, fmt.Errorf("%s: %w", r.label, ErrNotFound)
	}
	return out, nil
}

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, r.idKey)
	return r.first(ctx, false, cypher, map[string]any{"id": id})
}

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	params := map[string]any{"offset": opts.Offset, "limit": limit}

	keys := make([]string, 0, len(opts.Filter))
	for k := range opts.Filter {
		if !propName.MatchString(k) {
			return nil, fmt.Errorf("%s: invalid filter key %q", r.label, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var where []string
	for _, k := range keys {
		where = append(where, fmt.Sprintf("n.%s = $f_%s", k, k))
		params["f_"+k] = opts.Filter[k]
	}
	cypher := fmt.Sprintf("MATCH (n:%s)", r.label)
	if len(where) > 0 {
		cypher += " WHERE " + strings.Join(where, " AND ")
	}
	cypher += fmt.Sprintf(" RETURN n ORDER BY n.%s SKIP $offset LIMIT $limit", r.idKey)

	var items []T
	err := r.run(ctx, false, cypher, params, func(rec *neo4j.Record) error {
		item, err := r.fromRecord(rec)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// Create merges on the id key so re-seeding the same entity is idempotent.
func (r *Neo4jRepo[T, ID]) Create(ctx context.Context, entity T) (T, error) {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n += $props RETURN n", r.label, r.idKey)
	return r.first(ctx, true, cypher, map[string]any{"id": props[r.idKey], "props": props})
}

func (r *Neo4jRepo[T, ID]) Update(ctx context.Context, entity T) (T, error) {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) SET n += $props RETURN n", r.label, r.idKey)
	return r.first(ctx, true, cypher, map[string]any{"id": props[r.idKey], "props": props})
}

// Delete removes the node and its relationships.
func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) DETACH DELETE n RETURN count(*) AS deleted", r.label, r.idKey)
	var deleted int64
	err := r.run(ctx, true, cypher, map[string]any{"id": id}, func(rec *neo4j.Record) error {
		if v, ok := rec.Get("deleted"); ok {
			deleted, _ = v.(int64)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("%s: %w", r.label, ErrNotFound)
	}
	return nil
}
