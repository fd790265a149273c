// Package export writes curated and predicted links to a Neo4j (or
// Bolt-compatible, e.g. Memgraph) database for downstream exploration.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sanonone/linksage/pkg/core/types"
)

// Executor runs one Cypher statement.
type Executor interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]any) error
}

// Config holds Bolt connection settings.
type Config struct {
	URI      string `yaml:"uri" validate:"omitempty,uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// BatchSize is the number of rows per UNWIND statement.
	BatchSize int `yaml:"batch_size" validate:"gte=0"`
}

// Neo4j executes statements through the official driver.
type Neo4j struct {
	driver   neo4j.DriverWithContext
	database string
}

// Connect opens a driver and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j unreachable at %s: %w", cfg.URI, err)
	}
	slog.Info("[EXPORT] Connected to graph database", "uri", cfg.URI)
	return &Neo4j{driver: driver, database: cfg.Database}, nil
}

// ExecuteQuery runs query with an eager result, discarding the records.
func (n *Neo4j) ExecuteQuery(ctx context.Context, query string, params map[string]any) error {
	var opts []neo4j.ExecuteQueryConfigurationOption
	if n.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(n.database))
	}
	if _, err := neo4j.ExecuteQuery(ctx, n.driver, query, params, neo4j.EagerResultTransformer, opts...); err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	return nil
}

// Close closes the driver.
func (n *Neo4j) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

// DefaultBatchSize is used when Config.BatchSize is zero.
const DefaultBatchSize = 500

// labels maps node types to Cypher labels. Labels cannot be parameters, so
// only these fixed values are ever interpolated into a statement.
var labels = map[types.NodeType]string{
	types.Patient:  "Patient",
	types.Provider: "Provider",
}

// Sink writes links in batches.
type Sink struct {
	exec      Executor
	batchSize int
}

// NewSink returns a sink over exec.
func NewSink(exec Executor, batchSize int) *Sink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sink{exec: exec, batchSize: batchSize}
}

// EnsureSchema creates id uniqueness constraints. Existing constraints are
// left alone.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	for _, t := range []types.NodeType{types.Patient, types.Provider} {
		l := labels[t]
		q := fmt.Sprintf("CREATE CONSTRAINT %s_id IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE", l, l)
		if err := s.exec.ExecuteQuery(ctx, q, nil); err != nil {
			return err
		}
	}
	return nil
}

type pairKind struct{ a, b types.NodeType }

// grouped splits rows by endpoint types so each statement has fixed labels.
// Groups are returned in a stable order.
func grouped[T any](rows []T, kind func(T) (types.NodeType, types.NodeType)) ([]pairKind, map[pairKind][]T) {
	groups := map[pairKind][]T{}
	for _, r := range rows {
		a, b := kind(r)
		k := pairKind{a, b}
		groups[k] = append(groups[k], r)
	}
	keys := make([]pairKind, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		return keys[i].b < keys[j].b
	})
	return keys, groups
}

func (s *Sink) run(ctx context.Context, query string, rows []map[string]any, extra map[string]any) error {
	for lo := 0; lo < len(rows); lo += s.batchSize {
		hi := min(lo+s.batchSize, len(rows))
		batch := make([]any, 0, hi-lo)
		for _, r := range rows[lo:hi] {
			batch = append(batch, r)
		}
		params := map[string]any{"rows": batch}
		for k, v := range extra {
			params[k] = v
		}
		if err := s.exec.ExecuteQuery(ctx, query, params); err != nil {
			return err
		}
	}
	return nil
}

func labelsFor(k pairKind) (string, string, error) {
	la, ok := labels[k.a]
	if !ok {
		return "", "", fmt.Errorf("unsupported node type %q", k.a)
	}
	lb, ok := labels[k.b]
	if !ok {
		return "", "", fmt.Errorf("unsupported node type %q", k.b)
	}
	return la, lb, nil
}

// WriteCurated upserts curated edges as LINKED relationships.
func (s *Sink) WriteCurated(ctx context.Context, edges []types.Edge) error {
	keys, groups := grouped(edges, func(e types.Edge) (types.NodeType, types.NodeType) {
		return e.Source.Type(), e.Target.Type()
	})
	for _, k := range keys {
		la, lb, err := labelsFor(k)
		if err != nil {
			return err
		}
		q := fmt.Sprintf(`UNWIND $rows AS row
MERGE (a:%s {id: row.source}) ON CREATE SET a.name = row.source_name
MERGE (b:%s {id: row.target}) ON CREATE SET b.name = row.target_name
MERGE (a)-[r:LINKED {relation: row.relation}]->(b)
SET r.confidence = row.confidence, r.observed_at = row.observed_at`, la, lb)

		rows := make([]map[string]any, len(groups[k]))
		for i, e := range groups[k] {
			rows[i] = map[string]any{
				"source":      string(e.Source),
				"source_name": e.Source.Name(),
				"target":      string(e.Target),
				"target_name": e.Target.Name(),
				"relation":    e.Relation,
				"confidence":  e.Confidence,
				"observed_at": e.ObservedAt.UTC().Format(time.RFC3339),
			}
		}
		if err := s.run(ctx, q, rows, nil); err != nil {
			return err
		}
	}
	slog.Info("[EXPORT] Curated links written", "count", len(edges))
	return nil
}

// WritePredicted upserts predicted links as PREDICTED relationships tagged
// with runID, then removes predictions from other runs.
func (s *Sink) WritePredicted(ctx context.Context, runID string, links []types.CandidateLink) error {
	keys, groups := grouped(links, func(l types.CandidateLink) (types.NodeType, types.NodeType) {
		return l.A.Type(), l.B.Type()
	})
	for _, k := range keys {
		la, lb, err := labelsFor(k)
		if err != nil {
			return err
		}
		q := fmt.Sprintf(`UNWIND $rows AS row
MERGE (a:%s {id: row.a}) ON CREATE SET a.name = row.a_name
MERGE (b:%s {id: row.b}) ON CREATE SET b.name = row.b_name
MERGE (a)-[r:PREDICTED]->(b)
SET r.score = row.score, r.run_id = $run_id`, la, lb)

		rows := make([]map[string]any, len(groups[k]))
		for i, l := range groups[k] {
			rows[i] = map[string]any{
				"a": string(l.A), "a_name": l.A.Name(),
				"b": string(l.B), "b_name": l.B.Name(),
				"score": l.Score,
			}
		}
		if err := s.run(ctx, q, rows, map[string]any{"run_id": runID}); err != nil {
			return err
		}
	}
	err := s.exec.ExecuteQuery(ctx, "MATCH ()-[r:PREDICTED]->() WHERE r.run_id <> $run_id DELETE r", map[string]any{"run_id": runID})
	if err != nil {
		return fmt.Errorf("failed to remove stale predictions: %w", err)
	}
	slog.Info("[EXPORT] Predicted links written", "count", len(links), "run_id", runID)
	return nil
}
