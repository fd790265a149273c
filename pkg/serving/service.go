// Package serving answers link queries with a trained model: pair scores,
// top-K recommendations and bulk link predictions.
//
// Embeddings are computed once per (model, snapshot) pair and kept in memory,
// optionally backed by the badger embedding cache so that a restart does not
// recompute them.
package serving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/embcache"
	"github.com/sanonone/linksage/pkg/graph"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/scorer"
)

var tracer = otel.Tracer("linksage.serving")

// embedSalt fixes the sampling stream used for serving embeddings.
const embedSalt = 0x5e7e

// DefaultK is used when a recommendation request does not set k.
const DefaultK = 10

// ErrNoModel is returned before a model has been installed.
var ErrNoModel = errors.New("no model loaded")

// Model bundles what serving needs from a training run.
type Model struct {
	RunID  string
	Embed  *sage.Model
	Scorer *scorer.Scorer
}

// table is the embedding table of one model on one snapshot.
type table struct {
	runID   string
	version uint64
	snap    *graph.Snapshot
	scorer  *scorer.Scorer
	vecs    map[types.NodeID][]float32
}

// Service serves queries against the store's current snapshot.
type Service struct {
	store   *graph.Store
	cache   *embcache.Cache
	workers int

	mu    sync.RWMutex
	model *Model
	tab   *table

	group singleflight.Group
}

// Options configures a Service.
type Options struct {
	// Cache is optional.
	Cache *embcache.Cache
	// Workers bounds parallel embedding; 0 uses GOMAXPROCS.
	Workers int
}

// New returns a service reading snapshots from store.
func New(store *graph.Store, opts Options) *Service {
	return &Service{store: store, cache: opts.Cache, workers: opts.Workers}
}

// SetModel installs a new model. Embeddings are recomputed lazily.
func (s *Service) SetModel(m *Model) {
	s.mu.Lock()
	s.model = m
	s.tab = nil
	s.mu.Unlock()
	slog.Info("[SERVING] Model installed", "run_id", m.RunID, "scorer", m.Scorer.Mode())
}

// Model returns the installed model, or nil.
func (s *Service) Model() *Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Snapshot returns the snapshot queries currently run against.
func (s *Service) Snapshot() *graph.Snapshot {
	return s.store.Current()
}

// Refresh makes sure embeddings exist for the current model and snapshot.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.embeddings(ctx)
	return err
}

// embeddings returns the table for the current model and snapshot, building
// it when either changed. Concurrent callers share one build.
func (s *Service) embeddings(ctx context.Context) (*table, error) {
	s.mu.RLock()
	m, tab := s.model, s.tab
	s.mu.RUnlock()
	if m == nil {
		return nil, ErrNoModel
	}
	snap := s.store.Current()
	if snap == nil {
		return nil, types.ErrEmptyGraph
	}
	if tab != nil && tab.runID == m.RunID && tab.version == snap.Version() {
		return tab, nil
	}

	ns := embcache.Namespace(m.RunID, snap.Fingerprint())
	v, err, _ := s.group.Do(ns, func() (any, error) {
		return s.build(ctx, m, snap)
	})
	if err != nil {
		return nil, err
	}
	built := v.(*table)

	s.mu.Lock()
	if s.model == m {
		s.tab = built
	}
	s.mu.Unlock()
	return built, nil
}

func (s *Service) build(ctx context.Context, m *Model, snap *graph.Snapshot) (*table, error) {
	ctx, span := tracer.Start(ctx, "serving.Embed",
		trace.WithAttributes(
			attribute.String("serving.run_id", m.RunID),
			attribute.Int64("serving.graph_version", int64(snap.Version())),
			attribute.Int("serving.nodes", snap.NumNodes()),
		),
	)
	defer span.End()

	ns := embcache.Namespace(m.RunID, snap.Fingerprint())
	ids := snap.Nodes()
	vecs := make(map[types.NodeID][]float32, len(ids))
	missing := ids
	if s.cache != nil {
		found, miss, err := s.cache.GetMany(ns, ids)
		if err != nil {
			slog.Warn("[SERVING] Embedding cache read failed", "error", err)
		} else {
			vecs, missing = found, miss
		}
	}

	if len(missing) > 0 {
		computed, err := m.Embed.EmbedAll(ctx, snap, missing, s.workers, embedSalt)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("embedding failed: %w", err)
		}
		for id, v := range computed {
			vecs[id] = v
		}
		if s.cache != nil {
			if err := s.cache.PutMany(ns, computed); err != nil {
				slog.Warn("[SERVING] Embedding cache write failed", "error", err)
			} else if err := s.cache.Retain(ns); err != nil {
				slog.Warn("[SERVING] Embedding cache cleanup failed", "error", err)
			}
		}
	}
	span.SetAttributes(attribute.Int("serving.computed", len(missing)))
	slog.Info("[SERVING] Embeddings ready", "run_id", m.RunID, "graph_version", snap.Version(),
		"nodes", len(vecs), "computed", len(missing))
	return &table{runID: m.RunID, version: snap.Version(), snap: snap, scorer: m.Scorer, vecs: vecs}, nil
}

func (t *table) vec(id types.NodeID) ([]float32, error) {
	v, ok := t.vecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownNode, id)
	}
	return v, nil
}

// Score returns the link probability of (a, b).
func (s *Service) Score(ctx context.Context, a, b types.NodeID) (float64, error) {
	tab, err := s.embeddings(ctx)
	if err != nil {
		return 0, err
	}
	va, err := tab.vec(a)
	if err != nil {
		return 0, err
	}
	vb, err := tab.vec(b)
	if err != nil {
		return 0, err
	}
	return tab.scorer.Score(va, vb)
}

// Recommend ranks nodes of targetType (the opposite partition when empty)
// for id. Existing curated neighbors and id itself are excluded. Results are
// ordered by score descending, ties by node id.
func (s *Service) Recommend(ctx context.Context, id types.NodeID, k int, targetType types.NodeType) ([]types.ScoredNode, error) {
	ctx, span := tracer.Start(ctx, "serving.Recommend", trace.WithAttributes(attribute.String("serving.node", string(id))))
	defer span.End()

	if k <= 0 {
		k = DefaultK
	}
	tab, err := s.embeddings(ctx)
	if err != nil {
		return nil, err
	}
	src, err := tab.vec(id)
	if err != nil {
		return nil, err
	}
	if targetType == "" {
		targetType = id.Type().Opposite()
	}
	var out []types.ScoredNode
	for _, cand := range tab.snap.NodesOfType(targetType) {
		if cand == id || tab.snap.Linked(id, cand) {
			continue
		}
		p, err := tab.scorer.Score(src, tab.vecs[cand])
		if err != nil {
			return nil, err
		}
		out = append(out, types.ScoredNode{ID: cand, Score: p})
	}
	rank(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func rank(nodes []types.ScoredNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Score != nodes[j].Score {
			return nodes[i].Score > nodes[j].Score
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// PredictLinks returns, for every node of sourceType, its top perNode
// unlinked candidates scoring at least minScore.
func (s *Service) PredictLinks(ctx context.Context, sourceType types.NodeType, perNode int, minScore float64) ([]types.CandidateLink, error) {
	tab, err := s.embeddings(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.CandidateLink
	for _, id := range tab.snap.NodesOfType(sourceType) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := s.Recommend(ctx, id, perNode, "")
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.Score < minScore {
				break
			}
			out = append(out, types.CandidateLink{A: id, B: r.ID, Score: r.Score})
		}
	}
	return out, nil
}

// Neighbors returns the curated neighbors of id in the current snapshot.
func (s *Service) Neighbors(id types.NodeID, relations ...string) ([]types.NodeID, error) {
	snap := s.store.Current()
	if snap == nil {
		return nil, types.ErrEmptyGraph
	}
	if !snap.Has(id) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownNode, id)
	}
	return snap.Neighbors(id, relations...), nil
}

// Stats describes the current snapshot.
func (s *Service) Stats() (graph.Stats, error) {
	snap := s.store.Current()
	if snap == nil {
		return graph.Stats{}, types.ErrEmptyGraph
	}
	return snap.Stats(), nil
}
