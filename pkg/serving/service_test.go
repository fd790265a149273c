package serving

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/embcache"
	"github.com/sanonone/linksage/pkg/graph"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/sampler"
	"github.com/sanonone/linksage/pkg/scorer"
)

func pid(n string) types.NodeID { return types.MakeNodeID(types.Patient, n) }
func did(n string) types.NodeID { return types.MakeNodeID(types.Provider, n) }

func edge(p, d string) types.Edge {
	return types.Edge{Source: pid(p), Target: did(d), Relation: types.DefaultRelation, Confidence: 0.9}
}

func testStore(t *testing.T) *graph.Store {
	t.Helper()
	st := graph.NewStore()
	_, err := st.Rebuild(curate.NewEdgeSetFrom([]types.Edge{
		edge("p1", "d1"), edge("p1", "d2"), edge("p2", "d2"), edge("p3", "d3"), edge("p4", "d1"),
	}), graph.BuildOptions{Structural: true})
	require.NoError(t, err)
	return st
}

func testModel(t *testing.T, runID string, mode scorer.Mode) *Model {
	t.Helper()
	rng := rand.New(rand.NewPCG(5, 5))
	cfg := sage.DefaultConfig(graph.StructuralDim)
	m, err := sage.NewModel(sage.InitParams(cfg, rng), sampler.New(sampler.Uniform, true, 5))
	require.NoError(t, err)
	sc, err := scorer.New(scorer.InitParams(mode, cfg.OutputDim(), rng))
	require.NoError(t, err)
	return &Model{RunID: runID, Embed: m, Scorer: sc}
}

func TestNoModel(t *testing.T) {
	s := New(testStore(t), Options{})
	_, err := s.Score(context.Background(), pid("p1"), did("d1"))
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestScore(t *testing.T) {
	s := New(testStore(t), Options{Workers: 2})
	s.SetModel(testModel(t, "run", scorer.Dot))
	ctx := context.Background()

	ab, err := s.Score(ctx, pid("p1"), did("d3"))
	require.NoError(t, err)
	ba, err := s.Score(ctx, did("d3"), pid("p1"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ab, 0.0)
	assert.LessOrEqual(t, ab, 1.0)
	assert.InDelta(t, ab, ba, 1e-9)

	_, err = s.Score(ctx, pid("nobody"), did("d1"))
	assert.ErrorIs(t, err, types.ErrUnknownNode)
}

func TestRecommendExcludesLinkedAndSelf(t *testing.T) {
	s := New(testStore(t), Options{})
	s.SetModel(testModel(t, "run", scorer.Bilinear))
	ctx := context.Background()

	recs, err := s.Recommend(ctx, pid("p1"), 5, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, did("d3"), recs[0].ID)

	recs, err = s.Recommend(ctx, did("d1"), 0, "")
	require.NoError(t, err)
	ids := make([]types.NodeID, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	assert.ElementsMatch(t, []types.NodeID{pid("p2"), pid("p3")}, ids)
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i-1].Score, recs[i].Score)
	}

	recs, err = s.Recommend(ctx, pid("p2"), 1, types.Patient)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEqual(t, pid("p2"), recs[0].ID)
}

func TestPredictLinks(t *testing.T) {
	s := New(testStore(t), Options{})
	s.SetModel(testModel(t, "run", scorer.Directional))

	links, err := s.PredictLinks(context.Background(), types.Patient, 2, 0)
	require.NoError(t, err)
	require.NotEmpty(t, links)
	snap := s.Snapshot()
	for _, l := range links {
		assert.False(t, snap.Linked(l.A, l.B))
		assert.Equal(t, types.Patient, l.A.Type())
		assert.Equal(t, types.Provider, l.B.Type())
	}

	none, err := s.PredictLinks(context.Background(), types.Patient, 2, 1.1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEmbeddingCacheReuse(t *testing.T) {
	cache, err := embcache.Open(embcache.Config{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()

	st := testStore(t)
	ctx := context.Background()

	s1 := New(st, Options{Cache: cache})
	s1.SetModel(testModel(t, "run-a", scorer.Dot))
	require.NoError(t, s1.Refresh(ctx))
	want, err := s1.Score(ctx, pid("p2"), did("d3"))
	require.NoError(t, err)

	ns, err := cache.Namespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{embcache.Namespace("run-a", st.Current().Fingerprint())}, ns)

	s2 := New(st, Options{Cache: cache})
	s2.SetModel(testModel(t, "run-a", scorer.Dot))
	got, err := s2.Score(ctx, pid("p2"), did("d3"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEmbeddingCacheSurvivesRestartWithNewEdges(t *testing.T) {
	cache, err := embcache.Open(embcache.Config{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	before := graph.NewStore()
	_, err = before.Rebuild(curate.NewEdgeSetFrom([]types.Edge{edge("p1", "d1")}), graph.BuildOptions{Structural: true})
	require.NoError(t, err)
	s1 := New(before, Options{Cache: cache})
	s1.SetModel(testModel(t, "run-a", scorer.Dot))
	stale, err := s1.Score(ctx, pid("p1"), did("d1"))
	require.NoError(t, err)

	// A fresh process publishes its first snapshot under the same version.
	after := testStore(t)
	require.Equal(t, before.Current().Version(), after.Current().Version())

	s2 := New(after, Options{Cache: cache})
	s2.SetModel(testModel(t, "run-a", scorer.Dot))
	got, err := s2.Score(ctx, pid("p1"), did("d1"))
	require.NoError(t, err)

	uncached := New(after, Options{})
	uncached.SetModel(testModel(t, "run-a", scorer.Dot))
	want, err := uncached.Score(ctx, pid("p1"), did("d1"))
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.NotEqual(t, stale, got)
}

func TestSnapshotSwapRecomputes(t *testing.T) {
	st := testStore(t)
	s := New(st, Options{})
	s.SetModel(testModel(t, "run", scorer.Dot))
	ctx := context.Background()

	_, err := s.Score(ctx, pid("p5"), did("d1"))
	assert.ErrorIs(t, err, types.ErrUnknownNode)

	_, err = st.Rebuild(curate.NewEdgeSetFrom([]types.Edge{edge("p5", "d1"), edge("p1", "d1")}), graph.BuildOptions{Structural: true})
	require.NoError(t, err)

	_, err = s.Score(ctx, pid("p5"), did("d1"))
	assert.NoError(t, err)

	nbrs, err := s.Neighbors(did("d1"))
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{pid("p1"), pid("p5")}, nbrs)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Nodes)
}
