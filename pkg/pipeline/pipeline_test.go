package pipeline

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/config"
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/export"
	"github.com/sanonone/linksage/pkg/ingest"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/train"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(patient, provider string, p float64) types.RawEdge {
	return types.RawEdge{SourceID: patient, TargetID: provider, Probability: p, Timestamp: t0}
}

// records returns a small two-cluster claim history.
func records() []types.RawEdge {
	var out []types.RawEdge
	for c := 0; c < 2; c++ {
		for i := 0; i < 6; i++ {
			p := fmt.Sprintf("patient %d-%d", c, i)
			out = append(out,
				rec(p, fmt.Sprintf("clinic %d-%d", c, i%3), 0.9),
				rec(p, fmt.Sprintf("clinic %d-%d", c, (i+1)%3), 0.8),
			)
		}
	}
	return out
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Model.Layers = []sage.LayerConfig{
		{OutputDim: 8, Fanout: 4, Aggregator: sage.Mean},
		{OutputDim: 8, Fanout: 4, Aggregator: sage.Mean},
	}
	cfg.Train = train.DefaultConfig()
	cfg.Train.Epochs = 3
	cfg.Train.BatchSize = 8
	cfg.Train.Workers = 2
	cfg.Train.CheckpointDir = t.TempDir()
	return cfg
}

type recorder struct{ queries []string }

func (r *recorder) ExecuteQuery(_ context.Context, q string, _ map[string]any) error {
	r.queries = append(r.queries, q)
	return nil
}

func TestRefreshCuratesAndPublishes(t *testing.T) {
	raw := records()
	raw = append(raw,
		rec("patient 0-0", "Clinic 0-0 LLC", 0.95), // duplicate after canonicalization
		rec("patient 9", "clinic 9", 0.2),
		rec("", "clinic 0-0", 0.9),
		rec("patient 0-1", "clinic 0-1", math.NaN()),
	)
	ing := ingest.NewMemoryIngestor(raw)
	p, err := New(testConfig(t), ing)
	require.NoError(t, err)
	defer p.Close()

	res, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, len(raw), res.Report.Total)
	assert.Equal(t, 24, res.Report.Kept)
	assert.Equal(t, 1, res.Report.BelowThreshold)
	assert.Equal(t, 1, res.Report.Duplicates)
	assert.Equal(t, 2, res.Report.Malformed)
	assert.Equal(t, 12, res.Graph.Patients)
	assert.Equal(t, 6, res.Graph.Providers)
	assert.Len(t, ing.Committed(), len(raw))

	first := p.Store().Current()
	ing.Push([]types.RawEdge{rec("patient 0-0", "clinic 1-0", 0.7)})
	res, err = p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, res.Report.Kept, "curation covers the whole history")
	assert.Greater(t, p.Store().Current().Version(), first.Version())
	assert.False(t, first.Linked(
		types.MakeNodeID(types.Patient, "patient 0-0"), types.MakeNodeID(types.Provider, "clinic 1-0")),
		"published snapshots are immutable")
}

func TestRefreshEmptyGraph(t *testing.T) {
	p, err := New(testConfig(t), ingest.NewMemoryIngestor([]types.RawEdge{rec("a", "b", 0.1)}))
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Refresh(context.Background())
	assert.ErrorIs(t, err, types.ErrEmptyGraph)

	_, err = p.Train(context.Background(), TrainOptions{})
	assert.ErrorIs(t, err, types.ErrEmptyGraph)
}

func TestTrainServeAndReload(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, ingest.NewMemoryIngestor(records()))
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	_, err = p.Refresh(ctx)
	require.NoError(t, err)
	res, err := p.Train(ctx, TrainOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Checkpoint)

	a := types.MakeNodeID(types.Patient, "patient 0-0")
	b := types.MakeNodeID(types.Provider, "clinic 0-2")
	score, err := p.Serving().Score(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, score > 0 && score < 1)

	recs, err := p.Serving().Recommend(ctx, a, 3, "")
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, types.Provider, r.ID.Type())
	}

	// A fresh pipeline over the same history serves identical scores from
	// the checkpoint.
	q, err := New(cfg, ingest.NewMemoryIngestor(records()))
	require.NoError(t, err)
	defer q.Close()
	_, err = q.Refresh(ctx)
	require.NoError(t, err)
	ck, err := q.LoadModel(res.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, ck.RunID)
	again, err := q.Serving().Score(ctx, a, b)
	require.NoError(t, err)
	assert.InDelta(t, score, again, 1e-6)
}

func TestTrainResumeWithoutCheckpoint(t *testing.T) {
	p, err := New(testConfig(t), ingest.NewMemoryIngestor(records()))
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Refresh(context.Background())
	require.NoError(t, err)
	_, err = p.Train(context.Background(), TrainOptions{Resume: true})
	assert.NoError(t, err)
}

func TestExport(t *testing.T) {
	p, err := New(testConfig(t), ingest.NewMemoryIngestor(records()))
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()
	_, err = p.Refresh(ctx)
	require.NoError(t, err)

	r := &recorder{}
	require.NoError(t, p.Export(ctx, export.NewSink(r, 0), ExportOptions{PerNode: 2}))
	assert.Len(t, r.queries, 3, "schema plus curated links only while no model is loaded")

	_, err = p.Train(ctx, TrainOptions{})
	require.NoError(t, err)
	r = &recorder{}
	require.NoError(t, p.Export(ctx, export.NewSink(r, 0), ExportOptions{PerNode: 2}))
	assert.Contains(t, r.queries[len(r.queries)-1], "DELETE r")
}

func TestResolve(t *testing.T) {
	p, err := New(testConfig(t), ingest.NewMemoryIngestor())
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, types.NodeID("provider:acme"), p.Resolve("provider:Acme  LLC", types.Patient))
	assert.Equal(t, types.NodeID("patient:jane doe"), p.Resolve("Jane Doe", types.Patient))
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := New(testConfig(t), ingest.NewMemoryIngestor())
	require.NoError(t, err)
	p.RunBackground(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
