package mcp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/config"
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/ingest"
	"github.com/sanonone/linksage/pkg/pipeline"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/serving"
)

func newPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var raw []types.RawEdge
	for i := 0; i < 6; i++ {
		raw = append(raw,
			types.RawEdge{SourceID: fmt.Sprintf("p%d", i), TargetID: fmt.Sprintf("d%d", i%3), Probability: 0.9, Timestamp: at},
			types.RawEdge{SourceID: fmt.Sprintf("p%d", i), TargetID: fmt.Sprintf("d%d", (i+1)%3), Probability: 0.9, Timestamp: at},
		)
	}
	cfg := config.DefaultConfig()
	cfg.Model.Layers = []sage.LayerConfig{{OutputDim: 4, Fanout: 3, Aggregator: sage.Mean}}
	cfg.Train.Epochs = 1
	cfg.Train.BatchSize = 4
	cfg.Train.CheckpointDir = ""

	p, err := pipeline.New(cfg, ingest.NewMemoryIngestor(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	_, err = p.Refresh(context.Background())
	require.NoError(t, err)
	return p
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	assert.NotPanics(t, func() { NewMCPServer(newPipeline(t)) })
}

func TestToolsBeforeAndAfterTraining(t *testing.T) {
	p := newPipeline(t)
	svc := NewService(p)
	ctx := context.Background()

	_, stats, err := svc.Stats(ctx, nil, StatsArgs{})
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Edges)
	assert.Empty(t, stats.RunID)

	_, nbrs, err := svc.Neighbors(ctx, nil, NeighborsArgs{Node: "P0"})
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("patient:p0"), nbrs.Node)
	assert.Len(t, nbrs.Neighbors, 2)

	_, _, err = svc.ScoreLink(ctx, nil, ScoreLinkArgs{NodeA: "p0", NodeB: "d2"})
	assert.ErrorIs(t, err, serving.ErrNoModel)

	_, err = p.Train(ctx, pipeline.TrainOptions{})
	require.NoError(t, err)

	_, sc, err := svc.ScoreLink(ctx, nil, ScoreLinkArgs{NodeA: "p0", NodeB: "provider:D2"})
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("provider:d2"), sc.NodeB)
	assert.NotEmpty(t, sc.RunID)

	_, rec, err := svc.Recommend(ctx, nil, RecommendArgs{Node: "p0"})
	require.NoError(t, err)
	require.Len(t, rec.Candidates, 1)
	assert.Equal(t, types.NodeID("provider:d2"), rec.Candidates[0].ID)

	_, _, err = svc.Recommend(ctx, nil, RecommendArgs{Node: "p0", TargetType: "robot"})
	assert.Error(t, err)
	_, _, err = svc.ScoreLink(ctx, nil, ScoreLinkArgs{NodeA: "p0"})
	assert.Error(t, err)
}
