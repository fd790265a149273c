package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/client"
	"github.com/sanonone/linksage/pkg/config"
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/ingest"
	"github.com/sanonone/linksage/pkg/pipeline"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/train"
)

func records() []types.RawEdge {
	var out []types.RawEdge
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		p := fmt.Sprintf("patient %d", i)
		out = append(out,
			types.RawEdge{SourceID: p, TargetID: fmt.Sprintf("clinic %d", i%4), Probability: 0.9, Timestamp: at},
			types.RawEdge{SourceID: p, TargetID: fmt.Sprintf("clinic %d", (i+1)%4), Probability: 0.8, Timestamp: at},
		)
	}
	return out
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *client.Client) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Model.Layers = []sage.LayerConfig{{OutputDim: 8, Fanout: 4, Aggregator: sage.Mean}}
	cfg.Train.Epochs = 2
	cfg.Train.BatchSize = 8
	cfg.Train.CheckpointDir = t.TempDir()
	cfg.Server.AuthToken = token

	p, err := pipeline.New(cfg, ingest.NewMemoryIngestor(records()))
	require.NoError(t, err)
	s := New(p, cfg.Server)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
		_ = p.Close()
	})
	return ts, client.New(ts.URL, token)
}

func statusOf(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func TestHealthzAndAuth(t *testing.T) {
	ts, c := newTestServer(t, "test-secret-token")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ui/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = client.New(ts.URL, "").Stats(context.Background())
	assert.Equal(t, http.StatusUnauthorized, statusOf(err))

	_, err = client.New(ts.URL, "wrong").Stats(context.Background())
	assert.Equal(t, http.StatusUnauthorized, statusOf(err))

	// Authorized but nothing ingested yet.
	_, err = c.Stats(context.Background())
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(err))
}

func TestRefreshTrainScoreRecommend(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()

	_, err := c.Score(ctx, "patient 0", "clinic 2")
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(err))

	ref, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, ref.Kept)
	assert.Equal(t, 8, ref.Graph.Patients)
	assert.Equal(t, 4, ref.Graph.Providers)

	nbrs, err := c.Neighbors(ctx, "Patient 0")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"provider:clinic 0", "provider:clinic 1"}, nbrs)

	_, err = c.Score(ctx, "patient 0", "clinic 2")
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(err), "no model before training")

	task, err := c.Train(ctx, false)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	require.NoError(t, task.Wait(waitCtx, 10*time.Millisecond))
	require.NotNil(t, task.Result)

	m, err := c.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.Result.RunID, m.RunID)

	sc, err := c.Score(ctx, "patient 0", "clinic 2")
	require.NoError(t, err)
	assert.Equal(t, "patient:patient 0", sc.A)
	assert.True(t, sc.Score > 0 && sc.Score < 1)

	recs, err := c.Recommend(ctx, "patient 0", 5, "")
	require.NoError(t, err)
	assert.Len(t, recs.Results, 2, "two of four providers are already linked")
	for _, r := range recs.Results {
		assert.NotContains(t, []string{"provider:clinic 0", "provider:clinic 1"}, r.ID)
	}

	_, err = c.Score(ctx, "patient 99", "clinic 2")
	assert.Equal(t, http.StatusNotFound, statusOf(err))

	loaded, err := c.LoadModel(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, m.RunID, loaded.RunID)
}

func TestBadRequests(t *testing.T) {
	ts, c := newTestServer(t, "")
	ctx := context.Background()

	_, err := c.Recommend(ctx, "", 0, "")
	assert.Equal(t, http.StatusBadRequest, statusOf(err))

	resp, err := http.Get(ts.URL + "/v1/recommend?node=x&k=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/recommend?node=x&type=robot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = c.GetTask(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, statusOf(err))

	_, err = c.Train(ctx, false)
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(err), "training needs a curated graph")
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTaskManagerSingleFlight(t *testing.T) {
	tm := NewTaskManager()
	release := make(chan struct{})
	first, err := tm.Start(func(ctx context.Context) (*train.Result, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	_, err = tm.Start(func(ctx context.Context) (*train.Result, error) { return nil, nil })
	assert.ErrorIs(t, err, errTaskRunning)

	close(release)
	tm.Stop()
	got, ok := tm.Get(first.View().ID)
	require.True(t, ok)
	assert.Equal(t, TaskStatusCompleted, got.View().Status)
}
