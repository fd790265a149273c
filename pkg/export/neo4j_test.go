package export

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/types"
)

type call struct {
	query  string
	params map[string]any
}

type recorder struct {
	calls []call
	err   error
}

func (r *recorder) ExecuteQuery(_ context.Context, q string, p map[string]any) error {
	r.calls = append(r.calls, call{q, p})
	return r.err
}

func TestEnsureSchema(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, NewSink(rec, 0).EnsureSchema(context.Background()))
	require.Len(t, rec.calls, 2)
	assert.Contains(t, rec.calls[0].query, "(n:Patient)")
	assert.Contains(t, rec.calls[1].query, "(n:Provider)")
}

func TestWriteCuratedBatches(t *testing.T) {
	var edges []types.Edge
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		edges = append(edges, types.Edge{
			Source:   types.MakeNodeID(types.Patient, n),
			Target:   types.MakeNodeID(types.Provider, "acme"),
			Relation: types.DefaultRelation, Confidence: 0.8,
		})
	}
	rec := &recorder{}
	require.NoError(t, NewSink(rec, 2).WriteCurated(context.Background(), edges))

	require.Len(t, rec.calls, 3)
	q := rec.calls[0].query
	assert.True(t, strings.Contains(q, "MERGE (a:Patient") && strings.Contains(q, "MERGE (b:Provider"))
	rows := rec.calls[0].params["rows"].([]any)
	require.Len(t, rows, 2)
	first := rows[0].(map[string]any)
	assert.Equal(t, "patient:a", first["source"])
	assert.Equal(t, "acme", first["target_name"])
	assert.Len(t, rec.calls[2].params["rows"], 1)
}

func TestWriteCuratedRejectsUnknownType(t *testing.T) {
	rec := &recorder{}
	err := NewSink(rec, 0).WriteCurated(context.Background(), []types.Edge{{Source: "robot:x", Target: "provider:y"}})
	assert.Error(t, err)
	assert.Empty(t, rec.calls)
}

func TestWritePredicted(t *testing.T) {
	rec := &recorder{}
	links := []types.CandidateLink{
		{A: "patient:a", B: "provider:x", Score: 0.9},
		{A: "provider:x", B: "patient:b", Score: 0.7},
	}
	require.NoError(t, NewSink(rec, 0).WritePredicted(context.Background(), "run-1", links))

	// One statement per label pair, then the stale cleanup.
	require.Len(t, rec.calls, 3)
	assert.Contains(t, rec.calls[0].query, "MERGE (a:Patient")
	assert.Contains(t, rec.calls[1].query, "MERGE (a:Provider")
	assert.Equal(t, "run-1", rec.calls[0].params["run_id"])
	assert.Contains(t, rec.calls[2].query, "DELETE r")

	rec.err = errors.New("down")
	assert.Error(t, NewSink(rec, 0).WritePredicted(context.Background(), "run-1", links))
}
