package server

import (
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/graph"
)

// ScoreRequest defines the body for pair scoring. Node references may be
// qualified ("provider:acme") or bare names, which resolve to a patient for
// A and a provider for B.
type ScoreRequest struct {
	A string `json:"node_a"`
	B string `json:"node_b"`
}

// ScoreResponse is the link probability for one pair.
type ScoreResponse struct {
	A     types.NodeID `json:"node_a"`
	B     types.NodeID `json:"node_b"`
	Score float64      `json:"score"`
	RunID string       `json:"run_id"`
}

// RecommendResponse lists the top unlinked candidates for a node.
type RecommendResponse struct {
	Node    types.NodeID       `json:"node"`
	Results []types.ScoredNode `json:"results"`
	RunID   string             `json:"run_id"`
}

// NeighborsResponse lists the curated neighbors of a node.
type NeighborsResponse struct {
	Node      types.NodeID   `json:"node"`
	Neighbors []types.NodeID `json:"neighbors"`
}

// RefreshResponse reports one ingest/curate/rebuild cycle.
type RefreshResponse struct {
	Batches        int         `json:"batches"`
	Records        int         `json:"records"`
	Total          int         `json:"total"`
	Kept           int         `json:"kept"`
	Malformed      int         `json:"malformed"`
	BelowThreshold int         `json:"below_threshold"`
	Duplicates     int         `json:"duplicates"`
	Graph          graph.Stats `json:"graph"`
}

func refreshResponse(batches, records int, rep curate.Report, st graph.Stats) RefreshResponse {
	return RefreshResponse{
		Batches:        batches,
		Records:        records,
		Total:          rep.Total,
		Kept:           rep.Kept,
		Malformed:      rep.Malformed,
		BelowThreshold: rep.BelowThreshold,
		Duplicates:     rep.Duplicates,
		Graph:          st,
	}
}

// TrainRequest starts an asynchronous training run.
type TrainRequest struct {
	Resume bool `json:"resume,omitempty"`
}

// LoadModelRequest installs a checkpoint; an empty path loads the latest.
type LoadModelRequest struct {
	Path string `json:"path,omitempty"`
}

// ModelResponse describes the installed model.
type ModelResponse struct {
	RunID string `json:"run_id"`
	Epoch int    `json:"epoch,omitempty"`
}
