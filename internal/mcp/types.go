package mcp

import "github.com/sanonone/linksage/pkg/core/types"

// --- Tool Arguments ---

type ScoreLinkArgs struct {
	NodeA string `json:"node_a" jsonschema:"Patient reference, either 'patient:<name>' or a bare patient name"`
	NodeB string `json:"node_b" jsonschema:"Provider reference, either 'provider:<name>' or a bare provider name"`
}

type ScoreLinkResult struct {
	NodeA types.NodeID `json:"node_a"`
	NodeB types.NodeID `json:"node_b"`
	Score float64      `json:"score"`
	RunID string       `json:"run_id"`
}

type RecommendArgs struct {
	Node       string `json:"node" jsonschema:"Node to recommend links for; bare names are treated as patients"`
	Limit      int    `json:"limit,omitempty" jsonschema:"Max number of candidates (default 10)"`
	TargetType string `json:"target_type,omitempty" jsonschema:"Type of candidates: patient or provider. Defaults to the opposite type of node"`
}

type RecommendResult struct {
	Node       types.NodeID       `json:"node"`
	Candidates []types.ScoredNode `json:"candidates"`
}

type NeighborsArgs struct {
	Node      string   `json:"node" jsonschema:"Node whose curated neighbors to list; bare names are treated as patients"`
	Relations []string `json:"relations,omitempty" jsonschema:"Only follow these relation types"`
}

type NeighborsResult struct {
	Node      types.NodeID   `json:"node"`
	Neighbors []types.NodeID `json:"neighbors"`
}

type StatsArgs struct{}

type StatsResult struct {
	Version   uint64 `json:"version"`
	Nodes     int    `json:"nodes"`
	Patients  int    `json:"patients"`
	Providers int    `json:"providers"`
	Edges     int    `json:"edges"`
	RunID     string `json:"run_id,omitempty"`
}
