package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/pipeline"
	"github.com/sanonone/linksage/pkg/serving"
)

// Service implements the MCP tools over a pipeline.
type Service struct {
	pipeline *pipeline.Pipeline
}

func NewService(p *pipeline.Pipeline) *Service {
	return &Service{pipeline: p}
}

func (s *Service) runID() string {
	if m := s.pipeline.Serving().Model(); m != nil {
		return m.RunID
	}
	return ""
}

// --- Tool Handlers ---

func (s *Service) ScoreLink(ctx context.Context, req *mcp.CallToolRequest, args ScoreLinkArgs) (*mcp.CallToolResult, ScoreLinkResult, error) {
	if args.NodeA == "" || args.NodeB == "" {
		return nil, ScoreLinkResult{}, fmt.Errorf("node_a and node_b are required")
	}
	a := s.pipeline.Resolve(args.NodeA, types.Patient)
	b := s.pipeline.Resolve(args.NodeB, types.Provider)
	score, err := s.pipeline.Serving().Score(ctx, a, b)
	if err != nil {
		return nil, ScoreLinkResult{}, err
	}
	return nil, ScoreLinkResult{NodeA: a, NodeB: b, Score: score, RunID: s.runID()}, nil
}

func (s *Service) Recommend(ctx context.Context, req *mcp.CallToolRequest, args RecommendArgs) (*mcp.CallToolResult, RecommendResult, error) {
	if args.Node == "" {
		return nil, RecommendResult{}, fmt.Errorf("node is required")
	}
	k := args.Limit
	if k <= 0 {
		k = serving.DefaultK
	}
	target, ok := types.ParseNodeType(args.TargetType, "")
	if !ok {
		return nil, RecommendResult{}, fmt.Errorf("unknown target_type %q", args.TargetType)
	}
	id := s.pipeline.Resolve(args.Node, types.Patient)
	recs, err := s.pipeline.Serving().Recommend(ctx, id, k, target)
	if err != nil {
		return nil, RecommendResult{}, err
	}
	if recs == nil {
		recs = []types.ScoredNode{}
	}
	return nil, RecommendResult{Node: id, Candidates: recs}, nil
}

func (s *Service) Neighbors(ctx context.Context, req *mcp.CallToolRequest, args NeighborsArgs) (*mcp.CallToolResult, NeighborsResult, error) {
	if args.Node == "" {
		return nil, NeighborsResult{}, fmt.Errorf("node is required")
	}
	id := s.pipeline.Resolve(args.Node, types.Patient)
	nbrs, err := s.pipeline.Serving().Neighbors(id, args.Relations...)
	if err != nil {
		return nil, NeighborsResult{}, err
	}
	if nbrs == nil {
		nbrs = []types.NodeID{}
	}
	return nil, NeighborsResult{Node: id, Neighbors: nbrs}, nil
}

func (s *Service) Stats(ctx context.Context, req *mcp.CallToolRequest, args StatsArgs) (*mcp.CallToolResult, StatsResult, error) {
	st, err := s.pipeline.Serving().Stats()
	if err != nil {
		return nil, StatsResult{}, err
	}
	return nil, StatsResult{
		Version:   st.Version,
		Nodes:     st.Nodes,
		Patients:  st.Patients,
		Providers: st.Providers,
		Edges:     st.Edges,
		RunID:     s.runID(),
	}, nil
}
