// Package mcp exposes link prediction to MCP clients (assistants, agents)
// as tools.
package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/linksage/pkg/pipeline"
)

// Version is reported in the MCP handshake.
const Version = "0.1.0"

func NewMCPServer(p *pipeline.Pipeline) *mcp.Server {
	service := NewService(p)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "linksage",
		Version: Version,
	}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "score_link",
		Description: "Probability that a patient and a provider are (or will be) linked, from the trained GraphSAGE model.",
	}, service.ScoreLink)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "recommend_links",
		Description: "Rank the most likely new links for a patient or provider, excluding links already in the curated graph.",
	}, service.Recommend)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "graph_neighbors",
		Description: "List the curated neighbors of a node in the current graph snapshot.",
	}, service.Neighbors)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "graph_stats",
		Description: "Size and version of the current graph snapshot and the id of the loaded model run.",
	}, service.Stats)

	return s
}
