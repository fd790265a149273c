// Package types holds the records shared by every stage of the pipeline:
// raw observations, curated edges, graph nodes and scored candidates.
package types

import (
	"fmt"
	"strings"
	"time"
)

// NodeType partitions the graph. Ids are unique only within a partition.
type NodeType string

const (
	Patient  NodeType = "patient"
	Provider NodeType = "provider"
)

// DefaultRelation is assigned to raw edges that carry no relation_type.
const DefaultRelation = "patient_provider"

// ParseNodeType maps a raw type string to a NodeType. Empty input yields def.
func ParseNodeType(s string, def NodeType) (NodeType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, true
	case "patient", "patients", "subscriber", "member":
		return Patient, true
	case "provider", "providers", "clinic", "physician", "facility":
		return Provider, true
	default:
		return "", false
	}
}

// Opposite returns the other partition of the bipartite graph.
func (t NodeType) Opposite() NodeType {
	if t == Patient {
		return Provider
	}
	return Patient
}

// NodeID is the type-qualified canonical key of a node: "<type>:<name>".
type NodeID string

// MakeNodeID joins a node type and a canonical name.
func MakeNodeID(t NodeType, canonical string) NodeID {
	return NodeID(string(t) + ":" + canonical)
}

// Type returns the partition encoded in the id.
func (id NodeID) Type() NodeType {
	t, _, _ := strings.Cut(string(id), ":")
	return NodeType(t)
}

// Name returns the canonical name part of the id.
func (id NodeID) Name() string {
	_, n, ok := strings.Cut(string(id), ":")
	if !ok {
		return string(id)
	}
	return n
}

// ParseNodeID accepts either a qualified id ("provider:acme") or a bare name
// combined with a fallback type.
func ParseNodeID(s string, fallback NodeType) NodeID {
	if t, n, ok := strings.Cut(s, ":"); ok {
		if nt, ok := ParseNodeType(t, fallback); ok && nt != "" {
			return MakeNodeID(nt, n)
		}
	}
	return MakeNodeID(fallback, s)
}

// RawEdge is one relationship observation as delivered by the ingestor.
type RawEdge struct {
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	SourceType   string    `json:"source_type,omitempty"`
	TargetType   string    `json:"target_type,omitempty"`
	RelationType string    `json:"relation_type,omitempty"`
	Probability  float64   `json:"probability"`
	Timestamp    time.Time `json:"timestamp"`
}

// Edge is a curated relationship. Source and Target are canonical node ids.
type Edge struct {
	Source     NodeID    `json:"source"`
	Target     NodeID    `json:"target"`
	Relation   string    `json:"relation"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}

// Key identifies the logical edge that duplicate observations collapse into.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Target: e.Target, Relation: e.Relation}
}

// EdgeKey is the deduplication key of an edge.
type EdgeKey struct {
	Source   NodeID
	Target   NodeID
	Relation string
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", k.Source, k.Relation, k.Target)
}

// Less orders keys by source, target, relation.
func (k EdgeKey) Less(o EdgeKey) bool {
	if k.Source != o.Source {
		return k.Source < o.Source
	}
	if k.Target != o.Target {
		return k.Target < o.Target
	}
	return k.Relation < o.Relation
}

// Node is a graph vertex together with its input features.
type Node struct {
	ID       NodeID    `json:"id"`
	Type     NodeType  `json:"type"`
	Name     string    `json:"name"`
	Features []float32 `json:"features,omitempty"`
}

// ScoredNode is one entry of a ranked candidate list.
type ScoredNode struct {
	ID    NodeID  `json:"node_id"`
	Score float64 `json:"score"`
}

// CandidateLink is a scored pair that is not part of the curated edge set.
type CandidateLink struct {
	A     NodeID  `json:"node_a"`
	B     NodeID  `json:"node_b"`
	Score float64 `json:"score"`
}
