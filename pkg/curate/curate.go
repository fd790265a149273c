// Package curate turns raw, noisy relationship observations into the curated
// edge set used as ground truth for training.
//
// Records go through four steps, in this order:
//
//  1. validation: records missing a source or target id, with an unknown
//     node type, or with a probability outside [0,1] are skipped and counted;
//  2. canonicalization of both endpoint names (see Canonicalizer);
//  3. the confidence threshold (edges below it are dropped);
//  4. deduplication by (source, target, relation): the highest confidence
//     observation wins, ties go to the most recent one.
package curate

import (
	"log/slog"
	"math"
	"strings"

	"github.com/tidwall/btree"

	"github.com/sanonone/linksage/pkg/core/types"
)

// DefaultThreshold biases training toward high-confidence links.
const DefaultThreshold = 0.55

// maxReportedErrors caps how many individual record errors a Report keeps.
const maxReportedErrors = 100

// Options configures a curation pass.
type Options struct {
	Threshold         float64
	Canonicalizer     *Canonicalizer
	DefaultSourceType types.NodeType
	DefaultTargetType types.NodeType
}

// DefaultOptions returns the standard patient -> provider policy.
func DefaultOptions() Options {
	return Options{
		Threshold:         DefaultThreshold,
		Canonicalizer:     NewCanonicalizer(),
		DefaultSourceType: types.Patient,
		DefaultTargetType: types.Provider,
	}
}

// Report aggregates per-record outcomes. Malformed records are reported as
// counts, never as a batch failure.
type Report struct {
	Total          int
	Malformed      int
	BelowThreshold int
	Duplicates     int
	Kept           int
	Errors         []*types.MalformedRecordError
}

// Merge folds another report into r.
func (r *Report) Merge(o Report) {
	r.Total += o.Total
	r.Malformed += o.Malformed
	r.BelowThreshold += o.BelowThreshold
	r.Duplicates += o.Duplicates
	r.Kept += o.Kept
	for _, e := range o.Errors {
		if len(r.Errors) >= maxReportedErrors {
			break
		}
		r.Errors = append(r.Errors, e)
	}
}

func (r *Report) malformed(err *types.MalformedRecordError) {
	r.Malformed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, err)
	}
}

// Curate applies the curation policy to raw and returns the curated set.
func Curate(raw []types.RawEdge, opts Options) (*EdgeSet, Report) {
	if opts.Canonicalizer == nil {
		opts.Canonicalizer = NewCanonicalizer()
	}
	if opts.DefaultSourceType == "" {
		opts.DefaultSourceType = types.Patient
	}
	if opts.DefaultTargetType == "" {
		opts.DefaultTargetType = types.Provider
	}

	set := NewEdgeSet()
	rep := Report{Total: len(raw)}

	for i, r := range raw {
		e, err := normalize(i, r, opts)
		if err != nil {
			rep.malformed(err)
			continue
		}
		if e.Confidence < opts.Threshold {
			rep.BelowThreshold++
			continue
		}
		if !set.Add(e) {
			rep.Duplicates++
		}
	}
	rep.Kept = set.Len()

	if rep.Malformed > 0 {
		slog.Warn("[CURATE] Skipped malformed records", "count", rep.Malformed, "total", rep.Total)
	}
	slog.Debug("[CURATE] Curation complete",
		"total", rep.Total, "kept", rep.Kept,
		"below_threshold", rep.BelowThreshold, "duplicates", rep.Duplicates,
		"threshold", opts.Threshold)
	return set, rep
}

// normalize validates one raw record and canonicalizes its endpoints.
func normalize(i int, r types.RawEdge, opts Options) (types.Edge, *types.MalformedRecordError) {
	if strings.TrimSpace(r.SourceID) == "" {
		return types.Edge{}, &types.MalformedRecordError{Index: i, Field: "source_id", Reason: "missing"}
	}
	if strings.TrimSpace(r.TargetID) == "" {
		return types.Edge{}, &types.MalformedRecordError{Index: i, Field: "target_id", Reason: "missing"}
	}
	p := r.Probability
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
		return types.Edge{}, &types.MalformedRecordError{Index: i, Field: "probability", Reason: "must be a number in [0,1]"}
	}
	st, ok := types.ParseNodeType(r.SourceType, opts.DefaultSourceType)
	if !ok {
		return types.Edge{}, &types.MalformedRecordError{Index: i, Field: "source_type", Reason: "unknown node type " + r.SourceType}
	}
	tt, ok := types.ParseNodeType(r.TargetType, opts.DefaultTargetType)
	if !ok {
		return types.Edge{}, &types.MalformedRecordError{Index: i, Field: "target_type", Reason: "unknown node type " + r.TargetType}
	}

	src := opts.Canonicalizer.Canonical(r.SourceID)
	dst := opts.Canonicalizer.Canonical(r.TargetID)
	if src == "" || dst == "" {
		return types.Edge{}, &types.MalformedRecordError{Index: i, Field: "source_id", Reason: "empty after canonicalization"}
	}

	rel := strings.ToLower(strings.TrimSpace(r.RelationType))
	if rel == "" {
		rel = types.DefaultRelation
	}

	return types.Edge{
		Source:     types.MakeNodeID(st, src),
		Target:     types.MakeNodeID(tt, dst),
		Relation:   rel,
		Confidence: p,
		ObservedAt: r.Timestamp.UTC(),
	}, nil
}

// EdgeSet is the curated edge collection, ordered by edge key.
type EdgeSet struct {
	tree  *btree.BTreeG[types.Edge]
	pairs map[[2]types.NodeID]int
}

func edgeLess(a, b types.Edge) bool { return a.Key().Less(b.Key()) }

// NewEdgeSet returns an empty set.
func NewEdgeSet() *EdgeSet {
	return &EdgeSet{
		tree:  btree.NewBTreeGOptions(edgeLess, btree.Options{NoLocks: true}),
		pairs: make(map[[2]types.NodeID]int),
	}
}

// NewEdgeSetFrom builds a set from already-curated edges, applying the same
// duplicate resolution as Curate.
func NewEdgeSetFrom(edges []types.Edge) *EdgeSet {
	s := NewEdgeSet()
	for _, e := range edges {
		s.Add(e)
	}
	return s
}

// Add inserts e. If an edge with the same key exists, the one with the higher
// confidence (then the more recent observation) is kept. Add reports whether
// the key was new.
func (s *EdgeSet) Add(e types.Edge) bool {
	prev, ok := s.tree.Get(e)
	if !ok {
		s.tree.Set(e)
		s.pairs[pairKey(e.Source, e.Target)]++
		return true
	}
	if wins(e, prev) {
		s.tree.Set(e)
	}
	return false
}

// wins reports whether candidate should replace current.
func wins(candidate, current types.Edge) bool {
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	return candidate.ObservedAt.After(current.ObservedAt)
}

func pairKey(a, b types.NodeID) [2]types.NodeID {
	if b < a {
		a, b = b, a
	}
	return [2]types.NodeID{a, b}
}

// Len returns the number of curated edges.
func (s *EdgeSet) Len() int { return s.tree.Len() }

// Edges returns the edges in key order.
func (s *EdgeSet) Edges() []types.Edge {
	out := make([]types.Edge, 0, s.tree.Len())
	s.tree.Scan(func(e types.Edge) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Get looks up an edge by key.
func (s *EdgeSet) Get(k types.EdgeKey) (types.Edge, bool) {
	return s.tree.Get(types.Edge{Source: k.Source, Target: k.Target, Relation: k.Relation})
}

// Linked reports whether any curated edge joins a and b, in either direction.
func (s *EdgeSet) Linked(a, b types.NodeID) bool {
	return s.pairs[pairKey(a, b)] > 0
}

// Raw converts the set back to raw records, so curated output can be fed
// through Curate again.
func (s *EdgeSet) Raw() []types.RawEdge {
	edges := s.Edges()
	out := make([]types.RawEdge, len(edges))
	for i, e := range edges {
		out[i] = types.RawEdge{
			SourceID:     e.Source.Name(),
			TargetID:     e.Target.Name(),
			SourceType:   string(e.Source.Type()),
			TargetType:   string(e.Target.Type()),
			RelationType: e.Relation,
			Probability:  e.Confidence,
			Timestamp:    e.ObservedAt,
		}
	}
	return out
}
