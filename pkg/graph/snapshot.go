// Package graph holds the Graph Store: an immutable adjacency snapshot built
// from the curated edge set, and a Store that swaps snapshots atomically.
package graph

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/tidwall/btree"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/features"
)

// StructuralDim is the number of structural features appended per node:
// log1p(degree), is_patient, is_provider, mean incident confidence.
const StructuralDim = 4

// BuildOptions configures snapshot construction.
type BuildOptions struct {
	// Features provides per-node input features. Nil means none.
	Features *features.Table
	// DirectedRelations lists relations aggregated only from source to
	// target. Every other relation is treated as undirected.
	DirectedRelations []string
	// Structural appends degree/type/confidence features to every node.
	Structural bool
}

type neighbor struct {
	id       types.NodeID
	relation string
}

func neighborLess(a, b neighbor) bool {
	if a.id != b.id {
		return a.id < b.id
	}
	return a.relation < b.relation
}

type nodeEntry struct {
	node      types.Node
	adj       []neighbor     // ordered by (id, relation)
	distinct  []types.NodeID // ordered, deduplicated across relations
	confSum   float64
	incidence int
}

// Snapshot is an immutable view of the curated graph. It is safe for
// concurrent readers; slices it returns must not be modified.
type Snapshot struct {
	version     uint64
	fingerprint uint64
	builtAt     time.Time
	nodes       map[types.NodeID]*nodeEntry
	order       []types.NodeID
	byType      map[types.NodeType][]types.NodeID
	edges       []types.Edge
	pairs       map[[2]types.NodeID]struct{}
	featureDim  int
	relations   []string
}

// Build constructs a snapshot in one pass over the curated edges.
func Build(edges *curate.EdgeSet, opts BuildOptions) (*Snapshot, error) {
	start := time.Now()
	directed := make(map[string]bool, len(opts.DirectedRelations))
	for _, r := range opts.DirectedRelations {
		directed[r] = true
	}

	var list []types.Edge
	if edges != nil {
		list = edges.Edges()
	}

	s := &Snapshot{
		builtAt: start,
		nodes:   make(map[types.NodeID]*nodeEntry),
		byType:  make(map[types.NodeType][]types.NodeID),
		edges:   list,
		pairs:   make(map[[2]types.NodeID]struct{}, len(list)),
	}

	// Neighbor sets are accumulated in btrees and flattened once complete.
	sets := make(map[types.NodeID]*btree.BTreeG[neighbor])
	touch := func(id types.NodeID) *btree.BTreeG[neighbor] {
		t, ok := sets[id]
		if !ok {
			t = btree.NewBTreeGOptions(neighborLess, btree.Options{NoLocks: true})
			sets[id] = t
			s.nodes[id] = &nodeEntry{node: types.Node{ID: id, Type: id.Type(), Name: id.Name()}}
		}
		return t
	}

	relations := make(map[string]struct{})
	for _, e := range list {
		src, dst := touch(e.Source), touch(e.Target)
		relations[e.Relation] = struct{}{}
		if e.Source != e.Target {
			src.Set(neighbor{id: e.Target, relation: e.Relation})
			if !directed[e.Relation] {
				dst.Set(neighbor{id: e.Source, relation: e.Relation})
			}
		}
		for _, id := range []types.NodeID{e.Source, e.Target} {
			n := s.nodes[id]
			n.confSum += e.Confidence
			n.incidence++
		}
		s.pairs[pairKey(e.Source, e.Target)] = struct{}{}
	}

	// Feature-table ids without edges become isolated nodes.
	if opts.Features != nil {
		for _, id := range opts.Features.IDs() {
			touch(id)
		}
	}

	for id, set := range sets {
		n := s.nodes[id]
		n.adj = make([]neighbor, 0, set.Len())
		set.Scan(func(nb neighbor) bool {
			n.adj = append(n.adj, nb)
			if k := len(n.distinct); k == 0 || n.distinct[k-1] != nb.id {
				n.distinct = append(n.distinct, nb.id)
			}
			return true
		})
		s.order = append(s.order, id)
	}
	slices.Sort(s.order)
	for _, id := range s.order {
		t := id.Type()
		s.byType[t] = append(s.byType[t], id)
	}
	for r := range relations {
		s.relations = append(s.relations, r)
	}
	slices.Sort(s.relations)

	structural := opts.Structural
	s.featureDim = opts.Features.Dim()
	if s.featureDim == 0 && !structural && len(s.order) > 0 {
		slog.Warn("[GRAPH] No feature tables configured, enabling structural features")
		structural = true
	}
	if structural {
		s.featureDim += StructuralDim
	}

	for _, id := range s.order {
		n := s.nodes[id]
		vec := make([]float32, 0, s.featureDim)
		if opts.Features != nil {
			vec = append(vec, opts.Features.Lookup(id)...)
		}
		if structural {
			vec = append(vec, structuralFeatures(n)...)
		}
		if len(vec) != s.featureDim {
			return nil, &types.DimensionMismatchError{What: fmt.Sprintf("features of %s", id), Expected: s.featureDim, Got: len(vec)}
		}
		n.node.Features = vec
	}
	s.fingerprint = s.hashContent()

	slog.Debug("[GRAPH] Snapshot built",
		"nodes", len(s.order), "edges", len(s.edges),
		"feature_dim", s.featureDim, "duration", time.Since(start))
	return s, nil
}

// hashContent digests everything an embedding can depend on: node ids,
// features and adjacency, plus each edge with its confidence.
func (s *Snapshot) hashContent() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeStr := func(v string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(v)))
		h.Write(buf[:])
		h.Write([]byte(v))
	}
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	writeU64(uint64(s.featureDim))
	for _, id := range s.order {
		n := s.nodes[id]
		writeStr(string(id))
		for _, f := range n.node.Features {
			writeU64(uint64(math.Float32bits(f)))
		}
		writeU64(uint64(len(n.adj)))
		for _, nb := range n.adj {
			writeStr(string(nb.id))
			writeStr(nb.relation)
		}
	}
	writeU64(uint64(len(s.edges)))
	for _, e := range s.edges {
		writeStr(string(e.Source))
		writeStr(string(e.Target))
		writeStr(e.Relation)
		writeU64(math.Float64bits(e.Confidence))
	}
	return h.Sum64()
}

func structuralFeatures(n *nodeEntry) []float32 {
	var isPatient, isProvider, meanConf float32
	switch n.node.Type {
	case types.Patient:
		isPatient = 1
	case types.Provider:
		isProvider = 1
	}
	if n.incidence > 0 {
		meanConf = float32(n.confSum / float64(n.incidence))
	}
	return []float32{float32(math.Log1p(float64(len(n.distinct)))), isPatient, isProvider, meanConf}
}

func pairKey(a, b types.NodeID) [2]types.NodeID {
	if b < a {
		a, b = b, a
	}
	return [2]types.NodeID{a, b}
}

// Version is the store version this snapshot was published under (0 when
// built outside a Store).
func (s *Snapshot) Version() uint64 { return s.version }

// Fingerprint is a digest of the snapshot content. Two snapshots built from
// the same edges, features and options share it, whichever process built
// them; it is independent of Version.
func (s *Snapshot) Fingerprint() uint64 { return s.fingerprint }

// BuiltAt returns the build time.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Has reports whether id is a node of the snapshot.
func (s *Snapshot) Has(id types.NodeID) bool {
	_, ok := s.nodes[id]
	return ok
}

// Node returns the node record for id.
func (s *Snapshot) Node(id types.NodeID) (types.Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return types.Node{}, false
	}
	return n.node, true
}

// Features returns the input feature vector of id, or nil for unknown ids.
func (s *Snapshot) Features(id types.NodeID) []float32 {
	if n, ok := s.nodes[id]; ok {
		return n.node.Features
	}
	return nil
}

// FeatureDim returns the length of every node feature vector.
func (s *Snapshot) FeatureDim() int { return s.featureDim }

// Neighbors returns the distinct neighbors of id in id order. With relations
// given, only edges of those relations count. Unknown ids have no neighbors.
func (s *Snapshot) Neighbors(id types.NodeID, relations ...string) []types.NodeID {
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	if len(relations) == 0 {
		return n.distinct
	}
	var out []types.NodeID
	for _, nb := range n.adj {
		if !slices.Contains(relations, nb.relation) {
			continue
		}
		if k := len(out); k == 0 || out[k-1] != nb.id {
			out = append(out, nb.id)
		}
	}
	return out
}

// Degree returns the number of distinct neighbors of id.
func (s *Snapshot) Degree(id types.NodeID) int {
	if n, ok := s.nodes[id]; ok {
		return len(n.distinct)
	}
	return 0
}

// Linked reports whether a curated edge joins a and b in either direction.
func (s *Snapshot) Linked(a, b types.NodeID) bool {
	_, ok := s.pairs[pairKey(a, b)]
	return ok
}

// Nodes returns every node id in sorted order.
func (s *Snapshot) Nodes() []types.NodeID { return s.order }

// NodesOfType returns the sorted ids of one partition.
func (s *Snapshot) NodesOfType(t types.NodeType) []types.NodeID { return s.byType[t] }

// Edges returns the curated edges in key order.
func (s *Snapshot) Edges() []types.Edge { return s.edges }

// Relations returns the relation types present, sorted.
func (s *Snapshot) Relations() []string { return s.relations }

// NumNodes returns the node count.
func (s *Snapshot) NumNodes() int { return len(s.order) }

// NumEdges returns the curated edge count.
func (s *Snapshot) NumEdges() int { return len(s.edges) }

// Stats summarizes a snapshot.
type Stats struct {
	Version     uint64    `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	BuiltAt     time.Time `json:"built_at"`
	Nodes       int       `json:"nodes"`
	Patients    int       `json:"patients"`
	Providers   int       `json:"providers"`
	Edges       int       `json:"edges"`
	Isolated    int       `json:"isolated"`
	MaxDegree   int       `json:"max_degree"`
	MeanDegree  float64   `json:"mean_degree"`
	FeatureDim  int       `json:"feature_dim"`
	Relations   []string  `json:"relations"`
}

// Stats computes summary statistics.
func (s *Snapshot) Stats() Stats {
	st := Stats{
		Version:     s.version,
		Fingerprint: fmt.Sprintf("%016x", s.fingerprint),
		BuiltAt:     s.builtAt,
		Nodes:       len(s.order),
		Patients:    len(s.byType[types.Patient]),
		Providers:   len(s.byType[types.Provider]),
		Edges:       len(s.edges),
		FeatureDim:  s.featureDim,
		Relations:   s.relations,
	}
	total := 0
	for _, n := range s.nodes {
		d := len(n.distinct)
		total += d
		if d == 0 {
			st.Isolated++
		}
		st.MaxDegree = max(st.MaxDegree, d)
	}
	if st.Nodes > 0 {
		st.MeanDegree = float64(total) / float64(st.Nodes)
	}
	return st
}
