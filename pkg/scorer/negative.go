package scorer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/sanonone/linksage/pkg/core/types"
)

// NegativeStrategy selects how negative candidates are drawn.
type NegativeStrategy string

const (
	// UniformNegatives draws candidates uniformly within the target partition.
	UniformNegatives NegativeStrategy = "uniform"
	// DegreeNegatives draws proportionally to degree^0.75.
	DegreeNegatives NegativeStrategy = "degree"
)

// ParseNegativeStrategy accepts "uniform" (or empty) and "degree".
func ParseNegativeStrategy(s string) (NegativeStrategy, error) {
	switch NegativeStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", UniformNegatives:
		return UniformNegatives, nil
	case DegreeNegatives:
		return DegreeNegatives, nil
	default:
		return "", fmt.Errorf("unknown negative sampling strategy %q", s)
	}
}

// degreePower flattens the degree distribution for biased sampling.
const degreePower = 0.75

// DefaultMaxAttempts bounds draws per requested negative.
const DefaultMaxAttempts = 10

// NegativeGraph is the snapshot view needed to draw negatives.
type NegativeGraph interface {
	NodesOfType(t types.NodeType) []types.NodeID
	Degree(id types.NodeID) int
	Linked(a, b types.NodeID) bool
}

type pool struct {
	ids []types.NodeID
	cum []float64 // cumulative weights, degree strategy only
}

// NegativeSampler draws nodes that have no curated edge to a given source.
// It is immutable after construction and safe for concurrent use.
type NegativeSampler struct {
	g           NegativeGraph
	strategy    NegativeStrategy
	maxAttempts int
	pools       map[types.NodeType]*pool
}

// NewNegativeSampler prepares per-partition candidate pools.
func NewNegativeSampler(g NegativeGraph, strategy NegativeStrategy, maxAttempts int) *NegativeSampler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ns := &NegativeSampler{g: g, strategy: strategy, maxAttempts: maxAttempts, pools: make(map[types.NodeType]*pool)}
	for _, t := range []types.NodeType{types.Patient, types.Provider} {
		p := &pool{ids: g.NodesOfType(t)}
		if strategy == DegreeNegatives {
			p.cum = make([]float64, len(p.ids))
			var total float64
			for i, id := range p.ids {
				total += math.Pow(float64(max(g.Degree(id), 1)), degreePower)
				p.cum[i] = total
			}
		}
		ns.pools[t] = p
	}
	return ns
}

func (p *pool) draw(rng *rand.Rand) types.NodeID {
	if p.cum == nil {
		return p.ids[rng.IntN(len(p.ids))]
	}
	x := rng.Float64() * p.cum[len(p.cum)-1]
	i := sort.SearchFloat64s(p.cum, x)
	if i >= len(p.ids) {
		i = len(p.ids) - 1
	}
	return p.ids[i]
}

// Sample returns up to k distinct nodes of type t, none equal to source and
// none linked to it. Fewer than k are returned when attempts run out.
func (ns *NegativeSampler) Sample(source types.NodeID, t types.NodeType, k int, rng *rand.Rand) []types.NodeID {
	p := ns.pools[t]
	if p == nil || len(p.ids) == 0 || k <= 0 {
		return nil
	}
	out := make([]types.NodeID, 0, k)
	seen := make(map[types.NodeID]struct{}, k)
	for attempt := 0; attempt < k*ns.maxAttempts && len(out) < k; attempt++ {
		c := p.draw(rng)
		if c == source {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		if ns.g.Linked(source, c) {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
