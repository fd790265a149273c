// Package sampler draws bounded neighbor sets for embedding computation.
//
// Sampling never holds shared mutable state: every call receives its own
// *rand.Rand. Sampler derives those streams from a run seed so that seeded
// runs are reproducible regardless of goroutine scheduling.
package sampler

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/sanonone/linksage/pkg/core/types"
)

// Strategy selects how neighbors are drawn when degree exceeds the fanout.
type Strategy int

const (
	// Uniform draws without replacement with equal probability.
	Uniform Strategy = iota
	// DegreeWeighted favors high-degree neighbors (weight = neighbor degree).
	DegreeWeighted
)

func (s Strategy) String() string {
	switch s {
	case Uniform:
		return "uniform"
	case DegreeWeighted:
		return "degree"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy accepts "uniform" (or empty) and "degree"/"degree_weighted".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uniform":
		return Uniform, nil
	case "degree", "degree_weighted", "weighted":
		return DegreeWeighted, nil
	default:
		return Uniform, fmt.Errorf("unknown sampling strategy %q", s)
	}
}

// Graph is the read side of a snapshot the sampler needs.
type Graph interface {
	Neighbors(id types.NodeID, relations ...string) []types.NodeID
	Degree(id types.NodeID) int
}

// Sample returns at most fanout distinct neighbors of id, sorted by id.
// When the degree is at most fanout every neighbor is returned.
func Sample(g Graph, id types.NodeID, fanout int, strategy Strategy, rng *rand.Rand, relations ...string) []types.NodeID {
	all := g.Neighbors(id, relations...)
	if fanout <= 0 || len(all) == 0 {
		return nil
	}
	if len(all) <= fanout {
		return slices.Clone(all)
	}

	var out []types.NodeID
	switch strategy {
	case DegreeWeighted:
		out = weighted(g, all, fanout, rng)
	default:
		out = uniform(all, fanout, rng)
	}
	slices.Sort(out)
	return out
}

// uniform is a partial Fisher-Yates shuffle over a copy.
func uniform(all []types.NodeID, k int, rng *rand.Rand) []types.NodeID {
	pool := slices.Clone(all)
	n := len(pool)
	for i := 0; i < k; i++ {
		j := i + rng.IntN(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

// weighted draws k items without replacement using exponential keys:
// key = log(u)/w, keep the k largest.
func weighted(g Graph, all []types.NodeID, k int, rng *rand.Rand) []types.NodeID {
	type keyed struct {
		id  types.NodeID
		key float64
	}
	items := make([]keyed, len(all))
	for i, id := range all {
		w := float64(max(g.Degree(id), 1))
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		items[i] = keyed{id: id, key: math.Log(u) / w}
	}
	slices.SortFunc(items, func(a, b keyed) int {
		if a.key != b.key {
			if a.key > b.key {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a.id), string(b.id))
	})
	out := make([]types.NodeID, k)
	for i := range out {
		out[i] = items[i].id
	}
	return out
}

// Sampler carries the run-level sampling policy.
type Sampler struct {
	Strategy  Strategy
	Seeded    bool
	Seed      uint64
	Relations []string
}

// New returns a sampler. seed is ignored when seeded is false.
func New(strategy Strategy, seeded bool, seed uint64) *Sampler {
	return &Sampler{Strategy: strategy, Seeded: seeded, Seed: seed}
}

// RNG returns the random stream for one top-level computation rooted at node.
// In seeded mode the stream depends only on (seed, node, salt); otherwise it
// is freshly seeded.
func (s *Sampler) RNG(node types.NodeID, salt uint64) *rand.Rand {
	if s == nil || !s.Seeded {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(node))
	return rand.New(rand.NewPCG(s.Seed^h.Sum64(), salt*0x9e3779b97f4a7c15+1))
}

// Sample draws neighbors of id with the sampler's strategy and relation filter.
func (s *Sampler) Sample(g Graph, id types.NodeID, fanout int, rng *rand.Rand) []types.NodeID {
	return Sample(g, id, fanout, s.Strategy, rng, s.Relations...)
}
