package sampler

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/types"
)

// starGraph is a hub connected to n leaves; leaf i has degree i+1.
type starGraph struct {
	hub    types.NodeID
	leaves []types.NodeID
}

func newStar(n int) *starGraph {
	g := &starGraph{hub: types.MakeNodeID(types.Provider, "hub")}
	for i := 0; i < n; i++ {
		g.leaves = append(g.leaves, types.MakeNodeID(types.Patient, fmt.Sprintf("p%03d", i)))
	}
	return g
}

func (g *starGraph) Neighbors(id types.NodeID, _ ...string) []types.NodeID {
	if id == g.hub {
		return g.leaves
	}
	return nil
}

func (g *starGraph) Degree(id types.NodeID) int {
	if id == g.hub {
		return len(g.leaves)
	}
	return slices.Index(g.leaves, id) + 1
}

func TestSampleBounds(t *testing.T) {
	g := newStar(20)
	rng := rand.New(rand.NewPCG(1, 2))

	for _, strategy := range []Strategy{Uniform, DegreeWeighted} {
		for _, fanout := range []int{1, 5, 19, 20, 50} {
			got := Sample(g, g.hub, fanout, strategy, rng)
			assert.Len(t, got, min(fanout, 20), "%s fanout %d", strategy, fanout)
			assert.True(t, slices.IsSorted(got))
			assert.Len(t, slices.Compact(slices.Clone(got)), len(got), "no replacement")
			for _, id := range got {
				assert.Contains(t, g.leaves, id)
			}
		}
	}
}

func TestSampleSmallDegreeReturnsAll(t *testing.T) {
	g := newStar(3)
	got := Sample(g, g.hub, 10, Uniform, rand.New(rand.NewPCG(7, 7)))
	assert.Equal(t, g.leaves, got)
}

func TestSampleEmpty(t *testing.T) {
	g := newStar(3)
	assert.Empty(t, Sample(g, g.leaves[0], 5, Uniform, rand.New(rand.NewPCG(1, 1))))
	assert.Empty(t, Sample(g, g.hub, 0, Uniform, rand.New(rand.NewPCG(1, 1))))
}

func TestSampleDoesNotMutateAdjacency(t *testing.T) {
	g := newStar(30)
	before := slices.Clone(g.leaves)
	Sample(g, g.hub, 5, Uniform, rand.New(rand.NewPCG(3, 4)))
	assert.Equal(t, before, g.leaves)
}

func TestSeededSamplerIsReproducible(t *testing.T) {
	g := newStar(50)
	s := New(Uniform, true, 42)

	a := s.Sample(g, g.hub, 10, s.RNG(g.hub, 3))
	b := s.Sample(g, g.hub, 10, s.RNG(g.hub, 3))
	c := s.Sample(g, g.hub, 10, s.RNG(g.hub, 4))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDegreeWeightedPrefersHighDegree(t *testing.T) {
	g := newStar(40)
	rng := rand.New(rand.NewPCG(11, 13))
	counts := make(map[types.NodeID]int)
	for i := 0; i < 2000; i++ {
		for _, id := range Sample(g, g.hub, 4, DegreeWeighted, rng) {
			counts[id]++
		}
	}
	low := counts[g.leaves[0]] + counts[g.leaves[1]] + counts[g.leaves[2]]
	high := counts[g.leaves[37]] + counts[g.leaves[38]] + counts[g.leaves[39]]
	assert.Greater(t, high, 5*low)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Uniform, s)
	s, err = ParseStrategy("Degree")
	require.NoError(t, err)
	assert.Equal(t, DegreeWeighted, s)
	_, err = ParseStrategy("importance")
	assert.Error(t, err)
}
