package scorer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/graph"
)

func randVec(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestDotScore(t *testing.T) {
	s, err := New(NewParams(Dot, 2))
	require.NoError(t, err)

	p, err := s.Score([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-1)), p, 1e-9)

	p, err = s.Score([]float32{0, 0}, []float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p)

	_, err = s.Score([]float32{1}, []float32{1, 2})
	var mismatch *types.DimensionMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestSymmetricModes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, mode := range []Mode{Dot, Bilinear} {
		params := InitParams(mode, 6, rng)
		for i := range params.M {
			params.M[i] += float32(rng.NormFloat64())
		}
		s, err := New(params)
		require.NoError(t, err)
		require.True(t, s.Mode().Symmetric())

		for i := 0; i < 20; i++ {
			a, b := randVec(rng, 6), randVec(rng, 6)
			ab, err := s.Score(a, b)
			require.NoError(t, err)
			ba, err := s.Score(b, a)
			require.NoError(t, err)
			assert.Equal(t, ab, ba, "%s score must be symmetric", mode)
			assert.GreaterOrEqual(t, ab, 0.0)
			assert.LessOrEqual(t, ab, 1.0)
		}
	}
}

func TestDirectionalIsAsymmetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	params := NewParams(Directional, 3)
	for i := range params.Q {
		params.Q[i] = float32(rng.NormFloat64())
		params.K[i] = float32(rng.NormFloat64())
	}
	s, err := New(params)
	require.NoError(t, err)
	assert.False(t, s.Mode().Symmetric())

	a, b := randVec(rng, 3), randVec(rng, 3)
	ab, _ := s.Score(a, b)
	ba, _ := s.Score(b, a)
	assert.NotEqual(t, ab, ba)
}

func TestBCE(t *testing.T) {
	loss, g := BCE(0, 1)
	assert.InDelta(t, math.Ln2, loss, 1e-12)
	assert.InDelta(t, -0.5, g, 1e-12)

	loss, g = BCE(0, 0)
	assert.InDelta(t, math.Ln2, loss, 1e-12)
	assert.InDelta(t, 0.5, g, 1e-12)

	loss, _ = BCE(1000, 1)
	assert.False(t, math.IsInf(loss, 0))
	assert.InDelta(t, 0, loss, 1e-9)
	loss, _ = BCE(-1000, 1)
	assert.InDelta(t, 1000, loss, 1e-9)
}

// TestBackwardMatchesFiniteDifferences checks gradients of L = BCE(logit, 1)
// with respect to both embeddings and the scorer weights.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, mode := range []Mode{Dot, Bilinear, Directional} {
		t.Run(string(mode), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(7, 8))
			const d = 4
			params := InitParams(mode, d, rng)
			for _, tn := range params.Tensors() {
				for i := range tn.Data {
					tn.Data[i] += float32(rng.NormFloat64() * 0.3)
				}
			}
			s, err := New(params)
			require.NoError(t, err)
			a, b := randVec(rng, d), randVec(rng, d)
			for i := range a {
				a[i] *= 0.5
				b[i] *= 0.5
			}

			loss := func() float64 {
				z, err := s.Logit(a, b)
				require.NoError(t, err)
				l, _ := BCE(z, 1)
				return l
			}
			z, err := s.Logit(a, b)
			require.NoError(t, err)
			_, g := BCE(z, 1)

			da, db := make([]float32, d), make([]float32, d)
			grad := NewParams(mode, d)
			s.Backward(a, b, g, da, db, grad)

			const eps = 1e-3
			check := func(name string, x []float32, analytic []float32) {
				for i := range x {
					orig := x[i]
					x[i] = orig + eps
					lp := loss()
					x[i] = orig - eps
					lm := loss()
					x[i] = orig
					num := (lp - lm) / (2 * eps)
					assert.InDelta(t, num, float64(analytic[i]), 5e-3+2e-2*math.Abs(num), "%s[%d]", name, i)
				}
			}
			check("a", a, da)
			check("b", b, db)
			analytic := grad.Tensors()
			for k, tn := range params.Tensors() {
				check(tn.Name, tn.Data, analytic[k].Data)
			}
		})
	}
}

func negGraph(t *testing.T) *graph.Snapshot {
	var edges []types.Edge
	src := types.MakeNodeID(types.Patient, "src")
	for i := 0; i < 10; i++ {
		d := types.MakeNodeID(types.Provider, fmt.Sprintf("d%d", i))
		if i < 3 {
			edges = append(edges, types.Edge{Source: src, Target: d, Relation: types.DefaultRelation, Confidence: 1})
		}
		// d9 is a hub.
		if i == 9 {
			for j := 0; j < 20; j++ {
				p := types.MakeNodeID(types.Patient, fmt.Sprintf("p%d", j))
				edges = append(edges, types.Edge{Source: p, Target: d, Relation: types.DefaultRelation, Confidence: 1})
			}
		} else if i >= 3 {
			p := types.MakeNodeID(types.Patient, fmt.Sprintf("p%d", i))
			edges = append(edges, types.Edge{Source: p, Target: d, Relation: types.DefaultRelation, Confidence: 1})
		}
	}
	g, err := graph.Build(curate.NewEdgeSetFrom(edges), graph.BuildOptions{})
	require.NoError(t, err)
	return g
}

func TestNegativeSamplerExcludesLinked(t *testing.T) {
	g := negGraph(t)
	src := types.MakeNodeID(types.Patient, "src")
	rng := rand.New(rand.NewPCG(1, 1))

	for _, strategy := range []NegativeStrategy{UniformNegatives, DegreeNegatives} {
		ns := NewNegativeSampler(g, strategy, 100)
		for i := 0; i < 50; i++ {
			negs := ns.Sample(src, types.Provider, 5, rng)
			assert.Len(t, negs, 5)
			seen := map[types.NodeID]bool{}
			for _, n := range negs {
				assert.False(t, g.Linked(src, n), "%s is linked to the source", n)
				assert.Equal(t, types.Provider, n.Type())
				assert.False(t, seen[n])
				seen[n] = true
			}
		}
	}
}

func TestNegativeSamplerBoundedAttempts(t *testing.T) {
	g := negGraph(t)
	src := types.MakeNodeID(types.Patient, "src")
	ns := NewNegativeSampler(g, UniformNegatives, 50)

	// Only 7 providers are not linked to src.
	negs := ns.Sample(src, types.Provider, 20, rand.New(rand.NewPCG(2, 2)))
	assert.Len(t, negs, 7)
	assert.Empty(t, ns.Sample(src, types.Provider, 0, rand.New(rand.NewPCG(2, 2))))
}

func TestDegreeNegativesFavorHubs(t *testing.T) {
	g := negGraph(t)
	src := types.MakeNodeID(types.Patient, "src")
	hub := types.MakeNodeID(types.Provider, "d9")
	rng := rand.New(rand.NewPCG(5, 5))

	count := func(strategy NegativeStrategy) int {
		ns := NewNegativeSampler(g, strategy, 0)
		n := 0
		for i := 0; i < 3000; i++ {
			if negs := ns.Sample(src, types.Provider, 1, rng); len(negs) == 1 && negs[0] == hub {
				n++
			}
		}
		return n
	}
	assert.Greater(t, count(DegreeNegatives), 2*count(UniformNegatives))
}
