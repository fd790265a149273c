package sage

import (
	"math"

	"github.com/sanonone/linksage/pkg/core/vecmath"
)

// aggState keeps the intermediates an aggregator needs for its backward pass.
type aggState struct {
	pre    [][]float32 // pooling: pre-activation per neighbor
	argmax []int       // maxpool: winning neighbor per output unit
	states [][]float32 // sequential: s_0 .. s_T
}

// aggregatorFuncs is one entry of the aggregator function table. Both
// functions are only called with at least one neighbor.
type aggregatorFuncs struct {
	forward  func(lp *LayerParams, in, pool int, nbrs [][]float32, st *aggState) []float32
	backward func(lp, grad *LayerParams, in, pool int, nbrs [][]float32, st *aggState, dAgg []float32) [][]float32
}

var aggregators = map[Aggregator]aggregatorFuncs{
	Mean:       {forward: meanForward, backward: meanBackward},
	MaxPool:    {forward: poolForward(true), backward: poolBackward(true)},
	MeanPool:   {forward: poolForward(false), backward: poolBackward(false)},
	Sequential: {forward: seqForward, backward: seqBackward},
}

func meanForward(_ *LayerParams, in, _ int, nbrs [][]float32, _ *aggState) []float32 {
	out := make([]float32, in)
	for _, h := range nbrs {
		vecmath.Add(h, out)
	}
	vecmath.Scale(1/float32(len(nbrs)), out)
	return out
}

func meanBackward(_, _ *LayerParams, in, _ int, nbrs [][]float32, _ *aggState, dAgg []float32) [][]float32 {
	scale := 1 / float32(len(nbrs))
	out := make([][]float32, len(nbrs))
	for j := range nbrs {
		d := make([]float32, in)
		vecmath.Axpy(scale, dAgg, d)
		out[j] = d
	}
	return out
}

func poolForward(useMax bool) func(*LayerParams, int, int, [][]float32, *aggState) []float32 {
	return func(lp *LayerParams, in, pool int, nbrs [][]float32, st *aggState) []float32 {
		st.pre = make([][]float32, len(nbrs))
		out := make([]float32, pool)
		if useMax {
			st.argmax = make([]int, pool)
		}
		for j, h := range nbrs {
			q := make([]float32, pool)
			copy(q, lp.PoolB)
			vecmath.MulVecAdd(pool, in, lp.PoolW, h, q)
			st.pre[j] = q
			for k, v := range q {
				p := max(v, 0)
				switch {
				case !useMax:
					out[k] += p
				case j == 0 || p > out[k]:
					out[k] = p
					st.argmax[k] = j
				}
			}
		}
		if !useMax {
			vecmath.Scale(1/float32(len(nbrs)), out)
		}
		return out
	}
}

func poolBackward(useMax bool) func(*LayerParams, *LayerParams, int, int, [][]float32, *aggState, []float32) [][]float32 {
	return func(lp, grad *LayerParams, in, pool int, nbrs [][]float32, st *aggState, dAgg []float32) [][]float32 {
		scale := 1 / float32(len(nbrs))
		out := make([][]float32, len(nbrs))
		dq := make([]float32, pool)
		for j, h := range nbrs {
			for k := range dq {
				var dp float32
				if useMax {
					if st.argmax[k] == j {
						dp = dAgg[k]
					}
				} else {
					dp = dAgg[k] * scale
				}
				if st.pre[j][k] <= 0 {
					dp = 0
				}
				dq[k] = dp
			}
			vecmath.AddOuter(pool, in, 1, dq, h, grad.PoolW)
			vecmath.Add(dq, grad.PoolB)
			dh := make([]float32, in)
			vecmath.MulTransVecAdd(pool, in, lp.PoolW, dq, dh)
			out[j] = dh
		}
		return out
	}
}

func seqForward(lp *LayerParams, in, _ int, nbrs [][]float32, st *aggState) []float32 {
	st.states = make([][]float32, len(nbrs)+1)
	st.states[0] = make([]float32, in)
	for t, x := range nbrs {
		a := make([]float32, in)
		copy(a, lp.SeqB)
		vecmath.MulVecAdd(in, in, lp.SeqU, x, a)
		vecmath.MulVecAdd(in, in, lp.SeqW, st.states[t], a)
		for i, v := range a {
			a[i] = float32(math.Tanh(float64(v)))
		}
		st.states[t+1] = a
	}
	out := make([]float32, in)
	copy(out, st.states[len(nbrs)])
	return out
}

func seqBackward(lp, grad *LayerParams, in, _ int, nbrs [][]float32, st *aggState, dAgg []float32) [][]float32 {
	out := make([][]float32, len(nbrs))
	ds := make([]float32, in)
	copy(ds, dAgg)
	da := make([]float32, in)
	for t := len(nbrs) - 1; t >= 0; t-- {
		s := st.states[t+1]
		for i := range da {
			da[i] = ds[i] * (1 - s[i]*s[i])
		}
		vecmath.AddOuter(in, in, 1, da, nbrs[t], grad.SeqU)
		vecmath.AddOuter(in, in, 1, da, st.states[t], grad.SeqW)
		vecmath.Add(da, grad.SeqB)

		dx := make([]float32, in)
		vecmath.MulTransVecAdd(in, in, lp.SeqU, da, dx)
		out[t] = dx

		next := make([]float32, in)
		vecmath.MulTransVecAdd(in, in, lp.SeqW, da, next)
		ds = next
	}
	return out
}
