package train

import (
	"math"

	"github.com/sanonone/linksage/pkg/sage"
)

// adam is the Adam optimizer over a fixed list of tensors.
type adam struct {
	lr, beta1, beta2, eps float64
	step                  int
	m, v                  [][]float32
}

func newAdam(lr float64, tensors []sage.Tensor) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	a.m = make([][]float32, len(tensors))
	a.v = make([][]float32, len(tensors))
	for i, t := range tensors {
		a.m[i] = make([]float32, len(t.Data))
		a.v[i] = make([]float32, len(t.Data))
	}
	return a
}

// apply performs one update of params from grads (same order and shapes).
func (a *adam) apply(params, grads []sage.Tensor) {
	a.step++
	b1, b2 := float32(a.beta1), float32(a.beta2)
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	lr := float32(a.lr * math.Sqrt(c2) / c1)
	eps := float32(a.eps)

	for i, p := range params {
		g := grads[i].Data
		m, v := a.m[i], a.v[i]
		for j := range p.Data {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			p.Data[j] -= lr * m[j] / (float32(math.Sqrt(float64(v[j]))) + eps)
		}
	}
}

// clipGlobalNorm rescales grads so their joint L2 norm is at most maxNorm and
// returns the norm before clipping. maxNorm <= 0 disables clipping.
func clipGlobalNorm(grads []sage.Tensor, maxNorm float64) float64 {
	var sq float64
	for _, t := range grads {
		for _, v := range t.Data {
			sq += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / norm)
	for _, t := range grads {
		for j := range t.Data {
			t.Data[j] *= scale
		}
	}
	return norm
}
