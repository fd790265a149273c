// Package scorer turns pairs of node embeddings into link probabilities and
// provides the loss and negative sampling used to train them.
package scorer

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/core/vecmath"
	"github.com/sanonone/linksage/pkg/sage"
)

// Mode selects the scoring function.
type Mode string

const (
	// Dot scores sigmoid(a.b). Symmetric.
	Dot Mode = "dot"
	// Bilinear scores sigmoid(a^T S b) with S the symmetric part of a learned
	// matrix. Symmetric.
	Bilinear Mode = "bilinear"
	// Directional scores sigmoid((Q a).(K b)). Asymmetric; used when
	// relations are directed.
	Directional Mode = "directional"
)

// ParseMode accepts the mode names; empty means Dot.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Dot:
		return Dot, nil
	case Bilinear:
		return Bilinear, nil
	case Directional:
		return Directional, nil
	default:
		return "", fmt.Errorf("unknown scorer mode %q", s)
	}
}

// Symmetric reports whether Score(a, b) == Score(b, a) for the mode.
func (m Mode) Symmetric() bool { return m != Directional }

// Params holds the scorer weights. Dot mode has none.
type Params struct {
	Mode Mode
	Dim  int
	M    []float32 // bilinear, Dim x Dim
	Q    []float32 // directional source transform, Dim x Dim
	K    []float32 // directional target transform, Dim x Dim
}

// NewParams allocates zeroed weights for mode.
func NewParams(mode Mode, dim int) *Params {
	p := &Params{Mode: mode, Dim: dim}
	switch mode {
	case Bilinear:
		p.M = make([]float32, dim*dim)
	case Directional:
		p.Q = make([]float32, dim*dim)
		p.K = make([]float32, dim*dim)
	}
	return p
}

// InitParams starts every matrix at identity plus small noise, so a fresh
// bilinear or directional scorer behaves close to Dot.
func InitParams(mode Mode, dim int, rng *rand.Rand) *Params {
	p := NewParams(mode, dim)
	for _, t := range p.Tensors() {
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * 0.01)
		}
		for i := 0; i < dim; i++ {
			t.Data[i*dim+i] += 1
		}
	}
	return p
}

// Tensors lists the weight matrices, aliasing the parameter slices.
func (p *Params) Tensors() []sage.Tensor {
	switch p.Mode {
	case Bilinear:
		return []sage.Tensor{{Name: "scorer.m", Rows: p.Dim, Cols: p.Dim, Data: p.M}}
	case Directional:
		return []sage.Tensor{
			{Name: "scorer.q", Rows: p.Dim, Cols: p.Dim, Data: p.Q},
			{Name: "scorer.k", Rows: p.Dim, Cols: p.Dim, Data: p.K},
		}
	default:
		return nil
	}
}

// Clone returns a deep copy.
func (p *Params) Clone() *Params {
	c := NewParams(p.Mode, p.Dim)
	c.CopyFrom(p)
	return c
}

// CopyFrom overwrites p with o's values.
func (p *Params) CopyFrom(o *Params) {
	dst, src := p.Tensors(), o.Tensors()
	for i := range dst {
		copy(dst[i].Data, src[i].Data)
	}
}

// Zero clears the weights.
func (p *Params) Zero() {
	for _, t := range p.Tensors() {
		clear(t.Data)
	}
}

// Accumulate adds o into p.
func (p *Params) Accumulate(o *Params) {
	dst, src := p.Tensors(), o.Tensors()
	for i := range dst {
		vecmath.Add(src[i].Data, dst[i].Data)
	}
}

// Scorer scores embedding pairs.
type Scorer struct {
	params *Params
}

// New validates params and returns a scorer.
func New(p *Params) (*Scorer, error) {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return nil, err
	}
	for _, t := range p.Tensors() {
		if len(t.Data) != t.Rows*t.Cols {
			return nil, &types.DimensionMismatchError{What: t.Name, Expected: t.Rows * t.Cols, Got: len(t.Data)}
		}
	}
	return &Scorer{params: p}, nil
}

// Mode returns the scoring mode.
func (s *Scorer) Mode() Mode { return s.params.Mode }

// Params returns the live weights.
func (s *Scorer) Params() *Params { return s.params }

func (s *Scorer) check(a, b []float32) error {
	if len(a) != len(b) {
		return &types.DimensionMismatchError{What: "embedding pair", Expected: len(a), Got: len(b)}
	}
	if s.params.Mode != Dot && len(a) != s.params.Dim {
		return &types.DimensionMismatchError{What: "scorer input", Expected: s.params.Dim, Got: len(a)}
	}
	return nil
}

// Logit returns the pre-sigmoid score of (a, b).
func (s *Scorer) Logit(a, b []float32) (float64, error) {
	if err := s.check(a, b); err != nil {
		return 0, err
	}
	d := s.params.Dim
	switch s.params.Mode {
	case Bilinear:
		mb := make([]float32, d)
		ma := make([]float32, d)
		vecmath.MulVec(d, d, s.params.M, b, mb)
		vecmath.MulVec(d, d, s.params.M, a, ma)
		// a^T S b = (a^T M b + b^T M a) / 2
		return 0.5 * (float64(vecmath.Dot(a, mb)) + float64(vecmath.Dot(b, ma))), nil
	case Directional:
		q := make([]float32, d)
		k := make([]float32, d)
		vecmath.MulVec(d, d, s.params.Q, a, q)
		vecmath.MulVec(d, d, s.params.K, b, k)
		return float64(vecmath.Dot(q, k)), nil
	default:
		return float64(vecmath.Dot(a, b)), nil
	}
}

// Score returns the link probability of (a, b) in [0, 1].
func (s *Scorer) Score(a, b []float32) (float64, error) {
	z, err := s.Logit(a, b)
	if err != nil {
		return 0, err
	}
	return vecmath.Sigmoid(z), nil
}

// Backward accumulates the gradient of a loss with dLoss/dLogit = g into da,
// db and grad.
func (s *Scorer) Backward(a, b []float32, g float64, da, db []float32, grad *Params) {
	gf := float32(g)
	d := s.params.Dim
	switch s.params.Mode {
	case Bilinear:
		// dL/da = g S b, dL/db = g S a, dL/dM = g (a b^T + b a^T) / 2
		half := gf / 2
		sb := make([]float32, d)
		vecmath.MulVec(d, d, s.params.M, b, sb)
		vecmath.MulTransVecAdd(d, d, s.params.M, b, sb)
		vecmath.Axpy(half, sb, da)
		sa := make([]float32, d)
		vecmath.MulVec(d, d, s.params.M, a, sa)
		vecmath.MulTransVecAdd(d, d, s.params.M, a, sa)
		vecmath.Axpy(half, sa, db)
		vecmath.AddOuter(d, d, half, a, b, grad.M)
		vecmath.AddOuter(d, d, half, b, a, grad.M)
	case Directional:
		q := make([]float32, d)
		k := make([]float32, d)
		vecmath.MulVec(d, d, s.params.Q, a, q)
		vecmath.MulVec(d, d, s.params.K, b, k)
		vecmath.MulTransVecAdd(d, d, s.params.Q, scaledVec(k, gf), da)
		vecmath.MulTransVecAdd(d, d, s.params.K, scaledVec(q, gf), db)
		vecmath.AddOuter(d, d, gf, k, a, grad.Q)
		vecmath.AddOuter(d, d, gf, q, b, grad.K)
	default:
		vecmath.Axpy(gf, b, da)
		vecmath.Axpy(gf, a, db)
	}
}

func scaledVec(x []float32, alpha float32) []float32 {
	out := make([]float32, len(x))
	vecmath.Axpy(alpha, x, out)
	return out
}

// BCE returns the binary cross-entropy of a logit against label (0 or 1) and
// its derivative with respect to the logit.
func BCE(logit, label float64) (loss, dLogit float64) {
	loss = vecmath.Softplus(logit) - label*logit
	dLogit = vecmath.Sigmoid(logit) - label
	return loss, dLogit
}
