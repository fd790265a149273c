package sage

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sanonone/linksage/pkg/core/types"
)

// LayerParams holds the weights of one layer. Matrices are row-major.
type LayerParams struct {
	W []float32 // out x (in + agg)
	B []float32 // out

	PoolW []float32 // pool x in (pooling aggregators)
	PoolB []float32 // pool

	SeqU []float32 // in x in (sequential aggregator, input weights)
	SeqW []float32 // in x in (recurrent weights)
	SeqB []float32 // in
}

// Params are the trainable weights of a model. A Params value with all
// zeros doubles as a gradient buffer.
type Params struct {
	Config Config
	Layers []LayerParams
}

// Tensor is a named view on one weight slice.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Bias bool
	Data []float32
}

// NewParams allocates zeroed parameters shaped for cfg.
func NewParams(cfg Config) *Params {
	cfg = cfg.WithDefaults()
	p := &Params{Config: cfg, Layers: make([]LayerParams, len(cfg.Layers))}
	for l, lc := range cfg.Layers {
		in, agg := cfg.inDim(l), cfg.aggDim(l)
		lp := &p.Layers[l]
		lp.W = make([]float32, lc.OutputDim*(in+agg))
		lp.B = make([]float32, lc.OutputDim)
		switch {
		case lc.Aggregator.pooled():
			lp.PoolW = make([]float32, lc.PoolDim*in)
			lp.PoolB = make([]float32, lc.PoolDim)
		case lc.Aggregator == Sequential:
			lp.SeqU = make([]float32, in*in)
			lp.SeqW = make([]float32, in*in)
			lp.SeqB = make([]float32, in)
		}
	}
	return p
}

// InitParams returns parameters with Glorot-uniform weights and zero biases.
func InitParams(cfg Config, rng *rand.Rand) *Params {
	p := NewParams(cfg)
	for _, t := range p.Tensors() {
		if t.Bias {
			continue
		}
		limit := math.Sqrt(6 / float64(t.Rows+t.Cols))
		for i := range t.Data {
			t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
		}
	}
	return p
}

// Tensors lists every weight slice in a fixed order. Biases have Cols == 1.
// The returned Data slices alias the parameters.
func (p *Params) Tensors() []Tensor {
	cfg := p.Config
	var out []Tensor
	for l, lc := range cfg.Layers {
		in, agg := cfg.inDim(l), cfg.aggDim(l)
		lp := &p.Layers[l]
		prefix := fmt.Sprintf("sage.layer%d.", l)
		out = append(out,
			Tensor{Name: prefix + "w", Rows: lc.OutputDim, Cols: in + agg, Data: lp.W},
			Tensor{Name: prefix + "b", Rows: lc.OutputDim, Cols: 1, Bias: true, Data: lp.B},
		)
		switch {
		case lc.Aggregator.pooled():
			out = append(out,
				Tensor{Name: prefix + "pool_w", Rows: lc.PoolDim, Cols: in, Data: lp.PoolW},
				Tensor{Name: prefix + "pool_b", Rows: lc.PoolDim, Cols: 1, Bias: true, Data: lp.PoolB},
			)
		case lc.Aggregator == Sequential:
			out = append(out,
				Tensor{Name: prefix + "seq_u", Rows: in, Cols: in, Data: lp.SeqU},
				Tensor{Name: prefix + "seq_w", Rows: in, Cols: in, Data: lp.SeqW},
				Tensor{Name: prefix + "seq_b", Rows: in, Cols: 1, Bias: true, Data: lp.SeqB},
			)
		}
	}
	return out
}

// Check verifies that every tensor matches the shape its config implies.
func (p *Params) Check() error {
	if len(p.Layers) != len(p.Config.Layers) {
		return &types.DimensionMismatchError{What: "layer count", Expected: len(p.Config.Layers), Got: len(p.Layers)}
	}
	for _, t := range p.Tensors() {
		if len(t.Data) != t.Rows*t.Cols {
			return &types.DimensionMismatchError{What: t.Name, Expected: t.Rows * t.Cols, Got: len(t.Data)}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *Params) Clone() *Params {
	c := NewParams(p.Config)
	src, dst := p.Tensors(), c.Tensors()
	for i := range src {
		copy(dst[i].Data, src[i].Data)
	}
	return c
}

// CopyFrom overwrites p with o's values. Shapes must match.
func (p *Params) CopyFrom(o *Params) {
	dst, src := p.Tensors(), o.Tensors()
	for i := range dst {
		copy(dst[i].Data, src[i].Data)
	}
}

// Zero clears every tensor.
func (p *Params) Zero() {
	for _, t := range p.Tensors() {
		clear(t.Data)
	}
}

// Accumulate adds o into p element-wise.
func (p *Params) Accumulate(o *Params) {
	dst, src := p.Tensors(), o.Tensors()
	for i := range dst {
		for j, v := range src[i].Data {
			dst[i].Data[j] += v
		}
	}
}
