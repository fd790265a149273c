package sage

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/core/vecmath"
	"github.com/sanonone/linksage/pkg/metrics"
	"github.com/sanonone/linksage/pkg/sampler"
)

// normEps guards L2 normalization of (near) zero vectors.
const normEps = 1e-12

// Graph is the snapshot view the engine reads. *graph.Snapshot satisfies it.
type Graph interface {
	sampler.Graph
	Has(id types.NodeID) bool
	Features(id types.NodeID) []float32
	FeatureDim() int
}

// Model computes node embeddings from a snapshot and a set of parameters.
// It holds no per-call state, so one Model serves concurrent callers as long
// as its parameters are not updated meanwhile.
type Model struct {
	cfg     Config
	params  *Params
	sampler *sampler.Sampler
	empty   atomic.Int64
}

// NewModel validates params against their config. A nil sampler means
// unseeded uniform sampling.
func NewModel(params *Params, s *sampler.Sampler) (*Model, error) {
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if err := params.Check(); err != nil {
		return nil, err
	}
	if s == nil {
		s = sampler.New(sampler.Uniform, false, 0)
	}
	return &Model{cfg: params.Config, params: params, sampler: s}, nil
}

// Config returns the architecture.
func (m *Model) Config() Config { return m.cfg }

// Params returns the live parameters.
func (m *Model) Params() *Params { return m.params }

// Sampler returns the neighbor sampler.
func (m *Model) Sampler() *sampler.Sampler { return m.sampler }

// EmptyNeighborhoods returns how many aggregations found no neighbors.
// These are warnings: the aggregate falls back to the zero vector.
func (m *Model) EmptyNeighborhoods() int64 { return m.empty.Load() }

// Trace is the computation tree of one embedding. Backward walks it to
// accumulate gradients.
type Trace struct {
	ID  types.NodeID
	Out []float32

	layer  int // producing layer; len(Layers) for raw features
	self   *Trace
	nbrs   []*Trace
	concat []float32
	pre    []float32
	norm   float32
	agg    aggState
}

// Forward computes the embedding of id and returns its trace.
func (m *Model) Forward(g Graph, id types.NodeID, rng *rand.Rand) (*Trace, error) {
	if g.FeatureDim() != m.cfg.InputDim {
		return nil, &types.DimensionMismatchError{What: "node features", Expected: m.cfg.InputDim, Got: g.FeatureDim()}
	}
	if !g.Has(id) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownNode, id)
	}
	return m.forward(g, id, 0, rng), nil
}

func (m *Model) forward(g Graph, id types.NodeID, l int, rng *rand.Rand) *Trace {
	if l == len(m.cfg.Layers) {
		return &Trace{ID: id, layer: l, Out: g.Features(id)}
	}
	lc := m.cfg.Layers[l]
	lp := &m.params.Layers[l]
	in, aggDim := m.cfg.inDim(l), m.cfg.aggDim(l)

	t := &Trace{ID: id, layer: l}
	ids := m.sampler.Sample(g, id, lc.Fanout, rng)
	t.self = m.forward(g, id, l+1, rng)

	vecs := make([][]float32, len(ids))
	t.nbrs = make([]*Trace, len(ids))
	for j, nb := range ids {
		t.nbrs[j] = m.forward(g, nb, l+1, rng)
		vecs[j] = t.nbrs[j].Out
	}

	var agg []float32
	if len(ids) == 0 {
		agg = make([]float32, aggDim)
		m.empty.Add(1)
		metrics.EmptyNeighborhoods.Inc()
	} else {
		agg = aggregators[lc.Aggregator].forward(lp, in, lc.PoolDim, vecs, &t.agg)
	}

	t.concat = make([]float32, 0, in+aggDim)
	t.concat = append(t.concat, t.self.Out...)
	t.concat = append(t.concat, agg...)

	z := make([]float32, lc.OutputDim)
	copy(z, lp.B)
	vecmath.MulVecAdd(lc.OutputDim, in+aggDim, lp.W, t.concat, z)
	t.pre = z

	out := make([]float32, lc.OutputDim)
	for i, v := range z {
		if lc.Activation == ReLU && v < 0 {
			continue
		}
		out[i] = v
	}
	if lc.Normalize {
		t.norm = vecmath.Norm(out)
		if t.norm > normEps {
			vecmath.Scale(1/t.norm, out)
		}
	}
	t.Out = out
	return t
}

// Backward accumulates into grad the gradient of a scalar loss given dOut,
// its gradient with respect to t.Out.
func (m *Model) Backward(t *Trace, dOut []float32, grad *Params) {
	m.backward(t, dOut, grad)
}

func (m *Model) backward(t *Trace, dy []float32, grad *Params) {
	if t.layer == len(m.cfg.Layers) {
		return
	}
	lc := m.cfg.Layers[t.layer]
	lp := &m.params.Layers[t.layer]
	gp := &grad.Layers[t.layer]
	in, aggDim := m.cfg.inDim(t.layer), m.cfg.aggDim(t.layer)
	out := lc.OutputDim

	// y = a/|a|  =>  da = (dy - y (y.dy)) / |a|
	da := dy
	if lc.Normalize && t.norm > normEps {
		da = make([]float32, out)
		copy(da, dy)
		vecmath.Axpy(-vecmath.Dot(t.Out, dy), t.Out, da)
		vecmath.Scale(1/t.norm, da)
	}

	dz := make([]float32, out)
	for i, v := range da {
		if lc.Activation == ReLU && t.pre[i] <= 0 {
			continue
		}
		dz[i] = v
	}

	vecmath.AddOuter(out, in+aggDim, 1, dz, t.concat, gp.W)
	vecmath.Add(dz, gp.B)

	dconcat := make([]float32, in+aggDim)
	vecmath.MulTransVecAdd(out, in+aggDim, lp.W, dz, dconcat)

	m.backward(t.self, dconcat[:in], grad)
	if len(t.nbrs) == 0 {
		return
	}
	vecs := make([][]float32, len(t.nbrs))
	for j, nb := range t.nbrs {
		vecs[j] = nb.Out
	}
	dh := aggregators[lc.Aggregator].backward(lp, gp, in, lc.PoolDim, vecs, &t.agg, dconcat[in:])
	for j, nb := range t.nbrs {
		m.backward(nb, dh[j], grad)
	}
}

// Embed returns the embedding of id.
func (m *Model) Embed(g Graph, id types.NodeID, rng *rand.Rand) ([]float32, error) {
	t, err := m.Forward(g, id, rng)
	if err != nil {
		return nil, err
	}
	return t.Out, nil
}

// EmbedAll embeds ids in parallel. Each node draws from its own stream
// derived from the sampler seed and salt, so seeded results do not depend on
// scheduling. workers <= 0 uses GOMAXPROCS.
func (m *Model) EmbedAll(ctx context.Context, g Graph, ids []types.NodeID, workers int, salt uint64) (map[types.NodeID][]float32, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([][]float32, len(ids))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, id := range ids {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vec, err := m.Embed(g, id, m.sampler.RNG(id, salt))
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make(map[types.NodeID][]float32, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	slog.Debug("[SAGE] Embedded nodes", "count", len(ids), "empty_neighborhoods", m.empty.Load())
	return out, nil
}
