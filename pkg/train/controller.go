package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sanonone/linksage/pkg/checkpoint"
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/graph"
	"github.com/sanonone/linksage/pkg/metrics"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/scorer"
)

var tracer = otel.Tracer("linksage.train")

// State is the controller's lifecycle position.
type State string

const (
	Initialized    State = "initialized"
	SamplingBatch  State = "sampling_batch"
	ForwardPass    State = "forward_pass"
	LossComputed   State = "loss_computed"
	BackwardUpdate State = "backward_update"
	EpochComplete  State = "epoch_complete"
	Converged      State = "converged"
	Diverged       State = "diverged"
	Stopped        State = "stopped"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Converged || s == Diverged || s == Stopped
}

// EpochStats records one completed epoch.
type EpochStats struct {
	Epoch     int           `json:"epoch"`
	TrainLoss float64       `json:"train_loss"`
	ValLoss   float64       `json:"val_loss"`
	ValAUC    float64       `json:"val_auc"`
	GradNorm  float64       `json:"grad_norm"`
	Duration  time.Duration `json:"duration"`
}

// Result summarizes a finished run.
type Result struct {
	RunID       string
	State       State
	Epochs      int
	BestEpoch   int
	BestLoss    float64
	BestAUC     float64
	Checkpoint  string
	History     []EpochStats
	EmptyNbrhds int64
}

// Controller drives training of one model and scorer over a curated edge set.
// A controller runs once; create a new one per run.
type Controller struct {
	cfg    Config
	model  *sage.Model
	scorer *scorer.Scorer
	all    *curate.EdgeSet
	build  graph.BuildOptions

	runID      string
	startEpoch int

	graph    *graph.Snapshot
	trainSet []types.Edge
	valSet   []types.Edge
	valNegs  [][]types.NodeID
	negs     *scorer.NegativeSampler

	mu      sync.RWMutex
	state   State
	history []EpochStats
}

// excludeAll answers Linked against the full curated set so that neither
// training nor validation negatives are drawn from held-out positives.
type excludeAll struct {
	*graph.Snapshot
	all *curate.EdgeSet
}

func (e excludeAll) Linked(a, b types.NodeID) bool { return e.all.Linked(a, b) }

// NewController splits edges into training and validation sets, builds the
// training snapshot and checks model dimensions against it.
func NewController(edges *curate.EdgeSet, model *sage.Model, sc *scorer.Scorer, cfg Config, build graph.BuildOptions) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if edges == nil || edges.Len() == 0 {
		return nil, types.ErrEmptyGraph
	}
	if sc.Mode() != scorer.Dot && sc.Params().Dim != model.Config().OutputDim() {
		return nil, &types.DimensionMismatchError{What: "scorer dim", Expected: model.Config().OutputDim(), Got: sc.Params().Dim}
	}

	c := &Controller{
		cfg:    cfg,
		model:  model,
		scorer: sc,
		all:    edges,
		build:  build,
		runID:  uuid.NewString(),
		state:  Initialized,
	}
	c.split(edges.Edges())

	g, err := graph.Build(curate.NewEdgeSetFrom(c.trainSet), build)
	if err != nil {
		return nil, err
	}
	if g.FeatureDim() != model.Config().InputDim {
		return nil, &types.DimensionMismatchError{What: "node features", Expected: model.Config().InputDim, Got: g.FeatureDim()}
	}
	c.graph = g
	c.negs = scorer.NewNegativeSampler(excludeAll{Snapshot: g, all: edges}, cfg.NegativeStrategy, 0)

	// Validation negatives are fixed once per run.
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x7661))
	kept := c.valSet[:0]
	for _, e := range c.valSet {
		if !g.Has(e.Source) || !g.Has(e.Target) {
			continue
		}
		kept = append(kept, e)
		c.valNegs = append(c.valNegs, c.negs.Sample(e.Source, e.Target.Type(), cfg.Negatives, rng))
	}
	if dropped := len(c.valSet) - len(kept); dropped > 0 {
		slog.Warn("[TRAIN] Validation edges reference nodes absent from the training graph", "dropped", dropped)
	}
	c.valSet = kept

	slog.Info("[TRAIN] Controller ready",
		"run_id", c.runID, "train_edges", len(c.trainSet), "val_edges", len(c.valSet),
		"nodes", g.NumNodes(), "feature_dim", g.FeatureDim())
	return c, nil
}

// split shuffles with the run seed and holds out ValidationFraction of edges,
// keeping at least one training edge.
func (c *Controller) split(edges []types.Edge) {
	shuffled := append([]types.Edge(nil), edges...)
	rng := rand.New(rand.NewPCG(c.cfg.Seed, 0x73706c6974))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nVal := int(math.Round(c.cfg.ValidationFraction * float64(len(shuffled))))
	nVal = min(nVal, len(shuffled)-1)
	c.valSet = shuffled[:nVal]
	c.trainSet = shuffled[nVal:]
}

// Resume continues from a checkpoint: parameters, run id and epoch counter.
func (c *Controller) Resume(ck *checkpoint.Checkpoint) error {
	if err := ck.Model.Check(); err != nil {
		return err
	}
	if len(ck.Model.Layers) != len(c.model.Params().Layers) {
		return &types.DimensionMismatchError{What: "checkpoint layers", Expected: len(c.model.Params().Layers), Got: len(ck.Model.Layers)}
	}
	want, got := c.model.Params().Tensors(), ck.Model.Tensors()
	for i := range want {
		if len(want[i].Data) != len(got[i].Data) {
			return &types.DimensionMismatchError{What: "checkpoint " + want[i].Name, Expected: len(want[i].Data), Got: len(got[i].Data)}
		}
	}
	if ck.Scorer.Mode != c.scorer.Mode() {
		return fmt.Errorf("checkpoint scorer mode %s does not match %s", ck.Scorer.Mode, c.scorer.Mode())
	}
	c.model.Params().CopyFrom(ck.Model)
	c.scorer.Params().CopyFrom(ck.Scorer)
	c.runID = ck.RunID
	c.startEpoch = ck.Epoch
	slog.Info("[TRAIN] Resuming", "run_id", c.runID, "epoch", c.startEpoch)
	return nil
}

// RunID identifies the run in logs and checkpoints.
func (c *Controller) RunID() string { return c.runID }

// Graph returns the training snapshot.
func (c *Controller) Graph() *graph.Snapshot { return c.graph }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// History returns completed epoch stats.
func (c *Controller) History() []EpochStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]EpochStats(nil), c.history...)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// best tracks the parameters with the lowest validation loss.
type best struct {
	epoch  int
	loss   float64
	auc    float64
	model  *sage.Params
	scorer *scorer.Params
	path   string
}

// Run trains until convergence, divergence, the epoch limit or cancellation.
// Cancellation is honored at epoch boundaries: the controller checkpoints and
// returns the partial result along with ctx.Err(). On divergence the best
// parameters are restored and a *types.DivergenceError is returned.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "train.Run",
		trace.WithAttributes(
			attribute.String("train.run_id", c.runID),
			attribute.Int("train.edges", len(c.trainSet)),
			attribute.Int("train.epochs", c.cfg.Epochs),
		),
	)
	defer span.End()

	mp, sp := c.model.Params(), c.scorer.Params()
	params := append(mp.Tensors(), sp.Tensors()...)
	opt := newAdam(c.cfg.LearningRate, params)

	b := &best{epoch: c.startEpoch, loss: math.Inf(1), auc: math.NaN(), model: mp.Clone(), scorer: sp.Clone()}
	bad := 0

	finish := func(state State, err error) (*Result, error) {
		c.setState(state)
		metrics.TrainingRuns.WithLabelValues(string(state)).Inc()
		res := &Result{
			RunID:       c.runID,
			State:       state,
			Epochs:      len(c.History()),
			BestEpoch:   b.epoch,
			BestLoss:    b.loss,
			BestAUC:     b.auc,
			Checkpoint:  b.path,
			History:     c.History(),
			EmptyNbrhds: c.model.EmptyNeighborhoods(),
		}
		span.SetAttributes(attribute.String("train.state", string(state)), attribute.Int("train.best_epoch", b.epoch))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		slog.Info("[TRAIN] Run finished", "run_id", c.runID, "state", state, "best_epoch", b.epoch, "best_loss", b.loss)
		return res, err
	}

	for epoch := c.startEpoch + 1; epoch <= c.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			if path, cerr := c.save(epoch-1, mp, sp, b); cerr == nil && path != "" {
				b.path = path
			}
			return finish(Stopped, err)
		}

		stats, err := c.runEpoch(ctx, epoch, opt, params)
		if err != nil {
			var div *types.DivergenceError
			if errors.As(err, &div) {
				mp.CopyFrom(b.model)
				sp.CopyFrom(b.scorer)
				slog.Error("[TRAIN] Diverged, restored best parameters", "epoch", div.Epoch, "batch", div.Batch, "loss", div.LastLoss, "best_epoch", b.epoch)
				return finish(Diverged, err)
			}
			return finish(Stopped, err)
		}

		metric := stats.ValLoss
		if len(c.valSet) == 0 {
			metric = stats.TrainLoss
		}
		improved := metric < b.loss-c.cfg.MinDelta
		if improved {
			b.epoch, b.loss, b.auc = epoch, metric, stats.ValAUC
			b.model.CopyFrom(mp)
			b.scorer.CopyFrom(sp)
			bad = 0
			if path, err := c.save(epoch, mp, sp, b); err != nil {
				slog.Warn("[TRAIN] Checkpoint failed", "epoch", epoch, "error", err)
			} else if path != "" {
				b.path = path
			}
		} else {
			bad++
		}

		c.mu.Lock()
		c.history = append(c.history, stats)
		c.state = EpochComplete
		c.mu.Unlock()

		slog.Info("[TRAIN] Epoch complete",
			"epoch", epoch, "train_loss", stats.TrainLoss, "val_loss", stats.ValLoss,
			"val_auc", stats.ValAUC, "grad_norm", stats.GradNorm, "improved", improved, "duration", stats.Duration)

		if bad >= c.cfg.Patience {
			mp.CopyFrom(b.model)
			sp.CopyFrom(b.scorer)
			return finish(Converged, nil)
		}
	}

	mp.CopyFrom(b.model)
	sp.CopyFrom(b.scorer)
	return finish(EpochComplete, nil)
}

// save writes a checkpoint when a directory is configured.
func (c *Controller) save(epoch int, mp *sage.Params, sp *scorer.Params, b *best) (string, error) {
	if c.cfg.CheckpointDir == "" {
		return "", nil
	}
	m := map[string]float64{}
	if !math.IsInf(b.loss, 0) {
		m["val_loss"] = b.loss
	}
	if !math.IsNaN(b.auc) {
		m["val_auc"] = b.auc
	}
	smp := c.model.Sampler()
	path, err := checkpoint.Save(c.cfg.CheckpointDir, &checkpoint.Checkpoint{
		Header: checkpoint.Header{
			RunID:     c.runID,
			Epoch:     epoch,
			Precision: c.cfg.CheckpointPrecision,
			Sampling:  smp.Strategy.String(),
			Seed:      smp.Seed,
			Directed:  c.build.DirectedRelations,
			Metrics:   m,
		},
		Model:  mp,
		Scorer: sp,
	})
	if err != nil {
		return "", err
	}
	if err := checkpoint.Prune(c.cfg.CheckpointDir, c.cfg.KeepCheckpoints); err != nil {
		slog.Warn("[TRAIN] Checkpoint pruning failed", "error", err)
	}
	return path, nil
}

func (c *Controller) runEpoch(ctx context.Context, epoch int, opt *adam, params []sage.Tensor) (EpochStats, error) {
	start := time.Now()
	_, span := tracer.Start(ctx, "train.Epoch", trace.WithAttributes(attribute.Int("train.epoch", epoch)))
	defer span.End()

	order := append([]types.Edge(nil), c.trainSet...)
	rng := rand.New(rand.NewPCG(c.cfg.Seed, uint64(epoch)))
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	var total float64
	var gradNorm float64
	batches := 0
	for lo := 0; lo < len(order); lo += c.cfg.BatchSize {
		hi := min(lo+c.cfg.BatchSize, len(order))
		salt := uint64(epoch)<<32 | uint64(lo)

		c.setState(SamplingBatch)
		loss, grads, err := c.batchGradients(order[lo:hi], salt)
		if err != nil {
			return EpochStats{}, err
		}
		c.setState(LossComputed)
		if math.IsNaN(loss) || math.IsInf(loss, 0) || (c.cfg.MaxLoss > 0 && loss > c.cfg.MaxLoss) {
			return EpochStats{}, &types.DivergenceError{Epoch: epoch, Batch: batches, LastLoss: loss}
		}

		c.setState(BackwardUpdate)
		gradNorm = clipGlobalNorm(grads, c.cfg.GradClip)
		if math.IsNaN(gradNorm) || math.IsInf(gradNorm, 0) {
			return EpochStats{}, &types.DivergenceError{Epoch: epoch, Batch: batches, LastLoss: loss}
		}
		opt.apply(params, grads)

		total += loss
		batches++
	}

	stats := EpochStats{Epoch: epoch, GradNorm: gradNorm}
	if batches > 0 {
		stats.TrainLoss = total / float64(batches)
	}
	var err error
	stats.ValLoss, stats.ValAUC, err = c.validate(ctx, epoch)
	if err != nil {
		return EpochStats{}, err
	}
	if math.IsNaN(stats.ValLoss) || math.IsInf(stats.ValLoss, 0) {
		return EpochStats{}, &types.DivergenceError{Epoch: epoch, Batch: types.ValidationBatch, LastLoss: stats.ValLoss}
	}
	stats.Duration = time.Since(start)

	metrics.EpochsTotal.Inc()
	metrics.EpochDuration.Observe(stats.Duration.Seconds())
	metrics.TrainLoss.WithLabelValues("train").Set(stats.TrainLoss)
	if len(c.valSet) > 0 {
		metrics.TrainLoss.WithLabelValues("validation").Set(stats.ValLoss)
	}
	if !math.IsNaN(stats.ValAUC) {
		metrics.ValidationAUC.Set(stats.ValAUC)
	}
	span.SetAttributes(attribute.Float64("train.loss", stats.TrainLoss), attribute.Float64("train.val_loss", stats.ValLoss))
	return stats, nil
}

// shard accumulates the gradients of a slice of positives.
type shard struct {
	model  *sage.Params
	scorer *scorer.Params
	loss   float64
}

// batchGradients computes the mean loss over the batch positives and the
// matching gradients. Shards run in parallel and are reduced in shard order.
func (c *Controller) batchGradients(batch []types.Edge, salt uint64) (float64, []sage.Tensor, error) {
	workers := c.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, len(batch))
	shards := make([]*shard, workers)
	scale := 1 / float64(len(batch))

	c.setState(ForwardPass)
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		sh := &shard{model: sage.NewParams(c.model.Config()), scorer: scorer.NewParams(c.scorer.Mode(), c.scorer.Params().Dim)}
		shards[w] = sh
		eg.Go(func() error {
			for i := w; i < len(batch); i += workers {
				if err := c.accumulate(batch[i], salt+uint64(i), scale, sh); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, nil, err
	}

	total := shards[0]
	for _, sh := range shards[1:] {
		total.model.Accumulate(sh.model)
		total.scorer.Accumulate(sh.scorer)
		total.loss += sh.loss
	}
	return total.loss, append(total.model.Tensors(), total.scorer.Tensors()...), nil
}

// accumulate adds the loss and gradients of one positive and its negatives.
func (c *Controller) accumulate(e types.Edge, salt uint64, scale float64, sh *shard) error {
	smp := c.model.Sampler()
	rng := smp.RNG(e.Source, salt)

	src, err := c.model.Forward(c.graph, e.Source, rng)
	if err != nil {
		return err
	}
	dst, err := c.model.Forward(c.graph, e.Target, rng)
	if err != nil {
		return err
	}
	dSrc := make([]float32, len(src.Out))

	pair := func(other *sage.Trace, label float64) error {
		z, err := c.scorer.Logit(src.Out, other.Out)
		if err != nil {
			return err
		}
		loss, g := scorer.BCE(z, label)
		sh.loss += loss * scale
		dOther := make([]float32, len(other.Out))
		c.scorer.Backward(src.Out, other.Out, g*scale, dSrc, dOther, sh.scorer)
		c.model.Backward(other, dOther, sh.model)
		return nil
	}

	if err := pair(dst, 1); err != nil {
		return err
	}
	for _, n := range c.negs.Sample(e.Source, e.Target.Type(), c.cfg.Negatives, rng) {
		neg, err := c.model.Forward(c.graph, n, rng)
		if err != nil {
			return err
		}
		if err := pair(neg, 0); err != nil {
			return err
		}
	}
	c.model.Backward(src, dSrc, sh.model)
	return nil
}

// validate scores held-out positives against their fixed negatives.
func (c *Controller) validate(ctx context.Context, epoch int) (float64, float64, error) {
	if len(c.valSet) == 0 {
		return 0, math.NaN(), nil
	}
	_, span := tracer.Start(ctx, "train.Validate")
	defer span.End()

	var (
		loss   float64
		scores []float64
		labels []bool
		n      int
	)
	salt := uint64(1) << 63
	for i, e := range c.valSet {
		rng := c.model.Sampler().RNG(e.Source, salt+uint64(i))
		src, err := c.model.Embed(c.graph, e.Source, rng)
		if err != nil {
			return 0, 0, err
		}
		score := func(id types.NodeID, label float64) error {
			emb, err := c.model.Embed(c.graph, id, rng)
			if err != nil {
				return err
			}
			z, err := c.scorer.Logit(src, emb)
			if err != nil {
				return err
			}
			l, _ := scorer.BCE(z, label)
			loss += l
			n++
			scores = append(scores, z)
			labels = append(labels, label == 1)
			return nil
		}
		if err := score(e.Target, 1); err != nil {
			return 0, 0, err
		}
		for _, neg := range c.valNegs[i] {
			if err := score(neg, 0); err != nil {
				return 0, 0, err
			}
		}
	}
	auc := rocAUC(scores, labels)
	span.SetAttributes(attribute.Int("train.epoch", epoch), attribute.Float64("train.val_auc", auc))
	return loss / float64(n), auc, nil
}
