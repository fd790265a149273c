// Package pipeline wires the stages together: ingest -> curate -> graph
// store -> train or serve.
//
// Basic usage:
//
//	cfg, _ := config.Load("linksage.yaml")
//	p, err := pipeline.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//	if _, err := p.Refresh(ctx); err != nil { ... }
//	res, err := p.Train(ctx, pipeline.TrainOptions{})
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sanonone/linksage/pkg/checkpoint"
	"github.com/sanonone/linksage/pkg/config"
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/curate"
	"github.com/sanonone/linksage/pkg/embcache"
	"github.com/sanonone/linksage/pkg/export"
	"github.com/sanonone/linksage/pkg/features"
	"github.com/sanonone/linksage/pkg/graph"
	"github.com/sanonone/linksage/pkg/ingest"
	"github.com/sanonone/linksage/pkg/metrics"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/sampler"
	"github.com/sanonone/linksage/pkg/scorer"
	"github.com/sanonone/linksage/pkg/serving"
	"github.com/sanonone/linksage/pkg/train"
)

var tracer = otel.Tracer("linksage.pipeline")

// history is implemented by ingestors that can replay what they committed in
// earlier runs (the file ingestor's bronze log).
type history interface {
	Records() ([]types.RawEdge, error)
}

// Pipeline owns the state shared by every command: accumulated raw records,
// the curated edge set, the graph store and the serving layer.
type Pipeline struct {
	cfg      config.Config
	ingestor ingest.Ingestor
	canon    *curate.Canonicalizer
	features *features.Table
	store    *graph.Store
	cache    *embcache.Cache
	serving  *serving.Service

	mu          sync.RWMutex
	raw         []types.RawEdge
	undecodable int
	edges       *curate.EdgeSet
	report      curate.Report

	// refreshMu serializes Refresh; queries never take it.
	refreshMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open creates a pipeline over the configured landing directory and bronze
// log, replaying previously committed records.
func Open(cfg config.Config) (*Pipeline, error) {
	ing, err := ingest.NewFileIngestor(cfg.Data.LandingDir, cfg.Data.BronzeLog)
	if err != nil {
		return nil, err
	}
	p, err := New(cfg, ing)
	if err != nil {
		_ = ing.Close()
		return nil, err
	}
	return p, nil
}

// New creates a pipeline over an arbitrary ingestor.
func New(cfg config.Config, ing ingest.Ingestor) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		ingestor: ing,
		canon:    curate.NewCanonicalizer(cfg.Curate.ExtraSuffixes...),
		store:    graph.NewStore(),
		closed:   make(chan struct{}),
	}

	if h, ok := ing.(history); ok {
		recs, err := h.Records()
		if err != nil {
			return nil, fmt.Errorf("failed to replay committed records: %w", err)
		}
		p.raw = recs
		if len(recs) > 0 {
			slog.Info("[PIPELINE] Replayed committed records", "count", len(recs))
		}
	}

	var tables []*features.Table
	for _, tc := range cfg.Data.FeatureTables {
		t, err := features.LoadCSV(tc.Path, features.LoadOptions{
			DefaultType: types.NodeType(tc.Type),
			Namer:       p.canon,
			Prefix:      tc.Prefix,
		})
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if len(tables) > 0 {
		p.features = features.Concat(tables...)
	}

	if cfg.Cache.Enabled {
		c, err := embcache.Open(cfg.Cache.Config)
		if err != nil {
			return nil, err
		}
		p.cache = c
	}
	p.serving = serving.New(p.store, serving.Options{Cache: p.cache, Workers: cfg.Train.Workers})
	return p, nil
}

// Config returns the configuration the pipeline was opened with.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Store returns the graph store.
func (p *Pipeline) Store() *graph.Store { return p.store }

// Serving returns the query layer.
func (p *Pipeline) Serving() *serving.Service { return p.serving }

// Edges returns the latest curated edge set, or nil before the first curation.
func (p *Pipeline) Edges() *curate.EdgeSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.edges
}

// Report returns the latest curation report.
func (p *Pipeline) Report() curate.Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.report
}

// Resolve turns user input ("provider:Acme LLC" or a bare name) into the
// canonical node id used by the graph.
func (p *Pipeline) Resolve(s string, fallback types.NodeType) types.NodeID {
	id := types.ParseNodeID(s, fallback)
	return types.MakeNodeID(id.Type(), p.canon.Canonical(id.Name()))
}

// BuildOptions returns the snapshot options derived from the configuration.
func (p *Pipeline) BuildOptions() graph.BuildOptions {
	return graph.BuildOptions{
		Features:          p.features,
		DirectedRelations: p.cfg.Graph.DirectedRelations,
		Structural:        p.cfg.Graph.Structural,
	}
}

func (p *Pipeline) curateOptions() curate.Options {
	opts := curate.DefaultOptions()
	opts.Threshold = p.cfg.Curate.Threshold
	opts.Canonicalizer = p.canon
	if t := p.cfg.Curate.DefaultSourceType; t != "" {
		opts.DefaultSourceType = types.NodeType(t)
	}
	if t := p.cfg.Curate.DefaultTargetType; t != "" {
		opts.DefaultTargetType = types.NodeType(t)
	}
	return opts
}

// Ingest drains the ingestor and returns the number of committed batches and
// records.
func (p *Pipeline) Ingest(ctx context.Context) (int, int, error) {
	records := 0
	n, err := ingest.Drain(ctx, p.ingestor, func(b *ingest.Batch) error {
		p.mu.Lock()
		p.raw = append(p.raw, b.Records...)
		p.undecodable += len(b.Malformed)
		p.mu.Unlock()
		records += len(b.Records)
		return nil
	})
	if n > 0 {
		slog.Info("[PIPELINE] Ingested batches", "batches", n, "records", records)
	}
	return n, records, err
}

// Curate rebuilds the curated edge set from every record ingested so far.
func (p *Pipeline) Curate() (*curate.EdgeSet, curate.Report) {
	p.mu.RLock()
	raw := p.raw
	undecodable := p.undecodable
	p.mu.RUnlock()

	set, rep := curate.Curate(raw, p.curateOptions())
	rep.Total += undecodable
	rep.Malformed += undecodable

	metrics.RecordsCurated.WithLabelValues("kept").Set(float64(rep.Kept))
	metrics.RecordsCurated.WithLabelValues("malformed").Set(float64(rep.Malformed))
	metrics.RecordsCurated.WithLabelValues("below_threshold").Set(float64(rep.BelowThreshold))
	metrics.RecordsCurated.WithLabelValues("duplicate").Set(float64(rep.Duplicates))

	p.mu.Lock()
	p.edges, p.report = set, rep
	p.mu.Unlock()
	return set, rep
}

// RefreshResult summarizes one refresh.
type RefreshResult struct {
	Batches int           `json:"batches"`
	Records int           `json:"records"`
	Report  curate.Report `json:"report"`
	Graph   graph.Stats   `json:"graph"`
}

// Refresh ingests new batches, re-curates, publishes a new snapshot and
// recomputes serving embeddings when a model is loaded. Readers keep using
// the previous snapshot until the new one is published.
func (p *Pipeline) Refresh(ctx context.Context) (*RefreshResult, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.Refresh")
	defer span.End()
	fail := func(err error) (*RefreshResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	batches, records, err := p.Ingest(ctx)
	if err != nil {
		return fail(err)
	}
	set, rep := p.Curate()
	if set.Len() == 0 {
		return fail(types.ErrEmptyGraph)
	}
	snap, err := p.store.Rebuild(set, p.BuildOptions())
	if err != nil {
		return fail(err)
	}
	if p.serving.Model() != nil {
		if err := p.serving.Refresh(ctx); err != nil {
			return fail(err)
		}
	}
	span.SetAttributes(
		attribute.Int("pipeline.batches", batches),
		attribute.Int("pipeline.edges", set.Len()),
		attribute.Int64("pipeline.graph_version", int64(snap.Version())),
	)
	return &RefreshResult{Batches: batches, Records: records, Report: rep, Graph: snap.Stats()}, nil
}

// inputDim is the feature width snapshots are built with.
func (p *Pipeline) inputDim(edges *curate.EdgeSet) (int, error) {
	if snap := p.store.Current(); snap != nil {
		return snap.FeatureDim(), nil
	}
	snap, err := graph.Build(edges, p.BuildOptions())
	if err != nil {
		return 0, err
	}
	return snap.FeatureDim(), nil
}

func (p *Pipeline) newSampler(strategy string, seed uint64) (*sampler.Sampler, error) {
	s, err := sampler.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	return sampler.New(s, p.cfg.Sampler.Seeded, seed), nil
}

// TrainOptions controls a training run.
type TrainOptions struct {
	// Resume continues from the latest checkpoint when one exists.
	Resume bool
}

// Train fits a model on the current curated edge set. On success the model
// is installed into the serving layer.
func (p *Pipeline) Train(ctx context.Context, opts TrainOptions) (*train.Result, error) {
	edges := p.Edges()
	if edges == nil || edges.Len() == 0 {
		return nil, types.ErrEmptyGraph
	}
	dim, err := p.inputDim(edges)
	if err != nil {
		return nil, err
	}
	mcfg := sage.Config{InputDim: dim, Layers: p.cfg.Model.Layers}.WithDefaults()
	if err := mcfg.Validate(); err != nil {
		return nil, err
	}
	smp, err := p.newSampler(p.cfg.Sampler.Strategy, p.cfg.Sampler.Seed)
	if err != nil {
		return nil, err
	}
	mode, err := scorer.ParseMode(p.cfg.Model.Scorer)
	if err != nil {
		return nil, err
	}
	if len(p.cfg.Graph.DirectedRelations) > 0 && mode.Symmetric() {
		slog.Warn("[PIPELINE] Directed relations configured with a symmetric scorer", "scorer", mode)
	}

	rng := rand.New(rand.NewPCG(p.cfg.Train.Seed, 0x696e6974))
	model, err := sage.NewModel(sage.InitParams(mcfg, rng), smp)
	if err != nil {
		return nil, err
	}
	sc, err := scorer.New(scorer.InitParams(mode, mcfg.OutputDim(), rng))
	if err != nil {
		return nil, err
	}

	ctrl, err := train.NewController(edges, model, sc, p.cfg.Train, p.BuildOptions())
	if err != nil {
		return nil, err
	}
	if opts.Resume {
		if err := p.resume(ctrl); err != nil {
			return nil, err
		}
	}

	res, err := ctrl.Run(ctx)
	if err != nil {
		return res, err
	}
	p.serving.SetModel(&serving.Model{RunID: res.RunID, Embed: model, Scorer: sc})
	return res, nil
}

func (p *Pipeline) resume(ctrl *train.Controller) error {
	path, err := checkpoint.Latest(p.cfg.Train.CheckpointDir)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		slog.Warn("[PIPELINE] No checkpoint to resume from, starting fresh", "dir", p.cfg.Train.CheckpointDir)
		return nil
	}
	if err != nil {
		return err
	}
	ck, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	return ctrl.Resume(ck)
}

// LoadModel installs the model stored at path, or the latest checkpoint in
// the configured directory when path is empty.
func (p *Pipeline) LoadModel(path string) (*checkpoint.Checkpoint, error) {
	if path == "" {
		latest, err := checkpoint.Latest(p.cfg.Train.CheckpointDir)
		if err != nil {
			return nil, err
		}
		path = latest
	}
	ck, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if snap := p.store.Current(); snap != nil && snap.FeatureDim() != ck.ModelConfig.InputDim {
		return nil, &types.DimensionMismatchError{What: "checkpoint input dim", Expected: snap.FeatureDim(), Got: ck.ModelConfig.InputDim}
	}
	smp, err := p.newSampler(ck.Sampling, ck.Seed)
	if err != nil {
		return nil, err
	}
	model, err := sage.NewModel(ck.Model, smp)
	if err != nil {
		return nil, err
	}
	sc, err := scorer.New(ck.Scorer)
	if err != nil {
		return nil, err
	}
	p.serving.SetModel(&serving.Model{RunID: ck.RunID, Embed: model, Scorer: sc})
	slog.Info("[PIPELINE] Model loaded", "path", path, "run_id", ck.RunID, "epoch", ck.Epoch)
	return ck, nil
}

// ExportOptions controls what Export writes.
type ExportOptions struct {
	// PerNode is the number of predicted links per patient; zero skips predictions.
	PerNode  int
	MinScore float64
}

// Export writes curated links and, when a model is loaded, predicted links.
func (p *Pipeline) Export(ctx context.Context, sink *export.Sink, opts ExportOptions) error {
	edges := p.Edges()
	if edges == nil || edges.Len() == 0 {
		return types.ErrEmptyGraph
	}
	if err := sink.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := sink.WriteCurated(ctx, edges.Edges()); err != nil {
		return err
	}
	m := p.serving.Model()
	if m == nil || opts.PerNode <= 0 {
		return nil
	}
	links, err := p.serving.PredictLinks(ctx, types.Patient, opts.PerNode, opts.MinScore)
	if err != nil {
		return err
	}
	return sink.WritePredicted(ctx, m.RunID, links)
}

// RunBackground refreshes every interval until Close. Failures are logged.
func (p *Pipeline) RunBackground(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.closed:
				return
			case <-ticker.C:
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					select {
					case <-p.closed:
						cancel()
					case <-ctx.Done():
					}
				}()
				if _, err := p.Refresh(ctx); err != nil && !errors.Is(err, types.ErrEmptyGraph) {
					slog.Error("[PIPELINE] Background refresh failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Close stops background work and releases the ingestor and cache.
func (p *Pipeline) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		if c, ok := p.ingestor.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
		if p.cache != nil {
			errs = append(errs, p.cache.Close())
		}
	})
	return errors.Join(errs...)
}
