package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	linkmcp "github.com/sanonone/linksage/internal/mcp"
	"github.com/sanonone/linksage/internal/server"
	"github.com/sanonone/linksage/pkg/checkpoint"
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/export"
	"github.com/sanonone/linksage/pkg/ingest"
	"github.com/sanonone/linksage/pkg/pipeline"
)

var (
	resume         bool
	modelPath      string
	predictPerNode int
	predictMin     float64

	ingestCmd = &cobra.Command{
		Use:   "ingest",
		Short: "Ingest landing-zone batches, curate them and print the curation report",
		RunE:  runIngest,
	}

	curateCmd = &cobra.Command{
		Use:   "curate",
		Short: "Re-curate already committed records without reading new batches",
		RunE:  runCurate,
	}

	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Train a link predictor on the curated graph",
		Long: `Ingests pending batches, curates the full history and trains a model.
Interrupting the run (Ctrl+C) writes a checkpoint that --resume continues from.`,
		RunE: runTrain,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve link scores and recommendations over HTTP",
		RunE:  runServe,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Watch the landing directory and refresh the graph on new batches",
		RunE:  runWatch,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write curated and predicted links to Neo4j",
		RunE:  runExport,
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve link prediction tools to an MCP client over stdio",
		RunE:  runMCP,
	}

	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "List checkpoints in the configured directory",
		RunE:  runCheckpoints,
	}
)

func init() {
	trainCmd.Flags().BoolVar(&resume, "resume", false, "continue from the latest checkpoint")
	for _, c := range []*cobra.Command{serveCmd, exportCmd, mcpCmd} {
		c.Flags().StringVar(&modelPath, "model", "", "checkpoint to serve (latest when empty)")
	}
	exportCmd.Flags().IntVar(&predictPerNode, "predict", 10, "predicted links per patient; 0 exports curated links only")
	exportCmd.Flags().Float64Var(&predictMin, "min-score", 0.5, "minimum score of exported predictions")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openRefreshed opens the pipeline and runs one refresh. An empty graph is
// an error only when required.
func openRefreshed(ctx context.Context, required bool) (*pipeline.Pipeline, *pipeline.RefreshResult, error) {
	p, err := pipeline.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	res, err := p.Refresh(ctx)
	if err != nil && (required || !errors.Is(err, types.ErrEmptyGraph)) {
		_ = p.Close()
		return nil, nil, err
	}
	return p, res, nil
}

// loadModel installs a checkpoint, tolerating its absence when no explicit
// path was given.
func loadModel(p *pipeline.Pipeline) error {
	if _, err := p.LoadModel(modelPath); err != nil {
		if modelPath == "" && errors.Is(err, checkpoint.ErrNoCheckpoint) {
			slog.Warn("No checkpoint found, serving without a model", "dir", cfg.Train.CheckpointDir)
			return nil
		}
		return err
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	p, res, err := openRefreshed(ctx, true)
	if err != nil {
		return err
	}
	defer p.Close()
	return printJSON(res)
}

func runCurate(cmd *cobra.Command, args []string) error {
	p, err := pipeline.Open(cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	set, rep := p.Curate()
	slog.Info("Curation complete", "edges", set.Len())
	return printJSON(rep)
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	p, _, err := openRefreshed(ctx, true)
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.Train(ctx, pipeline.TrainOptions{Resume: resume})
	if res != nil {
		fmt.Fprintf(os.Stdout, "run %s: %s after %d epochs (best epoch %d, loss %.4f, auc %.4f)\n",
			res.RunID, res.State, res.Epochs, res.BestEpoch, res.BestLoss, res.BestAUC)
		if res.Checkpoint != "" {
			fmt.Fprintf(os.Stdout, "checkpoint: %s\n", res.Checkpoint)
		}
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("Training interrupted; rerun with --resume to continue")
		return nil
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	p, _, err := openRefreshed(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := loadModel(p); err != nil {
		return err
	}
	p.RunBackground(cfg.Server.RefreshInterval)

	srv := server.New(p, cfg.Server)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	p, _, err := openRefreshed(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()

	w, err := ingest.NewWatcher(cfg.Data.LandingDir, ingest.DefaultDebounce)
	if err != nil {
		return err
	}
	defer w.Close()
	slog.Info("Watching landing directory", "dir", cfg.Data.LandingDir)
	return w.Run(ctx, func(ctx context.Context) error {
		res, err := p.Refresh(ctx)
		if err != nil {
			return err
		}
		slog.Info("Graph refreshed", "batches", res.Batches, "kept", res.Report.Kept, "version", res.Graph.Version)
		return nil
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	if cfg.Export.URI == "" {
		return errors.New("export.uri is not configured")
	}
	ctx, stop := signalContext()
	defer stop()
	p, _, err := openRefreshed(ctx, true)
	if err != nil {
		return err
	}
	defer p.Close()
	if predictPerNode > 0 {
		if err := loadModel(p); err != nil {
			return err
		}
	}

	db, err := export.Connect(ctx, cfg.Export)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())
	return p.Export(ctx, export.NewSink(db, cfg.Export.BatchSize), pipeline.ExportOptions{
		PerNode:  predictPerNode,
		MinScore: predictMin,
	})
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	p, _, err := openRefreshed(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := loadModel(p); err != nil {
		return err
	}
	return linkmcp.NewMCPServer(p).Run(ctx, &mcp.StdioTransport{})
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	infos, err := checkpoint.List(cfg.Train.CheckpointDir)
	if err != nil {
		return err
	}
	return printJSON(infos)
}
