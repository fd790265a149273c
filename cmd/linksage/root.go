package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sanonone/linksage/pkg/config"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	traceOut   string

	cfg           config.Config
	traceShutdown func(context.Context) error

	rootCmd = &cobra.Command{
		Use:   "linksage",
		Short: "Patient/provider link prediction with GraphSAGE",
		Long: `linksage curates patient/provider relationship records into a graph,
trains a GraphSAGE link predictor on it and serves link scores.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if traceShutdown != nil {
				return traceShutdown(context.Background())
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LINKSAGE_CONFIG"), "path to the YAML configuration (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&traceOut, "trace", "", "write OpenTelemetry spans to this file ('-' for stderr)")

	rootCmd.AddCommand(ingestCmd, curateCmd, trainCmd, serveCmd, watchCmd, exportCmd, mcpCmd, checkpointsCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	if traceOut != "" {
		traceShutdown, err = initTracing(traceOut)
		if err != nil {
			return err
		}
	}
	return nil
}

func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// initTracing installs a tracer provider exporting spans as JSON to path.
func initTracing(path string) (func(context.Context) error, error) {
	var w io.Writer = os.Stderr
	var f *os.File
	if path != "-" {
		var err error
		f, err = os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		w = f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes("", attribute.String("service.name", "linksage"))),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if f != nil {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}
