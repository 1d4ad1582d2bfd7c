package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/vecrag/internal/config"
	"github.com/abdul-hamid-achik/vecrag/internal/corpus"
	"github.com/abdul-hamid-achik/vecrag/internal/db"
	"github.com/abdul-hamid-achik/vecrag/internal/embed"
	"github.com/abdul-hamid-achik/vecrag/internal/generate"
	"github.com/abdul-hamid-achik/vecrag/internal/index"
	"github.com/abdul-hamid-achik/vecrag/internal/logger"
	"github.com/abdul-hamid-achik/vecrag/internal/service"
)

// app bundles the opened stores and the service built on them.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *corpus.Store
	snapshot *db.Snapshot
	provider embed.Provider
	indexer  *index.Indexer
	svc      *service.Service
}

// loadConfig reads the config named by --config and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	log, err := logger.Setup(level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, log, nil
}

// openApp wires the corpus store, snapshot, provider, indexer and service.
// With start set the index is restored before returning.
func openApp(ctx context.Context, cmd *cobra.Command, start bool) (*app, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.DataDir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no data directory at %s: run 'vecrag init' first", cfg.DataDir)
	}

	a := &app{cfg: cfg, log: log}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}

	if start {
		if err := a.svc.Start(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) build() error {
	cfg := a.cfg

	provider, err := embed.New(cfg.EmbedOptions())
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	a.provider = provider

	chunker, err := index.NewChunker(cfg.ChunkerConfig())
	if err != nil {
		return err
	}

	generator, err := generate.New(cfg.GeneratorOptions())
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	a.store, err = corpus.Open(cfg.DataDir,
		corpus.WithPDFExtractor(corpus.NewPDFExtractor(cfg.Indexing.PDFTool)))
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}

	a.snapshot, err = db.Open(db.SnapshotPath(cfg.DataDir), provider.Dimensions())
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}

	vi := index.NewVectorIndex(index.WithNormalize(cfg.Retrieval.Normalize))
	a.indexer = index.NewIndexer(vi, chunker, provider, cfg.IndexerConfig(),
		index.WithCorpus(a.store),
		index.WithSnapshot(a.snapshot),
		index.WithLogger(a.log),
	)

	a.svc = service.New(service.Deps{
		Corpus:    a.store,
		Indexer:   a.indexer,
		Provider:  provider,
		Generator: generator,
		Logger:    a.log,
	}, service.Config{
		TopK:           cfg.Retrieval.TopK,
		Threshold:      cfg.Retrieval.Threshold,
		IgnorePatterns: cfg.Indexing.IgnorePatterns,
		Warmup:         cfg.Retrieval.Warmup,
	})
	return nil
}

// Close releases the stores. It is safe on a partially built app.
func (a *app) Close() {
	if a.snapshot != nil {
		if err := a.snapshot.Close(); err != nil {
			a.log.Warn("close snapshot", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close corpus", "error", err)
		}
	}
}
