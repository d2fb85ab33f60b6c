// Copyright 2025 The Dossier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/embedder"
	"github.com/dossier-ai/dossier/pkg/extract"
	"github.com/dossier-ai/dossier/pkg/indexer"
	"github.com/dossier-ai/dossier/pkg/lexical"
	"github.com/dossier-ai/dossier/pkg/llm"
	"github.com/dossier-ai/dossier/pkg/manifest"
	"github.com/dossier-ai/dossier/pkg/metrics"
	"github.com/dossier-ai/dossier/pkg/pipeline"
	"github.com/dossier-ai/dossier/pkg/retrieve"
	"github.com/dossier-ai/dossier/pkg/server"
	"github.com/dossier-ai/dossier/pkg/state"
	"github.com/dossier-ai/dossier/pkg/tenant"
	"github.com/dossier-ai/dossier/pkg/vector"
)

// backends bundles the shared service dependencies.
type backends struct {
	tenants  *tenant.Registry
	lexical  *lexical.Client
	vectors  vector.Provider
	embedder *embedder.Client
	metrics  *metrics.Metrics
}

func buildBackends(cfg *config.Config) (*backends, error) {
	tenants, err := tenant.LoadFile(cfg.Tenants.File, cfg.Tenants.Active)
	if err != nil {
		slog.Warn("No tenants file, falling back to environment", "error", err)
		tenants, err = tenant.FromEnv()
		if err != nil {
			return nil, err
		}
	}

	vectors, err := vector.New(vector.Config{
		Provider:     cfg.Vector.Provider,
		Path:         cfg.Vector.Path,
		QdrantHost:   cfg.Vector.QdrantHost,
		QdrantPort:   cfg.Vector.QdrantPort,
		QdrantAPIKey: os.Getenv("QDRANT_API_KEY"),
	})
	if err != nil {
		return nil, err
	}

	return &backends{
		tenants: tenants,
		lexical: lexical.New(cfg.Lexical.URL,
			lexical.WithTimeout(time.Duration(cfg.Lexical.TimeoutSeconds)*time.Second)),
		vectors: vectors,
		embedder: embedder.New(cfg.Embedder.Host, cfg.Embedder.APIKey, cfg.Embedder.Model,
			embedder.WithBatchSize(cfg.Embedder.BatchSize),
			embedder.WithDimension(cfg.Embedder.Dimension),
			embedder.WithTimeout(time.Duration(cfg.Embedder.TimeoutSeconds)*time.Second)),
		metrics: metrics.New(),
	}, nil
}

func (b *backends) close() {
	if err := b.vectors.Close(); err != nil {
		slog.Warn("Failed to close vector provider", "error", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, cleanup, err := loadConfig(cli)
	if err != nil {
		return err
	}
	defer cleanup()
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	b, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	states, err := state.NewStore(cfg.State.Path)
	if err != nil {
		return err
	}

	model := llm.New(cfg.LLM.Host, cfg.LLM.APIKey,
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithBaseTimeout(time.Duration(cfg.LLM.BaseTimeoutSeconds)*time.Second),
		llm.WithTimeoutScaling(float64(cfg.LLM.SecondsPerThousandTok)))

	orch := pipeline.New(
		model,
		retrieve.New(b.lexical, b.vectors, b.embedder, retrieve.WithMetrics(b.metrics)),
		states,
		cfg.LLM,
		cfg.NotFoundMessage,
	)

	srv := server.New(cfg, b.tenants, orch, b.lexical, b.metrics)

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}()

	fmt.Printf("dossier ready on http://%s\n", cfg.Server.Address())
	fmt.Printf("  Chat:    POST /v1/chat/completions\n")
	fmt.Printf("  Models:  GET  /v1/models\n")
	fmt.Printf("  Health:  GET  /health\n")
	fmt.Printf("  Metrics: GET  /metrics\n")
	return srv.Start()
}

// IndexCmd indexes a tenant's documents.
type IndexCmd struct {
	Tenant string `help:"Tenant short name (default: active tenant)."`
	Watch  bool   `help:"Keep running and re-index on filesystem changes."`
	Sweep  bool   `help:"Also remove entries for deleted files." default:"true" negatable:""`
}

func (c *IndexCmd) Run(cli *CLI) error {
	cfg, cleanup, err := loadConfig(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	tn, err := selectTenant(b.tenants, c.Tenant)
	if err != nil {
		return err
	}

	ix, man, err := buildIndexer(cfg, b)
	if err != nil {
		return err
	}
	defer man.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if c.Watch {
		if _, err := ix.Run(ctx, tn); err != nil {
			return err
		}
		return ix.Watch(ctx, tn, 2*time.Second)
	}

	stats, err := ix.Run(ctx, tn)
	if err != nil {
		return err
	}
	if c.Sweep {
		swept, err := ix.Sweep(ctx, tn)
		if err != nil {
			return err
		}
		stats.Removed = swept.Removed
	}
	fmt.Printf("indexed %d files (%d chunks), skipped %d, failed %d, removed %d\n",
		stats.Indexed, stats.Chunks, stats.Skipped, stats.Failed, stats.Removed)
	return nil
}

// SweepCmd removes index entries for deleted files.
type SweepCmd struct {
	Tenant string `help:"Tenant short name (default: active tenant)."`
}

func (c *SweepCmd) Run(cli *CLI) error {
	cfg, cleanup, err := loadConfig(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	tn, err := selectTenant(b.tenants, c.Tenant)
	if err != nil {
		return err
	}

	ix, man, err := buildIndexer(cfg, b)
	if err != nil {
		return err
	}
	defer man.Close()

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := ix.Sweep(ctx, tn)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d entries, removed %d\n", stats.Scanned, stats.Removed)
	return nil
}

func selectTenant(reg *tenant.Registry, shortName string) (*tenant.Tenant, error) {
	if shortName == "" {
		return reg.Active(), nil
	}
	tn, ok := reg.Get(shortName)
	if !ok {
		return nil, fmt.Errorf("unknown tenant %q", shortName)
	}
	return tn, nil
}

func buildIndexer(cfg *config.Config, b *backends) (*indexer.Indexer, *manifest.Store, error) {
	man, err := manifest.Open(cfg.Indexer.ManifestPath)
	if err != nil {
		return nil, nil, err
	}
	ix := indexer.New(cfg.Indexer, cfg.Chunking, indexer.Deps{
		Extract:  extract.New(cfg.Indexer.MaxZipDepth),
		Manifest: man,
		Lexical:  b.lexical,
		Vectors:  b.vectors,
		Embedder: b.embedder,
		Metrics:  b.metrics,
	})
	return ix, man, nil
}
