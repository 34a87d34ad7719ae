// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/noesis-ai/noesis/pkg/audit"
	"github.com/noesis-ai/noesis/pkg/confidence"
	"github.com/noesis-ai/noesis/pkg/confidence/ollama"
	"github.com/noesis-ai/noesis/pkg/confidence/qdrant"
	"github.com/noesis-ai/noesis/pkg/config"
	"github.com/noesis-ai/noesis/pkg/connectors"
	"github.com/noesis-ai/noesis/pkg/deliberate"
	"github.com/noesis-ai/noesis/pkg/llm"
	"github.com/noesis-ai/noesis/pkg/loop"
	noesismcp "github.com/noesis-ai/noesis/pkg/mcp"
	"github.com/noesis-ai/noesis/pkg/risk"
	"github.com/noesis-ai/noesis/pkg/router"
	"github.com/noesis-ai/noesis/pkg/tools"
)

// app holds the long-lived dependencies shared by all subcommands: the
// capability registry, the audit store, and the error pattern store. The
// model router and loop runner are built per invocation in newRunnerSet.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *tools.Registry
	store    audit.Store
	patterns confidence.PatternStore

	db      *sql.DB
	closers []io.Closer
}

// runnerSet bundles a runner with the gate whose session approvals the ask
// command grants against.
type runnerSet struct {
	runner *loop.Runner
	gate   *risk.Gate
	router *router.Router
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: tools.NewRegistry(),
		store:    audit.NewMemoryStore(),
		patterns: confidence.NewMemoryPatternStore(),
	}

	if cfg.Storage.SQLitePath != "" {
		db, err := sql.Open("sqlite", cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		a.db = db
		store, err := audit.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init audit schema: %w", err)
		}
		a.store = store
		patterns, err := confidence.NewSQLitePatternStore(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init pattern schema: %w", err)
		}
		a.patterns = patterns
	}

	if cfg.Confidence.QdrantAddr != "" {
		embedder := ollama.NewEmbedder(cfg.Confidence.EmbedBaseURL, cfg.Confidence.EmbedModel)
		store, err := qdrant.New(cfg.Confidence.QdrantAddr, cfg.Confidence.QdrantCollection,
			embedder, uint64(cfg.Confidence.VectorSize))
		if err != nil {
			logger.Warn("qdrant unavailable, falling back to local pattern store",
				"addr", cfg.Confidence.QdrantAddr, "error", err)
		} else {
			a.patterns = store
		}
	}

	if err := registerBuiltins(a.registry); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.attachSQLTools(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.attachMCPServers(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// attachSQLTools generates CRUD capabilities from the configured database.
func (a *app) attachSQLTools() error {
	if a.cfg.Tools.SQLPath == "" {
		return nil
	}
	db, err := sql.Open("sqlite", a.cfg.Tools.SQLPath)
	if err != nil {
		return fmt.Errorf("open tool database: %w", err)
	}

	var opts []connectors.SQLOption
	if a.cfg.Tools.SQLReadOnly {
		opts = append(opts, connectors.WithReadOnly())
	}
	if a.cfg.Tools.SQLPrefix != "" {
		opts = append(opts, connectors.WithToolPrefix(a.cfg.Tools.SQLPrefix))
	}
	conn, err := connectors.NewSQLConnector(db, "sqlite", opts...)
	if err != nil {
		db.Close()
		return err
	}
	if err := conn.Register(a.registry); err != nil {
		db.Close()
		return err
	}
	a.closers = append(a.closers, db)
	a.logger.Info("attached sql tool source", "path", a.cfg.Tools.SQLPath, "tables", len(conn.Tables()))
	return nil
}

// attachMCPServers connects configured MCP servers and registers their tools.
// A server that is down logs a warning and is skipped; a misconfigured tier
// is an error.
func (a *app) attachMCPServers(ctx context.Context) error {
	for name, srv := range a.cfg.MCP.Servers {
		tiers := make(map[string]tools.Tier, len(srv.Tiers))
		for tool, tierName := range srv.Tiers {
			tier, ok := tools.ParseTierStrict(tierName)
			if !ok {
				return fmt.Errorf("mcp server %q: invalid tier %q for tool %q", name, tierName, tool)
			}
			tiers[tool] = tier
		}
		defaultTier := tools.TierHigh
		if srv.DefaultTier != "" {
			tier, ok := tools.ParseTierStrict(srv.DefaultTier)
			if !ok {
				return fmt.Errorf("mcp server %q: invalid default tier %q", name, srv.DefaultTier)
			}
			defaultTier = tier
		}

		client, err := a.dialMCP(srv)
		if err != nil {
			a.logger.Warn("skipping unreachable mcp server", "server", name, "error", err)
			continue
		}

		listCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		remoteTools, err := client.ListTools(listCtx)
		cancel()
		if err != nil {
			a.logger.Warn("skipping mcp server, tool discovery failed", "server", name, "error", err)
			_ = client.Close()
			continue
		}
		if err := tools.RegisterMCPTools(a.registry, client, remoteTools, tiers, defaultTier); err != nil {
			_ = client.Close()
			return fmt.Errorf("register tools from mcp server %q: %w", name, err)
		}
		a.closers = append(a.closers, client)
		a.logger.Info("attached mcp server", "server", name, "tools", len(remoteTools))
	}
	return nil
}

func (a *app) dialMCP(srv config.MCPServer) (*noesismcp.Client, error) {
	var opts []noesismcp.ClientOption
	if srv.TimeoutSecs > 0 {
		opts = append(opts, noesismcp.WithTimeout(time.Duration(srv.TimeoutSecs)*time.Second))
	}
	if strings.EqualFold(strings.TrimSpace(srv.Transport), "http") {
		return noesismcp.NewStreamableHTTPClient(srv.URL, opts...)
	}
	return noesismcp.NewStdioClient(srv.Command, srv.Args, opts...)
}

// newGate builds the risk gate from configuration. It is shared by the turn
// runner and the direct tool invocation command.
func (a *app) newGate() (*risk.Gate, error) {
	gateOpts := []risk.Option{
		risk.WithAudit(a.store),
		risk.WithDailyBudget(a.cfg.Risk.DailyBudget),
		risk.WithLogger(a.logger),
	}
	if a.cfg.Risk.TierTablePath != "" {
		table, err := risk.LoadTierTable(a.cfg.Risk.TierTablePath)
		if err != nil {
			return nil, fmt.Errorf("load tier table: %w", err)
		}
		gateOpts = append(gateOpts, risk.WithTierTable(table))
	}
	return risk.NewGate(a.registry, gateOpts...), nil
}

// newRunnerSet builds the model router and turn runner from configuration.
func (a *app) newRunnerSet() (*runnerSet, error) {
	if len(a.cfg.Chains) == 0 {
		return nil, fmt.Errorf("no model chains configured")
	}

	chains := make(map[string][]router.ChainEntry, len(a.cfg.Chains))
	for name, chain := range a.cfg.Chains {
		entries := make([]router.ChainEntry, 0, len(chain.Providers))
		for _, pc := range chain.Providers {
			provider, err := buildProvider(pc)
			if err != nil {
				return nil, fmt.Errorf("chain %q: %w", name, err)
			}
			entries = append(entries, router.ChainEntry{
				Name:     pc.Name,
				Provider: provider,
				Model:    pc.Model,
				Timeout:  time.Duration(pc.TimeoutSecs) * time.Second,
			})
		}
		chains[name] = entries
	}

	limits := make(map[string]router.Rate, len(a.cfg.RateLimits))
	for tier, rate := range a.cfg.RateLimits {
		limits[tier] = router.Rate{
			CallsPerMinute: rate.CallsPerMinute,
			CallsPerDay:    rate.CallsPerDay,
		}
	}

	rt, err := router.New(chains,
		router.WithBudget(router.NewRateBudget(limits)),
		router.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	gate, err := a.newGate()
	if err != nil {
		return nil, err
	}

	defaultChain := a.cfg.Loop.DefaultChain
	complexChain := chainOr(rt, a.cfg.Loop.ComplexChain, defaultChain)

	classifier := deliberate.NewClassifier(a.cfg.Complexity)
	engine := deliberate.NewEngine(rt, complexChain, deliberate.WithLogger(a.logger))

	calibrator := confidence.NewCalibrator(rt, chainOr(rt, a.cfg.Confidence.Chain, defaultChain),
		confidence.WithPatternStore(a.patterns),
		confidence.WithThresholds(a.cfg.Confidence.SimilarityThreshold, a.cfg.Confidence.PenaltyPerMatch),
		confidence.WithLogger(a.logger))

	runner, err := loop.NewRunner(rt, a.registry,
		loop.WithRiskGate(gate),
		loop.WithDeliberation(classifier, engine),
		loop.WithCalibrator(calibrator),
		loop.WithAuditStore(a.store),
		loop.WithChains(defaultChain, a.cfg.Loop.ComplexChain),
		loop.WithBudgetDefaults(a.cfg.Loop.MaxSteps, time.Duration(a.cfg.Loop.WallClockSecs)*time.Second),
		loop.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	return &runnerSet{runner: runner, gate: gate, router: rt}, nil
}

func chainOr(rt *router.Router, name, fallback string) string {
	if rt.HasChain(name) {
		return name
	}
	return fallback
}

func buildProvider(pc config.ChainProvider) (llm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(pc.Name)) {
	case "anthropic":
		var opts []llm.AnthropicOption
		if pc.Model != "" {
			opts = append(opts, llm.WithAnthropicModel(pc.Model))
		}
		if pc.APIKey != "" {
			opts = append(opts, llm.WithAnthropicAPIKey(pc.APIKey))
		}
		if pc.BaseURL != "" {
			opts = append(opts, llm.WithAnthropicBaseURL(pc.BaseURL))
		}
		return llm.NewAnthropic(opts...), nil
	case "openai":
		var opts []llm.OpenAIOption
		if pc.Model != "" {
			opts = append(opts, llm.WithOpenAIModel(pc.Model))
		}
		if pc.APIKey != "" {
			opts = append(opts, llm.WithOpenAIAPIKey(pc.APIKey))
		}
		if pc.BaseURL != "" {
			opts = append(opts, llm.WithOpenAIBaseURL(pc.BaseURL))
		}
		return llm.NewOpenAI(opts...), nil
	case "ollama":
		return llm.NewOllama(pc.BaseURL), nil
	case "mock":
		return &llm.MockProvider{Response: "This is a mock response."}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Name)
	}
}

func (a *app) Close() {
	for _, closer := range a.closers {
		_ = closer.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
