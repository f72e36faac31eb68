package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jllopis/synod/pkg/audit"
	"github.com/jllopis/synod/pkg/config"
	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/eventbus"
	"github.com/jllopis/synod/pkg/hitl"
	"github.com/jllopis/synod/pkg/llm"
	"github.com/jllopis/synod/pkg/orchestrator"
	"github.com/jllopis/synod/pkg/pathmemory"
	"github.com/jllopis/synod/pkg/pathmemory/qdrant"
	"github.com/jllopis/synod/pkg/pruning"
	"github.com/jllopis/synod/pkg/security"
	"github.com/jllopis/synod/pkg/team"
	"github.com/jllopis/synod/pkg/telemetry"
	"github.com/jllopis/synod/pkg/tools"
)

// app holds the components built once per process and passed explicitly to
// every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	sink      audit.Sink
	bus       *eventbus.Bus
	memory    *pathmemory.Service
	health    *core.HealthRegistry
	evaluator *pruning.Evaluator
	pruner    *pruning.Manager
	policy    *hitl.Policy
	modal     hitl.Modal
	roles     *security.StaticResolver
	tools     *tools.Registry

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: telemetry.Component("synod"),
		health: core.NewHealthRegistry(),
		roles:  security.FromConfig(cfg.Security),
		modal:  hitl.ModalFromConfig(cfg.HITL.Modal),
	}

	sink, closeSink, err := audit.Open(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	a.sink = sink
	a.closers = append(a.closers, closeSink)

	a.bus = eventbus.New(eventbus.WithLogger(telemetry.Component("eventbus")), eventbus.WithMetrics(telemetry.Metrics()))
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	if err := a.openMemory(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.policy = hitl.FromConfig(cfg.HITL,
		hitl.WithAuditSink(a.sink),
		hitl.WithPublisher(a.bus),
		hitl.WithLogger(telemetry.Component("hitl")),
	)
	a.evaluator = pruning.NewEvaluator(
		pruning.WithThresholds(pruning.ThresholdsFromConfig(cfg.Pruning)),
		pruning.WithBaselineExempt(cfg.Pruning.BaselineExempt),
		pruning.WithEvaluatorPublisher(a.bus),
		pruning.WithEvaluatorAuditSink(a.sink),
		pruning.WithEvaluatorLogger(telemetry.Component("pruning")),
	)
	a.pruner = pruning.NewManager(
		pruning.NewMemoryStateStore(),
		pruning.NewFileSnapshotStore(cfg.Pruning.SnapshotDir),
		pruning.WithApproval(a.policy, a.modal),
		pruning.WithAllowUnderMin(cfg.Pruning.AllowUnderMin),
		pruning.WithManagerAuditSink(a.sink),
		pruning.WithManagerPublisher(a.bus),
		pruning.WithManagerLogger(telemetry.Component("pruning")),
	)

	a.tools = tools.NewRegistry(
		tools.WithAuditSink(a.sink),
		tools.WithPublisher(a.bus),
		tools.WithLogger(telemetry.Component("tools")),
	)
	if err := registerTools(a.tools, a.memory); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openMemory builds the path memory store selected by memory.backend and the
// optional Qdrant candidate index.
func (a *app) openMemory(ctx context.Context) error {
	mc := a.cfg.Memory
	var store pathmemory.Store
	switch mc.Backend {
	case "", "inmemory":
		store = pathmemory.NewMemoryStore()
	case "sqlite":
		if dir := filepath.Dir(mc.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		db, err := sql.Open("sqlite", mc.SQLitePath)
		if err != nil {
			return fmt.Errorf("open memory db: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		s, err := pathmemory.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		store = s
	default:
		return fmt.Errorf("unknown memory backend %q", mc.Backend)
	}
	a.health.Register("memory", core.PingChecker(store.Ping))

	opts := []pathmemory.Option{
		pathmemory.WithPublisher(a.bus),
		pathmemory.WithAuditSink(a.sink),
		pathmemory.WithLogger(telemetry.Component("pathmemory")),
		pathmemory.WithAvoidThreshold(mc.AvoidThreshold),
	}
	if mc.QdrantEnabled {
		idx, err := qdrant.New(mc.QdrantAddr, mc.QdrantCollection)
		if err != nil {
			return fmt.Errorf("connect qdrant: %w", err)
		}
		a.closers = append(a.closers, idx.Close)
		if err := idx.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant collection: %w", err)
		}
		opts = append(opts, pathmemory.WithIndex(idx))
		a.health.Register("qdrant", core.PingChecker(idx.EnsureCollection))
	}
	a.memory = pathmemory.NewService(store, opts...)
	return nil
}

// newOrchestrator spawns one team per kind on the configured LLM backend.
func (a *app) newOrchestrator(ctx context.Context, workflowPath string) (*orchestrator.Orchestrator, error) {
	gen, err := llm.FromConfig(a.cfg.LLM)
	if err != nil {
		return nil, err
	}
	if workflowPath == "" {
		workflowPath = a.cfg.Orchestrator.WorkflowFile
	}
	var wf *orchestrator.Workflow
	if workflowPath != "" {
		loaded, err := orchestrator.LoadWorkflow(workflowPath)
		if err != nil {
			return nil, err
		}
		wf = &loaded
	}
	settings, err := orchestrator.SettingsFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}

	members := make([]team.Member, 0, len(team.Kinds()))
	for _, k := range team.Kinds() {
		members = append(members, team.New(k, gen, team.WithModel(a.cfg.LLM.Model)))
	}
	return orchestrator.New(ctx, orchestrator.Deps{
		Teams:       members,
		Workflow:    wf,
		Bus:         a.bus,
		Memory:      a.memory,
		Evaluator:   a.evaluator,
		Pruner:      a.pruner,
		Audit:       a.sink,
		Checkpoints: orchestrator.NewFileCheckpointStore(a.cfg.Orchestrator.CheckpointDir),
		Logger:      telemetry.Component("orchestrator"),
		Metrics:     telemetry.Metrics(),
	}, settings)
}

// exec is the gate configuration for tool calls made by the CLI user.
func (a *app) exec(reason string) tools.ExecOptions {
	return tools.ExecOptions{
		User:     global.User,
		Security: a.roles,
		HITL:     a.policy,
		Modal:    a.modal,
		Reason:   reason,
	}
}

// Close flushes the bus and releases resources in reverse order.
func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Flush(context.Background()); err != nil {
			a.logger.Warn("eventbus.flush", slog.String("error", err.Error()))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// withApp builds the app for one command and closes it afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
